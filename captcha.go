package verifykit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// notReady is the literal the vendor returns while a job is still being worked on.
const notReady = "CAPCHA_NOT_READY"

// Challenge is a puzzle that can be submitted to the solving vendor.
type Challenge interface {
	fields() url.Values
}

// ImageChallenge is a classic image CAPTCHA.
type ImageChallenge struct {
	Image    []byte
	Filename string
}

func (c ImageChallenge) fields() url.Values {
	return url.Values{"method": {"post"}}
}

// RecaptchaV2 is a reCAPTCHA v2 widget identified by its site key.
type RecaptchaV2 struct {
	SiteKey string
	PageURL string
}

func (c RecaptchaV2) fields() url.Values {
	return url.Values{
		"method":    {"userrecaptcha"},
		"googlekey": {c.SiteKey},
		"pageurl":   {c.PageURL},
	}
}

// RecaptchaV3 is a score-based reCAPTCHA v3. Action defaults to "verify".
type RecaptchaV3 struct {
	SiteKey  string
	PageURL  string
	Action   string
	MinScore float64
}

func (c RecaptchaV3) fields() url.Values {
	action := c.Action
	if action == "" {
		action = "verify"
	}
	v := url.Values{
		"method":    {"userrecaptcha"},
		"version":   {"v3"},
		"googlekey": {c.SiteKey},
		"pageurl":   {c.PageURL},
		"action":    {action},
	}
	if c.MinScore > 0 {
		v.Set("min_score", strconv.FormatFloat(c.MinScore, 'f', 1, 64))
	}
	return v
}

// JobStatus is the state of a CaptchaJob.
type JobStatus string

const (
	JobPending  JobStatus = "pending"
	JobSolved   JobStatus = "solved"
	JobFailed   JobStatus = "failed"
	JobTimedOut JobStatus = "timed_out"
)

// CaptchaJob tracks one submission from intake to its final state.
type CaptchaJob struct {
	ID     string
	Status JobStatus
	Token  string
}

// vendorResponse is the envelope returned by both intake and result endpoints.
type vendorResponse struct {
	Status    int    `json:"status"`
	Request   string `json:"request"`
	ErrorText string `json:"error_text"`
}

// CaptchaClient submits challenges to a 2captcha-style API and polls for solutions.
type CaptchaClient struct {
	apiKey       string
	apiBase      string
	pollInterval time.Duration
	waitTimeout  time.Duration

	apiClient *http.Client
	clock     Clock
	logger    zerolog.Logger
}

// NewCaptchaClient creates a CaptchaClient for the given API key. The default
// API base is https://2captcha.com, polling every 5s for up to 120s.
func NewCaptchaClient(apiKey string, opts ...Option) *CaptchaClient {
	o := applyOptions(opts)

	c := &CaptchaClient{
		apiKey:       o.stringOr(apiKey, o.apiKey),
		apiBase:      strings.TrimSuffix(o.stringOr(o.apiBase, "https://2captcha.com"), "/"),
		pollInterval: o.durationOr(o.pollInterval, 5*time.Second),
		waitTimeout:  o.durationOr(o.waitTimeout, 120*time.Second),
		clock:        o.clockOr(),
		logger:       o.loggerOr().With().Str("component", "captcha").Logger(),
	}
	c.apiClient = o.apiHTTPClient(o.durationOr(o.timeout, 30*time.Second))

	return c
}

func (c *CaptchaClient) do(req *http.Request) (*vendorResponse, error) {
	resp, err := c.apiClient.Do(req)
	if err != nil {
		return nil, NewConnectionError("failed to send request", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, NewConnectionError("failed to read response", err)
	}

	if resp.StatusCode != 200 {
		return nil, NewAPIError(strings.TrimSpace(string(body)), resp.StatusCode)
	}

	var vr vendorResponse
	if err := json.Unmarshal(body, &vr); err != nil {
		return nil, NewConnectionError("failed to parse response", err)
	}
	return &vr, nil
}

// Submit posts ch to the intake endpoint and returns the vendor job id.
// Any failure here is terminal for the submission.
func (c *CaptchaClient) Submit(ctx context.Context, ch Challenge) (string, error) {
	if c.apiKey == "" {
		return "", NewVendorError("API key required", "")
	}

	fields := ch.fields()
	fields.Set("key", c.apiKey)
	fields.Set("json", "1")

	var (
		req *http.Request
		err error
	)
	if img, ok := ch.(ImageChallenge); ok {
		req, err = c.newImageRequest(ctx, fields, img)
	} else {
		req, err = http.NewRequestWithContext(ctx, "POST", c.apiBase+"/in.php", strings.NewReader(fields.Encode()))
		if err == nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	}
	if err != nil {
		return "", NewConnectionError("failed to create request", err)
	}

	vr, err := c.do(req)
	if err != nil {
		return "", err
	}
	if vr.Status != 1 {
		return "", NewVendorError("submission rejected", vr.Request)
	}
	if vr.Request == "" {
		return "", NewVendorError("no job id returned", "")
	}

	c.logger.Debug().Str("job", vr.Request).Str("method", fields.Get("method")).Msg("challenge submitted")
	return vr.Request, nil
}

func (c *CaptchaClient) newImageRequest(ctx context.Context, fields url.Values, img ImageChallenge) (*http.Request, error) {
	if len(img.Image) == 0 {
		return nil, fmt.Errorf("empty image")
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, vs := range fields {
		for _, v := range vs {
			if err := mw.WriteField(k, v); err != nil {
				return nil, err
			}
		}
	}

	name := img.Filename
	if name == "" {
		name = "captcha.jpg"
	}
	fw, err := mw.CreateFormFile("file", name)
	if err != nil {
		return nil, err
	}
	if _, err := fw.Write(img.Image); err != nil {
		return nil, err
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.apiBase+"/in.php", &buf)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req, nil
}

// PollResult waits for the solution of jobID. Each round sleeps for interval
// and then queries the result endpoint. CAPCHA_NOT_READY and transport
// errors keep the loop going; any other vendor error ends it with a
// *VendorError. Once timeout has passed a *TimeoutError is returned.
// A zero timeout or interval uses the client defaults.
func (c *CaptchaClient) PollResult(ctx context.Context, jobID string, timeout, interval time.Duration) (string, error) {
	if timeout <= 0 {
		timeout = c.waitTimeout
	}
	if interval <= 0 {
		interval = c.pollInterval
	}

	logger := c.logger.With().Str("job", jobID).Logger()
	deadline := c.clock.Now().Add(timeout)

	for c.clock.Now().Before(deadline) {
		if err := sleepWithin(ctx, c.clock, interval, deadline); err != nil {
			return "", err
		}

		vr, err := c.fetchResult(ctx, jobID)
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			logger.Warn().Err(err).Msg("result poll failed")
			continue
		}

		if vr.Status == 1 {
			logger.Debug().Msg("challenge solved")
			return vr.Request, nil
		}
		if vr.Request == notReady {
			continue
		}
		return "", NewVendorError("job failed", vr.Request)
	}

	return "", NewTimeoutError(fmt.Sprintf("job %s not solved within %s", jobID, timeout))
}

func (c *CaptchaClient) fetchResult(ctx context.Context, jobID string) (*vendorResponse, error) {
	params := url.Values{
		"key":    {c.apiKey},
		"action": {"get"},
		"id":     {jobID},
		"json":   {"1"},
	}
	req, err := http.NewRequestWithContext(ctx, "GET", c.apiBase+"/res.php?"+params.Encode(), nil)
	if err != nil {
		return nil, NewConnectionError("failed to create request", err)
	}
	return c.do(req)
}

// Solve submits ch and polls until it is solved, fails or times out, using
// the client's default timeout and interval. The returned job reflects the
// final state even when err is non-nil, unless submission itself failed.
func (c *CaptchaClient) Solve(ctx context.Context, ch Challenge) (*CaptchaJob, error) {
	id, err := c.Submit(ctx, ch)
	if err != nil {
		return nil, err
	}

	job := &CaptchaJob{ID: id, Status: JobPending}
	token, err := c.PollResult(ctx, id, c.waitTimeout, c.pollInterval)
	if err != nil {
		if _, ok := err.(*TimeoutError); ok {
			job.Status = JobTimedOut
		} else {
			job.Status = JobFailed
		}
		return job, err
	}

	job.Status = JobSolved
	job.Token = token
	return job, nil
}

// Balance returns the account balance reported by the vendor.
func (c *CaptchaClient) Balance(ctx context.Context) (float64, error) {
	params := url.Values{
		"key":    {c.apiKey},
		"action": {"getbalance"},
		"json":   {"1"},
	}
	req, err := http.NewRequestWithContext(ctx, "GET", c.apiBase+"/res.php?"+params.Encode(), nil)
	if err != nil {
		return 0, NewConnectionError("failed to create request", err)
	}

	vr, err := c.do(req)
	if err != nil {
		return 0, err
	}
	if vr.Status != 1 {
		return 0, NewVendorError("balance request rejected", vr.Request)
	}

	balance, err := strconv.ParseFloat(vr.Request, 64)
	if err != nil {
		return 0, NewVendorError("unexpected balance value", vr.Request)
	}
	return balance, nil
}
