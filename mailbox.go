package verifykit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/rs/zerolog"
)

// MailMessage is a message in a temporary mailbox. Body is empty for
// list results and filled in by ReadMessage.
type MailMessage struct {
	ID      int64
	Subject string
	Sender  string
	Date    string
	Body    string
}

type mailSummary struct {
	ID      int64  `json:"id"`
	From    string `json:"from"`
	Sender  string `json:"sender"`
	Subject string `json:"subject"`
	Date    string `json:"date"`
}

type mailDetail struct {
	mailSummary
	Body     string `json:"body"`
	TextBody string `json:"textBody"`
	HTMLBody string `json:"htmlBody"`
}

func (m mailSummary) toMessage() MailMessage {
	sender := m.From
	if sender == "" {
		sender = m.Sender
	}
	return MailMessage{
		ID:      m.ID,
		Subject: m.Subject,
		Sender:  sender,
		Date:    m.Date,
	}
}

// MailboxClient talks to a 1secmail-style temporary mail API.
type MailboxClient struct {
	apiBase      string
	pollInterval time.Duration
	waitTimeout  time.Duration

	apiClient *http.Client
	clock     Clock
	logger    zerolog.Logger
}

// NewMailboxClient creates a MailboxClient. The default API base is
// https://www.1secmail.com/api/v1/, polling every 10s for up to 5 minutes.
func NewMailboxClient(opts ...Option) *MailboxClient {
	o := applyOptions(opts)

	c := &MailboxClient{
		apiBase:      strings.TrimSuffix(o.stringOr(o.apiBase, "https://www.1secmail.com/api/v1/"), "/") + "/",
		pollInterval: o.durationOr(o.pollInterval, 10*time.Second),
		waitTimeout:  o.durationOr(o.waitTimeout, 5*time.Minute),
		clock:        o.clockOr(),
		logger:       o.loggerOr().With().Str("component", "mailbox").Logger(),
	}
	c.apiClient = o.apiHTTPClient(o.durationOr(o.timeout, 30*time.Second))

	return c
}

func splitAddress(address string) (login, domain string, err error) {
	parts := strings.Split(strings.TrimSpace(address), "@")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid mailbox address %q", address)
	}
	return parts[0], parts[1], nil
}

// getJSON issues GET apiBase?params and decodes the JSON reply into out.
func (c *MailboxClient) getJSON(ctx context.Context, params url.Values, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, "GET", c.apiBase+"?"+params.Encode(), nil)
	if err != nil {
		return NewConnectionError("failed to create request", err)
	}

	resp, err := c.apiClient.Do(req)
	if err != nil {
		return NewConnectionError("failed to send request", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return NewConnectionError("failed to read response", err)
	}

	if resp.StatusCode != 200 {
		return NewAPIError(strings.TrimSpace(string(body)), resp.StatusCode)
	}

	if err := json.Unmarshal(body, out); err != nil {
		return NewConnectionError("failed to parse response", err)
	}
	return nil
}

// NewAddress asks the service for a fresh random mailbox address.
func (c *MailboxClient) NewAddress(ctx context.Context) (string, error) {
	var addrs []string
	params := url.Values{"action": {"genRandomMailbox"}, "count": {"1"}}
	if err := c.getJSON(ctx, params, &addrs); err != nil {
		return "", err
	}
	if len(addrs) == 0 {
		return "", NewVendorError("no mailbox address returned", "")
	}
	return addrs[0], nil
}

// Domains lists the domains the service accepts mail for.
func (c *MailboxClient) Domains(ctx context.Context) ([]string, error) {
	var domains []string
	if err := c.getJSON(ctx, url.Values{"action": {"getDomainList"}}, &domains); err != nil {
		return nil, err
	}
	return domains, nil
}

// Messages lists the messages currently in the mailbox, without bodies.
func (c *MailboxClient) Messages(ctx context.Context, address string) ([]MailMessage, error) {
	login, domain, err := splitAddress(address)
	if err != nil {
		return nil, err
	}

	var summaries []mailSummary
	params := url.Values{"action": {"getMessages"}, "login": {login}, "domain": {domain}}
	if err := c.getJSON(ctx, params, &summaries); err != nil {
		return nil, err
	}

	msgs := make([]MailMessage, 0, len(summaries))
	for _, s := range summaries {
		msgs = append(msgs, s.toMessage())
	}
	return msgs, nil
}

// ReadMessage fetches a single message including its body. The body is the
// vendor's "body" field, falling back to "textBody" then "htmlBody".
func (c *MailboxClient) ReadMessage(ctx context.Context, address string, id int64) (*MailMessage, error) {
	login, domain, err := splitAddress(address)
	if err != nil {
		return nil, err
	}

	var detail mailDetail
	params := url.Values{
		"action": {"readMessage"},
		"login":  {login},
		"domain": {domain},
		"id":     {strconv.FormatInt(id, 10)},
	}
	if err := c.getJSON(ctx, params, &detail); err != nil {
		return nil, err
	}

	msg := detail.toMessage()
	if msg.ID == 0 {
		msg.ID = id
	}
	switch {
	case detail.Body != "":
		msg.Body = detail.Body
	case detail.TextBody != "":
		msg.Body = detail.TextBody
	default:
		msg.Body = detail.HTMLBody
	}
	return &msg, nil
}

func matchMessage(msg MailMessage, keywords []string, senderFilter string) bool {
	if senderFilter != "" && !strings.Contains(strings.ToLower(msg.Sender), strings.ToLower(senderFilter)) {
		return false
	}
	if len(keywords) == 0 {
		return true
	}
	subject := strings.ToLower(msg.Subject)
	for _, kw := range keywords {
		if strings.Contains(subject, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

// AwaitMessage polls the mailbox until a message whose subject contains any
// of keywords (case-insensitive) arrives, and, when senderFilter is set,
// whose sender contains senderFilter. The matching message is returned with
// its body. An empty keyword list matches any subject.
//
// Errors from individual polls are logged and the loop carries on. When
// timeout elapses a *TimeoutError is returned; when ctx is done, ctx.Err().
// A zero timeout or interval uses the client defaults.
func (c *MailboxClient) AwaitMessage(ctx context.Context, address string, keywords []string, senderFilter string, timeout, interval time.Duration) (*MailMessage, error) {
	if _, _, err := splitAddress(address); err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = c.waitTimeout
	}
	if interval <= 0 {
		interval = c.pollInterval
	}

	logger := c.logger.With().Str("address", address).Logger()
	deadline := c.clock.Now().Add(timeout)

	for c.clock.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		msg, err := c.pollOnce(ctx, address, keywords, senderFilter)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			logger.Warn().Err(err).Msg("mailbox poll failed")
		} else if msg != nil {
			logger.Info().Int64("id", msg.ID).Str("subject", msg.Subject).Msg("message received")
			return msg, nil
		}

		if err := sleepWithin(ctx, c.clock, interval, deadline); err != nil {
			return nil, err
		}
	}

	return nil, NewTimeoutError(fmt.Sprintf("no matching message for %s within %s", address, timeout))
}

func (c *MailboxClient) pollOnce(ctx context.Context, address string, keywords []string, senderFilter string) (*MailMessage, error) {
	msgs, err := c.Messages(ctx, address)
	if err != nil {
		return nil, err
	}
	for _, m := range msgs {
		if matchMessage(m, keywords, senderFilter) {
			return c.ReadMessage(ctx, address, m.ID)
		}
	}
	c.logger.Debug().Int("messages", len(msgs)).Msg("no matching message yet")
	return nil, nil
}

// AwaitLink waits for a matching message and returns the link ExtractLink finds in it.
func (c *MailboxClient) AwaitLink(ctx context.Context, address string, keywords []string, senderFilter string, timeout, interval time.Duration) (string, error) {
	msg, err := c.AwaitMessage(ctx, address, keywords, senderFilter, timeout, interval)
	if err != nil {
		return "", err
	}
	link, ok := ExtractLink(msg.Body)
	if !ok {
		return "", NewVendorError(fmt.Sprintf("message %d contains no link", msg.ID), "")
	}
	return link, nil
}

var urlPattern = regexp.MustCompile(`https?://[^\s'"<>]+`)

var linkHints = []string{"verify", "confirm", "activate", "token", "auth", "email"}

// findURLs returns the URLs in body in document order. HTML bodies contribute
// their decoded anchor hrefs first, followed by bare URLs in the visible text.
func findURLs(body string) []string {
	if !strings.Contains(body, "<") {
		return urlPattern.FindAllString(body, -1)
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return urlPattern.FindAllString(body, -1)
	}

	var urls []string
	seen := make(map[string]bool)
	add := func(u string) {
		if !seen[u] {
			seen[u] = true
			urls = append(urls, u)
		}
	}

	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		href = strings.TrimSpace(href)
		if urlPattern.FindString(href) == href && href != "" {
			add(href)
		}
	})
	for _, u := range urlPattern.FindAllString(doc.Text(), -1) {
		add(u)
	}
	return urls
}

// ExtractLink returns the first URL in body that looks like a verification
// link, or else the first URL at all. ok is false when body has no URL.
func ExtractLink(body string) (link string, ok bool) {
	urls := findURLs(body)
	if len(urls) == 0 {
		return "", false
	}
	for _, u := range urls {
		lower := strings.ToLower(u)
		for _, hint := range linkHints {
			if strings.Contains(lower, hint) {
				return u, true
			}
		}
	}
	return urls[0], true
}
