package verifykit

import (
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Option configures a ProxyRotator, MailboxClient or CaptchaClient.
// Options that do not apply to a given client are ignored by it.
type Option func(*options)

type options struct {
	apiBase      string
	apiKey       string
	apiProxy     string
	timeout      time.Duration
	pollInterval time.Duration
	waitTimeout  time.Duration
	strategy     Strategy
	checkURL     string
	seed         *int64
	logger       *zerolog.Logger
	clock        Clock
	httpClient   *http.Client
}

func applyOptions(opts []Option) *options {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WithAPIBase sets the vendor API base URL.
func WithAPIBase(apiBase string) Option {
	return func(o *options) {
		o.apiBase = apiBase
	}
}

// WithAPIKey sets the vendor API key. Only the CaptchaClient uses it.
func WithAPIKey(apiKey string) Option {
	return func(o *options) {
		o.apiKey = apiKey
	}
}

// WithAPIProxy sets the HTTP proxy for vendor API requests.
func WithAPIProxy(apiProxy string) Option {
	return func(o *options) {
		o.apiProxy = apiProxy
	}
}

// WithTimeout sets the per-request timeout.
// For a ProxyRotator it bounds each health check.
func WithTimeout(timeout time.Duration) Option {
	return func(o *options) {
		o.timeout = timeout
	}
}

// WithPollInterval sets the default interval between polls.
func WithPollInterval(interval time.Duration) Option {
	return func(o *options) {
		o.pollInterval = interval
	}
}

// WithWaitTimeout sets the default total time a poll loop may run.
func WithWaitTimeout(timeout time.Duration) Option {
	return func(o *options) {
		o.waitTimeout = timeout
	}
}

// WithStrategy sets the ProxyRotator selection strategy. Default is RoundRobin.
func WithStrategy(strategy Strategy) Option {
	return func(o *options) {
		o.strategy = strategy
	}
}

// WithCheckURL sets the URL fetched by ProxyRotator.Check.
func WithCheckURL(checkURL string) Option {
	return func(o *options) {
		o.checkURL = checkURL
	}
}

// WithSeed seeds the Random strategy so selections are reproducible.
func WithSeed(seed int64) Option {
	return func(o *options) {
		o.seed = &seed
	}
}

// WithLogger sets the logger. By default warnings and above go to stderr.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) {
		o.logger = &logger
	}
}

// WithClock replaces the wall clock used by poll loops.
func WithClock(clock Clock) Option {
	return func(o *options) {
		o.clock = clock
	}
}

// WithHTTPClient replaces the HTTP client used for vendor API requests.
// WithAPIProxy and WithTimeout are ignored when it is set.
func WithHTTPClient(client *http.Client) Option {
	return func(o *options) {
		o.httpClient = client
	}
}

func (o *options) loggerOr() zerolog.Logger {
	if o.logger != nil {
		return *o.logger
	}
	return defaultLogger()
}

func (o *options) clockOr() Clock {
	if o.clock != nil {
		return o.clock
	}
	return realClock{}
}

func (o *options) durationOr(d, def time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return def
}

func (o *options) stringOr(s, def string) string {
	if s != "" {
		return s
	}
	return def
}

// apiHTTPClient builds the client for vendor API requests.
func (o *options) apiHTTPClient(timeout time.Duration) *http.Client {
	if o.httpClient != nil {
		return o.httpClient
	}

	transport := &http.Transport{}
	if o.apiProxy != "" {
		if u, err := url.Parse(normalizeProxyString(o.apiProxy)); err == nil {
			transport.Proxy = http.ProxyURL(u)
		}
	}

	return &http.Client{
		Transport: transport,
		Timeout:   timeout,
	}
}

func defaultLogger() zerolog.Logger {
	return zerolog.New(os.Stderr).Level(zerolog.WarnLevel).With().Timestamp().Logger()
}
