package verifykit

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Noooste/azuretls-client"
	"github.com/rs/zerolog"
)

// Strategy selects how ProxyRotator picks the next endpoint.
type Strategy string

const (
	RoundRobin Strategy = "round_robin"
	Random     Strategy = "random"
	LeastUsed  Strategy = "least_used"
)

// ParseStrategy maps a configuration string to a Strategy.
// Unknown values fall back to RoundRobin.
func ParseStrategy(s string) Strategy {
	switch Strategy(strings.ToLower(strings.TrimSpace(s))) {
	case Random:
		return Random
	case LeastUsed:
		return LeastUsed
	default:
		return RoundRobin
	}
}

// ProxyEndpoint is a single egress proxy.
type ProxyEndpoint struct {
	Protocol string
	Host     string
	Port     int
	Username string
	Password string
}

// Key identifies the endpoint for stats bookkeeping. Credentials are not part of it.
func (p ProxyEndpoint) Key() string {
	return fmt.Sprintf("%s://%s", p.Protocol, net.JoinHostPort(p.Host, strconv.Itoa(p.Port)))
}

// URL renders the endpoint as a proxy URL, including credentials when present.
func (p ProxyEndpoint) URL() string {
	u := url.URL{
		Scheme: p.Protocol,
		Host:   net.JoinHostPort(p.Host, strconv.Itoa(p.Port)),
	}
	if p.Username != "" && p.Password != "" {
		u.User = url.UserPassword(p.Username, p.Password)
	}
	return u.String()
}

func normalizeProxyString(proxy string) string {
	proxy = strings.TrimSpace(proxy)
	proxy = strings.ReplaceAll(proxy, "：", ":")
	return proxy
}

// ParseProxy parses "scheme://[user:pass@]host:port" or the bare "host:port"
// and "host:port:user:pass" forms. The scheme defaults to http.
func ParseProxy(raw string) (ProxyEndpoint, error) {
	raw = normalizeProxyString(raw)
	if raw == "" {
		return ProxyEndpoint{}, NewProxyError("empty proxy entry", nil)
	}

	if !strings.Contains(raw, "://") {
		parts := strings.Split(raw, ":")
		switch len(parts) {
		case 2:
			raw = "http://" + raw
		case 4:
			raw = fmt.Sprintf("http://%s:%s@%s:%s", parts[2], parts[3], parts[0], parts[1])
		default:
			return ProxyEndpoint{}, NewProxyError(fmt.Sprintf("invalid proxy format %q", raw), nil)
		}
	}

	u, err := url.Parse(raw)
	if err != nil {
		return ProxyEndpoint{}, NewProxyError(fmt.Sprintf("invalid proxy %q", raw), err)
	}
	switch u.Scheme {
	case "http", "https", "socks4", "socks5":
	default:
		return ProxyEndpoint{}, NewProxyError(fmt.Sprintf("unsupported proxy protocol %q", u.Scheme), nil)
	}

	host := u.Hostname()
	if host == "" {
		return ProxyEndpoint{}, NewProxyError(fmt.Sprintf("missing host in %q", raw), nil)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil || port <= 0 || port > 65535 {
		return ProxyEndpoint{}, NewProxyError(fmt.Sprintf("invalid port in %q", raw), err)
	}

	ep := ProxyEndpoint{
		Protocol: u.Scheme,
		Host:     host,
		Port:     port,
	}
	if u.User != nil {
		ep.Username = u.User.Username()
		ep.Password, _ = u.User.Password()
	}
	return ep, nil
}

// LoadProxyList reads one proxy per line. Blank lines and lines starting
// with '#' are skipped; any malformed entry aborts the load.
func LoadProxyList(r io.Reader) ([]ProxyEndpoint, error) {
	var endpoints []ProxyEndpoint
	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		ep, err := ParseProxy(text)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		endpoints = append(endpoints, ep)
	}
	if err := scanner.Err(); err != nil {
		return nil, NewProxyError("failed to read proxy list", err)
	}
	return endpoints, nil
}

// ProxyStats tracks outcomes reported for one endpoint.
type ProxyStats struct {
	SuccessCount int
	FailureCount int
	IsWorking    bool
	LastChecked  time.Time
}

// FailureRate returns failures over total reported outcomes, or 0 with no outcomes.
func (s ProxyStats) FailureRate() float64 {
	total := s.SuccessCount + s.FailureCount
	if total == 0 {
		return 0
	}
	return float64(s.FailureCount) / float64(total)
}

// maxFailureRate is the failure rate above which an endpoint is retired for good.
const maxFailureRate = 0.5

// ProxyRotator hands out endpoints from a fixed list. It is safe for concurrent use.
type ProxyRotator struct {
	endpoints []ProxyEndpoint
	strategy  Strategy
	checkURL  string
	timeout   time.Duration
	logger    zerolog.Logger

	mu     sync.Mutex
	stats  []ProxyStats
	index  map[string]int
	cursor int
	rng    *rand.Rand
}

// NewProxyRotator creates a rotator over a copy of endpoints. Every endpoint
// starts out working. Repeated endpoints (same Key) are kept once.
func NewProxyRotator(endpoints []ProxyEndpoint, opts ...Option) *ProxyRotator {
	o := applyOptions(opts)

	seed := time.Now().UnixNano()
	if o.seed != nil {
		seed = *o.seed
	}

	r := &ProxyRotator{
		strategy: o.strategy,
		checkURL: o.stringOr(o.checkURL, "https://httpbin.org/ip"),
		timeout:  o.durationOr(o.timeout, 10*time.Second),
		logger:   o.loggerOr(),
		index:    make(map[string]int, len(endpoints)),
		rng:      rand.New(rand.NewSource(seed)),
	}
	if r.strategy == "" {
		r.strategy = RoundRobin
	}

	for _, ep := range endpoints {
		if _, ok := r.index[ep.Key()]; ok {
			continue
		}
		r.index[ep.Key()] = len(r.endpoints)
		r.endpoints = append(r.endpoints, ep)
		r.stats = append(r.stats, ProxyStats{IsWorking: true})
	}

	return r
}

// Len returns the number of configured endpoints.
func (r *ProxyRotator) Len() int {
	return len(r.endpoints)
}

// Next returns the next working endpoint according to the strategy,
// or nil if no endpoint is working.
func (r *ProxyRotator) Next() *ProxyEndpoint {
	r.mu.Lock()
	defer r.mu.Unlock()

	var idx int
	switch r.strategy {
	case Random:
		idx = r.nextRandom()
	case LeastUsed:
		idx = r.nextLeastUsed()
	default:
		idx = r.nextRoundRobin()
	}
	if idx < 0 {
		return nil
	}

	ep := r.endpoints[idx]
	return &ep
}

// nextRoundRobin scans at most one full cycle from the cursor.
func (r *ProxyRotator) nextRoundRobin() int {
	n := len(r.endpoints)
	for i := 0; i < n; i++ {
		idx := (r.cursor + i) % n
		if r.stats[idx].IsWorking {
			r.cursor = (idx + 1) % n
			return idx
		}
	}
	return -1
}

func (r *ProxyRotator) nextRandom() int {
	working := make([]int, 0, len(r.endpoints))
	for i, st := range r.stats {
		if st.IsWorking {
			working = append(working, i)
		}
	}
	if len(working) == 0 {
		return -1
	}
	return working[r.rng.Intn(len(working))]
}

// nextLeastUsed picks the working endpoint with the fewest successes; ties go to list order.
func (r *ProxyRotator) nextLeastUsed() int {
	best := -1
	for i, st := range r.stats {
		if !st.IsWorking {
			continue
		}
		if best < 0 || st.SuccessCount < r.stats[best].SuccessCount {
			best = i
		}
	}
	return best
}

// ReportOutcome records a success or failure for ep. Once the failure rate
// exceeds one half the endpoint is retired and never handed out again.
// It returns false if ep is not part of the rotator.
func (r *ProxyRotator) ReportOutcome(ep ProxyEndpoint, success bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx, ok := r.index[ep.Key()]
	if !ok {
		return false
	}

	st := &r.stats[idx]
	if success {
		st.SuccessCount++
	} else {
		st.FailureCount++
	}

	if st.IsWorking && st.FailureRate() > maxFailureRate {
		st.IsWorking = false
		r.logger.Warn().
			Str("proxy", ep.Key()).
			Int("success", st.SuccessCount).
			Int("failure", st.FailureCount).
			Msg("proxy retired")
	}
	return true
}

// Stats returns a snapshot of the stats for ep.
func (r *ProxyRotator) Stats(ep ProxyEndpoint) (ProxyStats, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx, ok := r.index[ep.Key()]
	if !ok {
		return ProxyStats{}, false
	}
	return r.stats[idx], true
}

// Working returns the number of endpoints still in rotation.
func (r *ProxyRotator) Working() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, st := range r.stats {
		if st.IsWorking {
			n++
		}
	}
	return n
}

// Check fetches the rotator's check URL through ep and reports the outcome.
// A nil error means the proxy answered with HTTP 200.
func (r *ProxyRotator) Check(ctx context.Context, ep ProxyEndpoint) error {
	err := r.probe(ctx, ep)

	r.mu.Lock()
	if idx, ok := r.index[ep.Key()]; ok {
		r.stats[idx].LastChecked = time.Now()
	}
	r.mu.Unlock()

	r.ReportOutcome(ep, err == nil)
	if err != nil {
		r.logger.Debug().Err(err).Str("proxy", ep.Key()).Msg("proxy check failed")
	}
	return err
}

func (r *ProxyRotator) probe(ctx context.Context, ep ProxyEndpoint) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	session := azuretls.NewSession()
	defer session.Close()

	if err := session.SetProxy(ep.URL()); err != nil {
		return NewProxyError("failed to set proxy", err)
	}

	resp, err := session.Do(&azuretls.Request{
		Method:  "GET",
		Url:     r.checkURL,
		TimeOut: r.timeout,
	})
	if err != nil {
		return NewProxyError(fmt.Sprintf("request via %s failed", ep.Key()), err)
	}
	if resp.StatusCode != 200 {
		return NewProxyError(fmt.Sprintf("check via %s returned HTTP %d", ep.Key(), resp.StatusCode), nil)
	}
	return nil
}
