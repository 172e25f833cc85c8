package verifykit

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

// =============================================================================
// ExtractLink
// =============================================================================

func TestExtractLink(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		expected string
		ok       bool
	}{
		{"single", "https://example.com/confirm?x=1", "https://example.com/confirm?x=1", true},
		{"prefers hint", "Visit https://example.com/home or https://example.com/verify?t=abc to continue", "https://example.com/verify?t=abc", true},
		{"fallback to first", "see http://a.example.com/one and http://b.example.com/two", "http://a.example.com/one", true},
		{"case insensitive hint", "https://x.example.com/a https://x.example.com/ACTIVATE/1", "https://x.example.com/ACTIVATE/1", true},
		{"html attribute", `<a href="https://example.com/auth/cb?code=1">go</a>`, "https://example.com/auth/cb?code=1", true},
		{"html entities decoded", `<p>Hi</p><a href="https://example.com/login?a=1&amp;b=2">Log in</a><a href="https://example.com/confirm?a=1&amp;t=x">Confirm</a>`, "https://example.com/confirm?a=1&t=x", true},
		{"html text url", `<div>Open https://example.com/activate/9 in your browser</div>`, "https://example.com/activate/9", true},
		{"none", "no links here", "", false},
		{"html without links", "<p>nothing</p>", "", false},
		{"empty", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ExtractLink(tt.body)
			if ok != tt.ok || got != tt.expected {
				t.Errorf("ExtractLink(%q) = (%q, %v), want (%q, %v)", tt.body, got, ok, tt.expected, tt.ok)
			}
		})
	}
}

func TestMatchMessage(t *testing.T) {
	msg := MailMessage{Subject: "Please Confirm your email", Sender: "no-reply@Service.example"}

	if !matchMessage(msg, []string{"confirm"}, "") {
		t.Error("Expected case-insensitive subject match")
	}
	if !matchMessage(msg, []string{"welcome", "CONFIRM"}, "service.example") {
		t.Error("Expected match on any keyword with sender filter")
	}
	if matchMessage(msg, []string{"confirm"}, "other.example") {
		t.Error("Expected sender filter to reject")
	}
	if matchMessage(msg, []string{"invoice"}, "") {
		t.Error("Expected no match for unrelated keyword")
	}
	if !matchMessage(msg, nil, "") {
		t.Error("Expected empty keyword list to match any subject")
	}
}

func TestSplitAddress(t *testing.T) {
	login, domain, err := splitAddress("abc@1secmail.com")
	if err != nil || login != "abc" || domain != "1secmail.com" {
		t.Errorf("Unexpected split: %q %q %v", login, domain, err)
	}
	for _, bad := range []string{"", "abc", "@x.com", "a@", "a@b@c"} {
		if _, _, err := splitAddress(bad); err == nil {
			t.Errorf("Expected error for %q", bad)
		}
	}
}

// =============================================================================
// Mock Server Tests
// =============================================================================

func newMailServer(t *testing.T, handle func(w http.ResponseWriter, r *http.Request)) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		handle(w, r)
	}))
	t.Cleanup(server.Close)
	return server
}

func TestNewAddressAndDomains(t *testing.T) {
	server := newMailServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("action") {
		case "genRandomMailbox":
			if r.URL.Query().Get("count") != "1" {
				t.Errorf("Expected count=1, got %s", r.URL.Query().Get("count"))
			}
			_ = json.NewEncoder(w).Encode([]string{"xyz123@1secmail.com"})
		case "getDomainList":
			_ = json.NewEncoder(w).Encode([]string{"1secmail.com", "1secmail.org"})
		default:
			t.Errorf("Unexpected action %s", r.URL.Query().Get("action"))
		}
	})

	client := NewMailboxClient(WithAPIBase(server.URL), quietLogger())
	ctx := context.Background()

	addr, err := client.NewAddress(ctx)
	if err != nil {
		t.Fatalf("NewAddress failed: %v", err)
	}
	if addr != "xyz123@1secmail.com" {
		t.Errorf("Expected address 'xyz123@1secmail.com', got '%s'", addr)
	}

	domains, err := client.Domains(ctx)
	if err != nil {
		t.Fatalf("Domains failed: %v", err)
	}
	if len(domains) != 2 || domains[1] != "1secmail.org" {
		t.Errorf("Unexpected domains %v", domains)
	}
}

func TestReadMessageBodyFallback(t *testing.T) {
	server := newMailServer(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("action") != "readMessage" || q.Get("login") != "box" || q.Get("domain") != "mail.test" || q.Get("id") != "42" {
			t.Errorf("Unexpected query %s", r.URL.RawQuery)
		}
		_, _ = w.Write([]byte(`{"id":42,"from":"a@b.c","subject":"Hi","date":"2024-01-01 00:00:00","body":"","textBody":"plain text","htmlBody":"<p>html</p>"}`))
	})

	client := NewMailboxClient(WithAPIBase(server.URL), quietLogger())
	msg, err := client.ReadMessage(context.Background(), "box@mail.test", 42)
	if err != nil {
		t.Fatalf("ReadMessage failed: %v", err)
	}
	if msg.Body != "plain text" {
		t.Errorf("Expected textBody fallback, got '%s'", msg.Body)
	}
	if msg.Sender != "a@b.c" {
		t.Errorf("Expected sender 'a@b.c', got '%s'", msg.Sender)
	}
}

func TestMessagesAPIError(t *testing.T) {
	server := newMailServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("down"))
	})

	client := NewMailboxClient(WithAPIBase(server.URL), quietLogger())
	_, err := client.Messages(context.Background(), "box@mail.test")

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("Expected *APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("Expected status 503, got %d", apiErr.StatusCode)
	}
}

func TestAwaitMessageMatches(t *testing.T) {
	var polls int32
	server := newMailServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("action") {
		case "getMessages":
			n := atomic.AddInt32(&polls, 1)
			switch {
			case n == 1:
				_, _ = w.Write([]byte(`[]`))
			case n == 2:
				// Transient failure must not end the wait
				w.WriteHeader(http.StatusBadGateway)
			default:
				_, _ = w.Write([]byte(`[
					{"id":1,"from":"news@shop.example","subject":"Confirm your order","date":""},
					{"id":2,"from":"accounts@service.example","subject":"Please CONFIRM your email","date":""}
				]`))
			}
		case "readMessage":
			if r.URL.Query().Get("id") != "2" {
				t.Errorf("Expected to read message 2, got %s", r.URL.Query().Get("id"))
			}
			_, _ = w.Write([]byte(`{"id":2,"from":"accounts@service.example","subject":"Please CONFIRM your email","body":"Click https://service.example/confirm?token=abc"}`))
		}
	})

	clock := newFakeClock()
	client := NewMailboxClient(WithAPIBase(server.URL), WithClock(clock), quietLogger())

	msg, err := client.AwaitMessage(context.Background(), "box@mail.test", []string{"confirm"}, "service.example", time.Minute, 5*time.Second)
	if err != nil {
		t.Fatalf("AwaitMessage failed: %v", err)
	}
	if msg.ID != 2 {
		t.Errorf("Expected message 2, got %d", msg.ID)
	}
	if n := atomic.LoadInt32(&polls); n != 3 {
		t.Errorf("Expected 3 polls, got %d", n)
	}
	if clock.sleepCount() != 2 {
		t.Errorf("Expected 2 sleeps, got %d", clock.sleepCount())
	}

	link, ok := ExtractLink(msg.Body)
	if !ok || link != "https://service.example/confirm?token=abc" {
		t.Errorf("Unexpected link %q", link)
	}
}

func TestAwaitMessageTimeoutBounded(t *testing.T) {
	server := newMailServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"id":1,"from":"x@y.z","subject":"Weekly digest","date":""}]`))
	})

	client := NewMailboxClient(WithAPIBase(server.URL), quietLogger())

	start := time.Now()
	msg, err := client.AwaitMessage(context.Background(), "box@mail.test", []string{"verify"}, "", 2*time.Second, 500*time.Millisecond)
	elapsed := time.Since(start)

	if msg != nil {
		t.Errorf("Expected nil message, got %+v", msg)
	}
	var timeoutErr *TimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("Expected *TimeoutError, got %v", err)
	}
	if elapsed < 2*time.Second || elapsed > 3500*time.Millisecond {
		t.Errorf("Expected to return after ~2s, took %v", elapsed)
	}
}

func TestAwaitMessageCancelled(t *testing.T) {
	server := newMailServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[]`))
	})

	client := NewMailboxClient(WithAPIBase(server.URL), quietLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := client.AwaitMessage(ctx, "box@mail.test", []string{"verify"}, "", time.Minute, 10*time.Second)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected context.DeadlineExceeded, got %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Error("Expected cancellation to unblock the wait")
	}
}

func TestAwaitLink(t *testing.T) {
	server := newMailServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("action") {
		case "getMessages":
			_, _ = w.Write([]byte(`[{"id":7,"from":"x@y.z","subject":"Activate your account","date":""}]`))
		case "readMessage":
			_, _ = w.Write([]byte(`{"id":7,"textBody":"Go to https://y.z/activate/7 now"}`))
		}
	})

	client := NewMailboxClient(WithAPIBase(server.URL), WithClock(newFakeClock()), quietLogger())
	link, err := client.AwaitLink(context.Background(), "box@mail.test", []string{"activate"}, "", time.Minute, time.Second)
	if err != nil {
		t.Fatalf("AwaitLink failed: %v", err)
	}
	if link != "https://y.z/activate/7" {
		t.Errorf("Expected activation link, got '%s'", link)
	}
}
