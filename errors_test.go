package verifykit

import (
	"errors"
	"strings"
	"testing"
)

func TestVersion(t *testing.T) {
	if Version == "" {
		t.Error("Version should not be empty")
	}
}

func TestAPIError(t *testing.T) {
	err := NewAPIError("bad gateway", 502)
	if err.StatusCode != 502 {
		t.Errorf("Expected status code 502, got %d", err.StatusCode)
	}
	if !strings.Contains(err.Error(), "bad gateway") || !strings.Contains(err.Error(), "502") {
		t.Errorf("Unexpected error message '%s'", err.Error())
	}
}

func TestVendorError(t *testing.T) {
	err := NewVendorError("job failed", "ERROR_CAPTCHA_UNSOLVABLE")
	if !strings.Contains(err.Error(), "ERROR_CAPTCHA_UNSOLVABLE") {
		t.Errorf("Error message should contain the vendor code, got '%s'", err.Error())
	}

	noCode := NewVendorError("no job id returned", "")
	if strings.HasSuffix(noCode.Error(), ": ") {
		t.Errorf("Unexpected trailing separator in '%s'", noCode.Error())
	}
}

func TestConnectionErrorUnwrap(t *testing.T) {
	cause := &APIError{Message: "underlying error", StatusCode: 500}
	err := NewConnectionError("connection failed", cause)

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Error("errors.As should reach the cause")
	}
	if NewConnectionError("no cause", nil).Unwrap() != nil {
		t.Error("Unwrap should return nil when no cause")
	}
}

func TestProxyErrorUnwrap(t *testing.T) {
	cause := errors.New("dial refused")
	err := NewProxyError("check failed", cause)
	if !errors.Is(err, cause) {
		t.Error("errors.Is should reach the cause")
	}
}
