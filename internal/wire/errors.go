package wire

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"
)

// Kind classifies wire failures by how the sync engine must react.
type Kind int

const (
	// KindApplication is a server-side rejection that retrying will not fix.
	KindApplication Kind = iota
	// KindNetwork means the server could not be reached. The work is
	// deferred to the next cycle and not counted as a failure.
	KindNetwork
	// KindAuth means credentials were rejected. Sync pauses until
	// re-authentication.
	KindAuth
	// KindTransient is a server-side failure worth retrying with backoff.
	KindTransient
)

func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindAuth:
		return "auth"
	case KindTransient:
		return "transient"
	default:
		return "application"
	}
}

// Error is returned by every Client operation that fails.
type Error struct {
	Op         string
	Kind       Kind
	StatusCode int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s error", e.Op, e.Kind)
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (status %d)", e.StatusCode)
	}
	if e.Message != "" {
		fmt.Fprintf(&b, ": %s", e.Message)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

func kindOf(err error) (Kind, bool) {
	var we *Error
	if errors.As(err, &we) {
		return we.Kind, true
	}
	return KindApplication, false
}

// IsNetworkUnavailable reports whether err means the server was unreachable.
func IsNetworkUnavailable(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindNetwork
}

// IsAuthError reports whether err is an authentication failure.
func IsAuthError(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindAuth
}

// IsTransient reports whether err is a retryable server failure.
func IsTransient(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindTransient
}

// IsRetryable reports whether err is worth retrying with backoff:
// transient server failures and unreachable-network errors.
func IsRetryable(err error) bool {
	k, ok := kindOf(err)
	return ok && (k == KindTransient || k == KindNetwork)
}

// classifyTransport turns an http.Client error into a wire error.
func classifyTransport(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	if isNetworkError(err) {
		return &Error{Op: op, Kind: KindNetwork, Err: err}
	}
	return &Error{Op: op, Kind: KindApplication, Err: err}
}

func isNetworkError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.EHOSTUNREACH) ||
		errors.Is(err, syscall.ENETUNREACH) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, s := range networkMessages {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

var networkMessages = []string{
	"connection refused",
	"connection reset",
	"no such host",
	"timeout",
	"deadline exceeded",
	"eof",
	"network is unreachable",
	"broken pipe",
}

var retryableMessages = []string{
	"temporarily unavailable",
	"try again",
	"rate limit",
	"timeout",
	"too many requests",
	"service unavailable",
}

func isRetryableStatus(code int) bool {
	return code >= 500 || code == 408 || code == 429
}

func isRetryableMessage(msg string) bool {
	msg = strings.ToLower(msg)
	for _, s := range retryableMessages {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
