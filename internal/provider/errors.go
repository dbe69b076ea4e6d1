package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"unicode/utf8"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Category is the normalized class of a provider failure.
type Category string

// Provider error categories
const (
	Unauthorized Category = "unauthorized"
	RateLimited  Category = "rate_limited"
	InvalidInput Category = "invalid_input"
	Unavailable  Category = "unavailable"
	Timeout      Category = "timeout"
	Unknown      Category = "unknown"
)

// maxReasonLen bounds the failure reason persisted on an entity.
const maxReasonLen = 500

// Error is a provider failure normalized at the adapter boundary.
type Error struct {
	Category Category
	Provider string
	Message  string
	Err      error
}

func (e *Error) Error() string {
	if e.Provider != "" {
		return fmt.Sprintf("%s: %s: %s", e.Category, e.Provider, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Category, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Reason renders the error as a human-readable failure reason that starts
// with its category.
func (e *Error) Reason() string {
	return truncate(fmt.Sprintf("%s: %s", e.Category, e.Message), maxReasonLen)
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// NewError creates a categorized provider error.
func NewError(category Category, providerID, message string, err error) *Error {
	return &Error{Category: category, Provider: providerID, Message: message, Err: err}
}

// Normalize converts any error returned by an adapter into an *Error.
// Context deadlines become Timeout; errors that are already normalized pass
// through; anything else is Unknown.
func Normalize(providerID string, err error) *Error {
	if err == nil {
		return nil
	}

	var perr *Error
	if errors.As(err, &perr) {
		if perr.Provider == "" {
			perr.Provider = providerID
		}
		return perr
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return NewError(Timeout, providerID, "provider did not respond in time", err)
	}

	if cat, ok := grpcCategory(err); ok {
		return NewError(cat, providerID, err.Error(), err)
	}

	return NewError(Unknown, providerID, err.Error(), err)
}

// CategoryOf returns the category of err, or Unknown if it carries none.
func CategoryOf(err error) Category {
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Category
	}
	return Unknown
}

// FromHTTPStatus maps an HTTP response status from a provider to a category.
func FromHTTPStatus(code int) Category {
	switch {
	case code == http.StatusUnauthorized, code == http.StatusForbidden:
		return Unauthorized
	case code == http.StatusTooManyRequests:
		return RateLimited
	case code == http.StatusRequestTimeout, code == http.StatusGatewayTimeout:
		return Timeout
	case code == http.StatusBadRequest, code == http.StatusNotFound,
		code == http.StatusRequestEntityTooLarge, code == http.StatusUnsupportedMediaType,
		code == http.StatusUnprocessableEntity:
		return InvalidInput
	case code >= 500:
		return Unavailable
	default:
		return Unknown
	}
}

// HTTPError builds a provider error from a non-2xx response.
func HTTPError(providerID string, code int, body []byte) *Error {
	msg := fmt.Sprintf("status %d", code)
	if len(body) > 0 {
		msg = fmt.Sprintf("status %d: %s", code, truncate(string(body), 200))
	}
	return NewError(FromHTTPStatus(code), providerID, msg, nil)
}

// FromGRPC maps a gRPC status code to a category.
func FromGRPC(code codes.Code) Category {
	switch code {
	case codes.Unauthenticated, codes.PermissionDenied:
		return Unauthorized
	case codes.ResourceExhausted:
		return RateLimited
	case codes.InvalidArgument, codes.NotFound, codes.FailedPrecondition, codes.OutOfRange:
		return InvalidInput
	case codes.Unavailable, codes.Internal, codes.Aborted:
		return Unavailable
	case codes.DeadlineExceeded:
		return Timeout
	default:
		return Unknown
	}
}

func grpcCategory(err error) (Category, bool) {
	st, ok := status.FromError(err)
	if !ok || st.Code() == codes.OK || st.Code() == codes.Unknown {
		return "", false
	}
	return FromGRPC(st.Code()), true
}
