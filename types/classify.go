package types

import (
	"regexp"
	"strconv"
	"strings"
)

// ErrorCategory buckets failures so counts can be kept without retaining
// raw error text.
type ErrorCategory string

const (
	ErrTimeout    ErrorCategory = "timeout"
	ErrConnection ErrorCategory = "connection"
	ErrNotFound   ErrorCategory = "not_found"
	ErrPermission ErrorCategory = "permission"
	ErrThrottled  ErrorCategory = "throttled"
	ErrValidation ErrorCategory = "validation"
	ErrServer     ErrorCategory = "server"
	ErrUnknown    ErrorCategory = "unknown"
)

// ErrorCategories lists every category in rendering order.
var ErrorCategories = []ErrorCategory{
	ErrTimeout, ErrConnection, ErrNotFound, ErrPermission,
	ErrThrottled, ErrValidation, ErrServer, ErrUnknown,
}

// Valid reports whether c is a known category.
func (c ErrorCategory) Valid() bool {
	for _, known := range ErrorCategories {
		if c == known {
			return true
		}
	}
	return false
}

// classifiers is checked in order; the first category with a matching
// keyword wins. Bare status numbers are not keywords: request and host ids
// in S3 error text are arbitrary digits.
var classifiers = []struct {
	category ErrorCategory
	keywords []string
}{
	{ErrTimeout, []string{"timeout", "timed out", "deadline exceeded"}},
	{ErrThrottled, []string{"slowdown", "slow down", "throttl", "too many requests", "serviceunavailable", "service unavailable"}},
	{ErrConnection, []string{"connection", "dial tcp", "no such host", "broken pipe", "unexpected eof", "network is unreachable"}},
	{ErrNotFound, []string{"nosuchkey", "nosuchbucket", "not found"}},
	{ErrPermission, []string{"accessdenied", "access denied", "forbidden", "permission", "signaturedoesnotmatch", "invalidaccesskeyid"}},
	{ErrValidation, []string{"invalid", "malformed", "bad request"}},
	{ErrServer, []string{"internalerror", "internal error"}},
}

// statusPattern finds an HTTP status as the SDKs print it, for example
// "StatusCode: 503" or "status code 404".
var statusPattern = regexp.MustCompile(`status ?code:? ?(\d{3})\b`)

// ClassifyError maps an error message to a category by keyword, then by
// the HTTP status it names. An empty or unrecognised message is
// ErrUnknown.
func ClassifyError(message string) ErrorCategory {
	lower := strings.ToLower(message)
	if lower == "" {
		return ErrUnknown
	}
	for _, c := range classifiers {
		for _, kw := range c.keywords {
			if strings.Contains(lower, kw) {
				return c.category
			}
		}
	}
	if m := statusPattern.FindStringSubmatch(lower); m != nil {
		code, _ := strconv.Atoi(m[1])
		return StatusCategory(code)
	}
	return ErrUnknown
}

// StatusCategory maps an HTTP status code to a category. Codes below 400
// are ErrUnknown.
func StatusCategory(code int) ErrorCategory {
	switch {
	case code == 408:
		return ErrTimeout
	case code == 429 || code == 503:
		return ErrThrottled
	case code == 404:
		return ErrNotFound
	case code == 401 || code == 403:
		return ErrPermission
	case code >= 400 && code < 500:
		return ErrValidation
	case code >= 500 && code < 600:
		return ErrServer
	}
	return ErrUnknown
}
