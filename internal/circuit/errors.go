package circuit

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"strings"
)

// Errors surfaced by the degradation controller
var (
	ErrCircuitOpen        = errors.New("circuit breaker is open")
	ErrFeatureDisabled    = errors.New("feature disabled by degradation level")
	ErrExecutionTimeout   = errors.New("execution timed out")
	ErrUnknownFeature     = errors.New("feature not registered")
	ErrFallbacksExhausted = errors.New("all fallback strategies failed")
)

// ErrorClass categorizes execution failures for pattern detection
type ErrorClass string

const (
	ClassTimeout    ErrorClass = "timeout"
	ClassNetwork    ErrorClass = "network"
	ClassParsing    ErrorClass = "parsing"
	ClassValidation ErrorClass = "validation"
	ClassAuth       ErrorClass = "auth"
	ClassRateLimit  ErrorClass = "rate_limit"
	ClassUnknown    ErrorClass = "unknown"
)

// Classify maps an execution error to its class
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassUnknown
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrExecutionTimeout) {
		return ClassTimeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return ClassTimeout
		}
		return ClassNetwork
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return ClassParsing
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline"):
		return ClassTimeout
	case strings.Contains(msg, "connection") || strings.Contains(msg, "network") || strings.Contains(msg, "refused"):
		return ClassNetwork
	case strings.Contains(msg, "parse") || strings.Contains(msg, "unmarshal") || strings.Contains(msg, "decode"):
		return ClassParsing
	case strings.Contains(msg, "validation") || strings.Contains(msg, "invalid"):
		return ClassValidation
	case strings.Contains(msg, "unauthorized") || strings.Contains(msg, "forbidden") || strings.Contains(msg, "auth"):
		return ClassAuth
	case strings.Contains(msg, "rate limit") || strings.Contains(msg, "too many requests"):
		return ClassRateLimit
	default:
		return ClassUnknown
	}
}
