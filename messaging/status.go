package messaging

import (
	"errors"
	"net/http"
)

// StatusMapper picks the status code of the ErrorEnvelope sent for a failed
// handler invocation.
type StatusMapper func(err error) int

// DefaultStatusMapper honours StatusCoder anywhere in the error chain and
// falls back to 500.
func DefaultStatusMapper(err error) int {
	var coder StatusCoder
	if errors.As(err, &coder) {
		if code := coder.StatusCode(); code > 0 {
			return code
		}
	}
	return http.StatusInternalServerError
}

// StatusRule maps errors matching a target to a status code
type StatusRule struct {
	Target error
	Code   int
}

// NewStatusMapper returns a mapper that checks rules in order with
// errors.Is, then defers to DefaultStatusMapper.
func NewStatusMapper(rules ...StatusRule) StatusMapper {
	return func(err error) int {
		for _, rule := range rules {
			if errors.Is(err, rule.Target) {
				return rule.Code
			}
		}
		return DefaultStatusMapper(err)
	}
}
