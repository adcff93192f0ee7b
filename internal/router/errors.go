package router

import (
	"errors"

	"github.com/a-essam23/go-relay/pkg/state"
)

var (
	ErrMalformedEvent = errors.New("malformed event")
	ErrUnknownEvent   = errors.New("unknown event")
	ErrRateLimited    = errors.New("rate limit exceeded")
)

const (
	CodeMalformedEvent = "malformed_event"
	CodeUnknownEvent   = "unknown_event"
	CodeNotAMember     = "not_a_member"
	CodeRateLimited    = "rate_limited"
	CodeInternal       = "internal"
)

func errorCode(err error) string {
	switch {
	case errors.Is(err, ErrMalformedEvent):
		return CodeMalformedEvent
	case errors.Is(err, ErrUnknownEvent):
		return CodeUnknownEvent
	case errors.Is(err, state.ErrNotAMember):
		return CodeNotAMember
	case errors.Is(err, ErrRateLimited):
		return CodeRateLimited
	default:
		return CodeInternal
	}
}
