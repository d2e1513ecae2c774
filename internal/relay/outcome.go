// Package relay turns bus requests into authenticated upstream calls and
// publishes the result back to the caller's reply address.
package relay

import (
	"errors"

	"github.com/loqalabs/speech-relay/internal/upstream"
)

// Reason classifies a failed relay attempt. The string value is the tag sent
// to callers in the failure payload.
type Reason string

const (
	ReasonMissingReplyAddress Reason = "MissingReplyAddress"
	ReasonInvalidPayload      Reason = "InvalidPayload"
	ReasonNotAuthenticated    Reason = "NotAuthenticated"
	ReasonUpstreamUnreachable Reason = "UpstreamUnreachable"
	ReasonUpstreamRejected    Reason = "UpstreamRejected"
)

var (
	ErrMissingReplyAddress = errors.New("message has no reply address")
	ErrInvalidPayload      = errors.New("invalid request payload")
	ErrNotAuthenticated    = errors.New("no credential available yet")
)

// Outcome is the result of handling one inbound message. Reason is empty on
// success, in which case Payload holds the upstream response body.
type Outcome struct {
	RequestID string
	ReplyTo   string
	Payload   []byte
	Reason    Reason
	Cause     error
}

func (o Outcome) OK() bool {
	return o.Reason == ""
}

// Routable reports whether there is an address to answer to.
func (o Outcome) Routable() bool {
	return o.ReplyTo != ""
}

func succeeded(requestID, replyTo string, payload []byte) Outcome {
	return Outcome{RequestID: requestID, ReplyTo: replyTo, Payload: payload}
}

func failed(requestID, replyTo string, reason Reason, cause error) Outcome {
	return Outcome{RequestID: requestID, ReplyTo: replyTo, Reason: reason, Cause: cause}
}

// classify maps an upstream call error to a failure reason.
func classify(err error) Reason {
	var statusErr *upstream.StatusError
	switch {
	case errors.As(err, &statusErr):
		return ReasonUpstreamRejected
	case errors.Is(err, upstream.ErrUnreachable):
		return ReasonUpstreamUnreachable
	default:
		return ReasonUpstreamUnreachable
	}
}
