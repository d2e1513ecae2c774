package relay

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/loqalabs/speech-relay/internal/credential"
	"github.com/loqalabs/speech-relay/internal/protocol"
	"github.com/nats-io/nats.go"
)

// CredentialSource is the read side of the credential store.
type CredentialSource interface {
	Load() (credential.Credential, bool)
}

// Doer performs a prepared upstream request.
type Doer interface {
	Do(ctx context.Context, req *http.Request) ([]byte, error)
}

// Handler turns one inbound message into an Outcome. It never publishes.
type Handler struct {
	route Route
	creds CredentialSource
	doer  Doer
	newID func() string
}

func NewHandler(route Route, creds CredentialSource, doer Doer) (*Handler, error) {
	if route == nil || creds == nil || doer == nil {
		return nil, errors.New("relay handler requires a route, a credential source and an upstream client")
	}
	return &Handler{
		route: route,
		creds: creds,
		doer:  doer,
		newID: func() string { return uuid.NewString() },
	}, nil
}

func (h *Handler) Route() string { return h.route.Name() }

// Handle runs the relay steps in order and stops at the first failure.
func (h *Handler) Handle(ctx context.Context, msg *nats.Msg) Outcome {
	requestID := h.newID()

	replyTo := ReplyAddress(msg)
	if replyTo == "" {
		return failed(requestID, "", ReasonMissingReplyAddress, ErrMissingReplyAddress)
	}

	req, err := h.route.NewRequest(ctx, msg.Data)
	if err != nil {
		return failed(requestID, replyTo, ReasonInvalidPayload, err)
	}

	cred, ok := h.creds.Load()
	if !ok {
		return failed(requestID, replyTo, ReasonNotAuthenticated, ErrNotAuthenticated)
	}
	req.Header.Set("Authorization", "Bearer "+cred.Token)
	req.Header.Set("x-client-request-id", requestID)

	body, err := h.doer.Do(ctx, req)
	if err != nil {
		return failed(requestID, replyTo, classify(err), fmt.Errorf("%s upstream call: %w", h.route.Name(), err))
	}
	return succeeded(requestID, replyTo, body)
}

// ReplyAddress returns the built-in reply subject, falling back to the
// reply-to header.
func ReplyAddress(msg *nats.Msg) string {
	if msg == nil {
		return ""
	}
	if msg.Reply != "" {
		return msg.Reply
	}
	if msg.Header != nil {
		return msg.Header.Get(protocol.HeaderReplyTo)
	}
	return ""
}
