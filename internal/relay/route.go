package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/loqalabs/speech-relay/internal/protocol"
)

// Route converts an inbound payload into an upstream request. The returned
// request carries no credentials; the handler adds them.
type Route interface {
	Name() string
	NewRequest(ctx context.Context, payload []byte) (*http.Request, error)
}

// SynthesisRoute relays text-to-speech requests as GET with query parameters.
type SynthesisRoute struct {
	endpoint        *url.URL
	defaultLanguage string
	folderID        string
}

func NewSynthesisRoute(endpoint, defaultLanguage, folderID string) (*SynthesisRoute, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse tts url: %w", err)
	}
	return &SynthesisRoute{endpoint: u, defaultLanguage: defaultLanguage, folderID: folderID}, nil
}

func (r *SynthesisRoute) Name() string { return "tts" }

func (r *SynthesisRoute) NewRequest(ctx context.Context, payload []byte) (*http.Request, error) {
	var req protocol.SynthesisRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	if req.Voice == "" {
		return nil, fmt.Errorf("%w: voice is required", ErrInvalidPayload)
	}
	if req.Text == "" {
		return nil, fmt.Errorf("%w: text is required", ErrInvalidPayload)
	}

	query := url.Values{}
	query.Set("voice", req.Voice)
	query.Set("text", req.Text)
	if lang := orDefault(req.Lang, r.defaultLanguage); lang != "" {
		query.Set("lang", lang)
	}
	if folder := orDefault(req.FolderID, r.folderID); folder != "" {
		query.Set("folderId", folder)
	}

	u := *r.endpoint
	u.RawQuery = query.Encode()
	return http.NewRequestWithContext(ctx, http.MethodGet, u.String(), http.NoBody)
}

// RecognitionRoute relays speech-to-text requests as POST with the audio in
// the body.
type RecognitionRoute struct {
	endpoint        *url.URL
	defaultLanguage string
	defaultFormat   string
	folderID        string
}

func NewRecognitionRoute(endpoint, defaultLanguage, defaultFormat, folderID string) (*RecognitionRoute, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse stt url: %w", err)
	}
	return &RecognitionRoute{
		endpoint:        u,
		defaultLanguage: defaultLanguage,
		defaultFormat:   defaultFormat,
		folderID:        folderID,
	}, nil
}

func (r *RecognitionRoute) Name() string { return "stt" }

func (r *RecognitionRoute) NewRequest(ctx context.Context, payload []byte) (*http.Request, error) {
	var req protocol.RecognitionRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	if len(req.Audio) == 0 {
		return nil, fmt.Errorf("%w: audio is required", ErrInvalidPayload)
	}

	query := url.Values{}
	if lang := orDefault(req.Lang, r.defaultLanguage); lang != "" {
		query.Set("lang", lang)
	}
	if format := orDefault(req.Format, r.defaultFormat); format != "" {
		query.Set("format", format)
	}
	if folder := orDefault(req.FolderID, r.folderID); folder != "" {
		query.Set("folderId", folder)
	}

	u := *r.endpoint
	u.RawQuery = query.Encode()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(req.Audio))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/octet-stream")
	return httpReq, nil
}

func orDefault(value, fallback string) string {
	if value != "" {
		return value
	}
	return fallback
}
