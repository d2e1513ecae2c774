package protocol

// SynthesisRequest is the inbound text-to-speech payload.
type SynthesisRequest struct {
	Voice    string `json:"voice"`
	Lang     string `json:"lang,omitempty"`
	Text     string `json:"text"`
	FolderID string `json:"folderId,omitempty"`
}

// RecognitionRequest is the inbound speech-to-text payload. Audio is base64
// on the wire.
type RecognitionRequest struct {
	Audio    []byte `json:"audio"`
	Lang     string `json:"lang,omitempty"`
	Format   string `json:"format,omitempty"`
	FolderID string `json:"folderId,omitempty"`
}

// Failure is published to the reply address when a request cannot be served.
type Failure struct {
	Fail string `json:"fail"`
}

const (
	// HeaderReplyTo carries the reply address when the transport has no
	// built-in reply field.
	HeaderReplyTo = "reply-to"
	// HeaderRequestID is set on replies so callers can correlate with logs.
	HeaderRequestID = "request-id"

	SubjectTTSDefault = "tts.yandex"
	SubjectSTTDefault = "stt.yandex"
)
