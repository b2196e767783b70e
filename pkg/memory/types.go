package memory

import "time"

// Well-known source tags. A source names the capture channel a transcript
// came from.
const (
	SourceMicrophone  = "microphone"
	SourceSystemAudio = "system_audio"
	SourceCall        = "vapi"
)

// DefaultSpeaker is the speaker tag for pipeline transcripts; diarization is
// not performed.
const DefaultSpeaker = "user"

// Metadata keys written by the transcription pipeline.
const (
	MetaModel               = "model"
	MetaLanguage            = "language"
	MetaLanguageProbability = "language_probability"
	MetaDuration            = "duration"
	MetaSessionID           = "session_id"
)

// Transcript is one persisted utterance. It is created once and never
// modified afterwards.
type Transcript struct {
	// ID is assigned by the store on Save. Zero for unsaved records.
	ID int64 `json:"id"`

	// Timestamp is the creation instant, stored in UTC.
	Timestamp time.Time `json:"timestamp"`

	// Source is the capture channel, e.g. [SourceMicrophone].
	Source string `json:"source"`

	// Speaker identifies who spoke. Pipeline transcripts use [DefaultSpeaker].
	Speaker string `json:"speaker"`

	// Text is the recognised text. Never empty for persisted records.
	Text string `json:"text"`

	// Confidence is the recognition confidence in [0, 1] when known.
	Confidence *float64 `json:"confidence"`

	// AudioFile references a stored recording of the utterance, if any.
	AudioFile *string `json:"audio_file"`

	// CallID ties the transcript to an external call. Records with a call-id
	// are exempt from retention cleanup.
	CallID *string `json:"call_id"`

	// Metadata carries engine-reported fields (see the Meta* keys).
	Metadata map[string]any `json:"metadata"`
}

// HasCallID reports whether the transcript belongs to an external call.
func (t Transcript) HasCallID() bool {
	return t.CallID != nil && *t.CallID != ""
}
