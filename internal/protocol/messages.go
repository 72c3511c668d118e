package protocol

import "time"

// TranscriptUpdate is broadcast on the bus whenever a session's transcript
// changes.
type TranscriptUpdate struct {
	SessionID string    `json:"session_id"`
	Sequence  int       `json:"sequence"`
	Text      string    `json:"text"`
	Partial   bool      `json:"partial"`
	Warning   string    `json:"warning,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	RecordID  string    `json:"record_id,omitempty"`
	Summary   string    `json:"summary,omitempty"`
	DurationS *float64  `json:"duration_seconds,omitempty"`
}

// StartReply answers a request on SubjectStreamStart.
type StartReply struct {
	SessionID string `json:"session_id"`
	Error     string `json:"error,omitempty"`
}

// ChunkRequest submits one live chunk over the bus instead of HTTP.
type ChunkRequest struct {
	SessionID string `json:"session_id"`
	Extension string `json:"ext"`
	Audio     []byte `json:"audio"`
}

// ChunkReply answers a ChunkRequest.
type ChunkReply struct {
	SessionID  string `json:"session_id"`
	Sequence   int    `json:"sequence"`
	Transcript string `json:"transcript"`
	Warning    string `json:"warning,omitempty"`
	Error      string `json:"error,omitempty"`
}

const (
	SubjectStreamStart       = "scribe.stream.start"
	SubjectChunkIngest       = "scribe.stream.chunk"
	SubjectTranscriptPartial = "scribe.transcript.partial"
	SubjectTranscriptFinal   = "scribe.transcript.final"
)
