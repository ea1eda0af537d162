package models

import "time"

// EventType identifies a live-analysis event.
type EventType string

const (
	EventAnalysisStarted       EventType = "analysis_started"
	EventAnalysisProgress      EventType = "analysis_progress"
	EventAnalysisComplete      EventType = "analysis_complete"
	EventAnalysisError         EventType = "analysis_error"
	EventEngineStatus          EventType = "engine_status"
	EventSessionClosed         EventType = "session_closed"
	EventConnectionEstablished EventType = "connection_established"
	EventHeartbeat             EventType = "heartbeat"
)

// AnalysisEvent is one typed event on a live session's stream. Events for a
// session are published in causal order.
type AnalysisEvent struct {
	Type      EventType   `json:"type"`
	SessionID string      `json:"sessionId"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload,omitempty"`
}

// LiveSettings are the per-session analysis settings.
type LiveSettings struct {
	Depth     int `json:"depth"`
	TimeLimit int `json:"timeLimit"` // milliseconds
	MultiPV   int `json:"multiPv"`
}

// DefaultLiveSettings returns the live session defaults.
func DefaultLiveSettings() LiveSettings {
	return LiveSettings{Depth: 18, TimeLimit: 10000, MultiPV: 3}
}

// LiveSettingsUpdate carries a partial settings change; nil fields are kept.
type LiveSettingsUpdate struct {
	Depth     *int `json:"depth,omitempty"`
	TimeLimit *int `json:"timeLimit,omitempty"`
	MultiPV   *int `json:"multiPv,omitempty"`
}

// Merge applies the non-nil fields of u onto s and returns the result.
func (u LiveSettingsUpdate) Merge(s LiveSettings) LiveSettings {
	if u.Depth != nil {
		s.Depth = *u.Depth
	}
	if u.TimeLimit != nil {
		s.TimeLimit = *u.TimeLimit
	}
	if u.MultiPV != nil {
		s.MultiPV = *u.MultiPV
	}
	return s
}

// PVLinePayload is the event-facing shape of one principal variation line.
type PVLinePayload struct {
	MultiPVIndex int      `json:"multiPvIndex"`
	Evaluation   int      `json:"evaluation"`
	Mate         *int     `json:"mate,omitempty"`
	BestMove     string   `json:"bestMove"`
	PV           []string `json:"pv"`
	Depth        int      `json:"depth"`
}

// AnalysisStartedPayload accompanies analysis_started.
type AnalysisStartedPayload struct {
	FEN     string       `json:"fen"`
	Options LiveSettings `json:"options"`
}

// AnalysisProgressPayload accompanies analysis_progress.
type AnalysisProgressPayload struct {
	FEN   string          `json:"fen"`
	Depth int             `json:"depth"`
	Lines []PVLinePayload `json:"lines"`
}

// AnalysisCompletePayload accompanies analysis_complete.
type AnalysisCompletePayload struct {
	FEN          string          `json:"fen"`
	Lines        []PVLinePayload `json:"lines"`
	AnalysisTime int64           `json:"analysisTime"` // milliseconds
	IsComplete   bool            `json:"isComplete"`
}

// AnalysisErrorPayload accompanies analysis_error.
type AnalysisErrorPayload struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	FEN     string `json:"fen,omitempty"`
}

// EngineStatusPayload accompanies engine_status.
type EngineStatusPayload struct {
	Status   string       `json:"status"` // "session_created" | "settings_updated"
	Settings LiveSettings `json:"settings"`
}

// SessionClosedPayload accompanies session_closed.
type SessionClosedPayload struct {
	Reason string `json:"reason"`
}
