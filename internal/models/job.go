package models

import "time"

// AnalysisJobInfo is a point-in-time snapshot of an asynchronous game
// analysis job.
type AnalysisJobInfo struct {
	GameID    string              `json:"gameId"`
	Status    JobStatus           `json:"status"`
	Progress  AnalysisProgress    `json:"progress"`
	Error     string              `json:"error,omitempty"`
	Result    *GameAnalysisResult `json:"result,omitempty"`
	CreatedAt time.Time           `json:"createdAt"`
}
