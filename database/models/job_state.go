package models

import "time"

// JobState persists the control-plane state of a named scheduler job so a
// process restart resumes the cadence instead of losing it.
type JobState struct {
	Name      string    `json:"name" bson:"name"`
	Enabled   bool      `json:"enabled" bson:"enabled"`
	NextRunAt time.Time `json:"next_run_at" bson:"next_run_at"`
}
