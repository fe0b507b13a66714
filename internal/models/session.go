package models

import "time"

// RecordedSession is a live session that was archived to disk when it ended.
type RecordedSession struct {
	ID        string
	Title     string
	Agent     string
	Commit    string
	Dir       string
	StepCount int
	Summary   string
	StartedAt time.Time
	EndedAt   time.Time
	CreatedAt time.Time
}

// ReplayPosition remembers the last step shown for a trace.
type ReplayPosition struct {
	TracePath string
	StepIndex int
	StepID    string
	UpdatedAt time.Time
}
