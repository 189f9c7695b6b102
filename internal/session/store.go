// Package session provides persistence for interview sessions, so finished
// sessions can be reviewed and summarized after they leave memory.
package session

import (
	"context"
	"time"

	"github.com/0x6d61/proctor/internal/engine"
)

// Summary is a lightweight session overview.
type Summary struct {
	ID                string                   `json:"id"`
	UserID            string                   `json:"user_id"`
	InterviewType     string                   `json:"interview_type"`
	Status            engine.Status            `json:"status"`
	TerminationReason engine.TerminationReason `json:"termination_reason,omitempty"`
	Answered          int                      `json:"answered"`
	Total             int                      `json:"total"`
	AverageScore      float64                  `json:"average_score"`
	UpdatedAt         time.Time                `json:"updated_at"`
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	UserID string
	Status engine.Status
	Limit  int
}

// Store persists and retrieves session snapshots.
type Store interface {
	// Save upserts a snapshot. A snapshot whose version is not newer than
	// the stored one is ignored.
	Save(ctx context.Context, s *engine.Session) error
	LoadByID(ctx context.Context, id string) (*engine.Session, error)
	List(ctx context.Context, f Filter) ([]*Summary, error)
	Delete(ctx context.Context, id string) error
	Cleanup(ctx context.Context, maxAge time.Duration) (int64, error)
	Close() error
}

// averageScore returns the mean score of the recorded answers, or 0.
func averageScore(s *engine.Session) float64 {
	if len(s.Answers) == 0 {
		return 0
	}
	var sum float64
	for _, a := range s.Answers {
		sum += a.Score
	}
	return sum / float64(len(s.Answers))
}
