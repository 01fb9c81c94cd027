// Package ledger records detected transitions, one row per distinct
// (task, old value, new value) triple. The triple is the dedup identity:
// re-observing a transition that is already on file must not add a row.
package ledger

import (
	"context"
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// Dimension names which value a transition row tracks.
type Dimension string

const (
	DimensionDue    Dimension = "due"
	DimensionReason Dimension = "reason"
)

// Transition is one recorded change. For the due dimension Old/New are
// due_on dates (empty means unset); for the reason dimension they are enum
// option labels.
type Transition struct {
	ID         string    `yaml:"id" json:"id"`
	TaskGID    string    `yaml:"task_gid" json:"task_gid"`
	TaskName   string    `yaml:"task_name" json:"task_name"`
	Old        string    `yaml:"old" json:"old"`
	New        string    `yaml:"new" json:"new"`
	ChangedBy  string    `yaml:"changed_by" json:"changed_by"`
	Delayed    bool      `yaml:"delayed,omitempty" json:"delayed,omitempty"`
	RecordedAt time.Time `yaml:"recorded_at" json:"recorded_at"`
}

// NewTransition assigns a fresh ULID and stamps the record.
func NewTransition(taskGID, taskName, old, new, changedBy string, now time.Time) *Transition {
	return &Transition{
		ID:         ulid.MustNew(ulid.Timestamp(now), rand.Reader).String(),
		TaskGID:    taskGID,
		TaskName:   taskName,
		Old:        old,
		New:        new,
		ChangedBy:  changedBy,
		RecordedAt: now,
	}
}

// Repository defines the interface for transition persistence. Exists and
// Append key on the (task, old, new) identity, not on the row ID.
type Repository interface {
	Exists(ctx context.Context, taskGID, old, new string) (bool, error)
	Append(ctx context.Context, t *Transition) error
	ListByTask(ctx context.Context, taskGID string) ([]*Transition, error)
	// MinOldDue returns the earliest non-empty Old value among a task's
	// rows, empty when the task has no rows with a set old date.
	MinOldDue(ctx context.Context, taskGID string) (string, error)
}
