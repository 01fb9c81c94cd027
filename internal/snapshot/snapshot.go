// Package snapshot persists the last observed state of every watched task.
// A reconciliation pass diffs live tasks against these records to detect
// due-date and reason transitions.
package snapshot

import (
	"context"
	"encoding/json"
	"time"

	"github.com/kazz187/delaycatcher/internal/asana"
)

// Snapshot is the stored state of one task after a pass. CustomFields keeps
// the raw field payload as JSON so a later pass can re-derive values that
// were not first-class columns when the snapshot was written.
type Snapshot struct {
	TaskGID      string    `yaml:"task_gid"`
	ProjectGID   string    `yaml:"project_gid"`
	Name         string    `yaml:"name"`
	Assignee     string    `yaml:"assignee"`
	Completed    bool      `yaml:"completed"`
	CompletedAt  string    `yaml:"completed_at,omitempty"`
	CreatedAt    string    `yaml:"created_at,omitempty"`
	ModifiedAt   string    `yaml:"modified_at,omitempty"`
	DueOn        string    `yaml:"due_on"`
	Notes        string    `yaml:"notes,omitempty"`
	Permalink    string    `yaml:"permalink,omitempty"`
	DelayCount   int       `yaml:"delay_count"`
	DelayReason  string    `yaml:"delay_reason"`
	CustomFields string    `yaml:"custom_fields"`
	UpdatedAt    time.Time `yaml:"updated_at"`
}

// FromTask builds a snapshot of a live task. count and reason come from the
// classifier because their location inside CustomFields is role-resolved.
func FromTask(t *asana.Task, projectGID string, count int, reason string, now time.Time) *Snapshot {
	raw, err := json.Marshal(t.CustomFields)
	if err != nil {
		raw = []byte("[]")
	}
	return &Snapshot{
		TaskGID:      t.GID,
		ProjectGID:   projectGID,
		Name:         t.Name,
		Assignee:     t.AssigneeName(),
		Completed:    t.Completed,
		CompletedAt:  t.CompletedAt,
		CreatedAt:    t.CreatedAt,
		ModifiedAt:   t.ModifiedAt,
		DueOn:        t.DueOn,
		Notes:        t.Notes,
		Permalink:    t.PermalinkURL,
		DelayCount:   count,
		DelayReason:  reason,
		CustomFields: string(raw),
		UpdatedAt:    now,
	}
}

// StoredFields decodes the raw custom-field payload captured at snapshot
// time. Returns nil when the snapshot predates field capture.
func (s *Snapshot) StoredFields() []asana.CustomField {
	if s.CustomFields == "" {
		return nil
	}
	var fields []asana.CustomField
	if err := json.Unmarshal([]byte(s.CustomFields), &fields); err != nil {
		return nil
	}
	return fields
}

// Repository defines the interface for snapshot persistence operations.
type Repository interface {
	Get(ctx context.Context, taskGID string) (*Snapshot, error)
	Put(ctx context.Context, s *Snapshot) error
	Delete(ctx context.Context, taskGID string) error
	List(ctx context.Context) ([]*Snapshot, error)
}
