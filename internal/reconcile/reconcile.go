// Package reconcile implements the delay-catching pass: diff live project
// tasks against stored snapshots, record due-date and reason transitions,
// mutate the remote counter and default reason, and emit one merged
// notification per changed task.
package reconcile

import (
	"context"

	"github.com/kazz187/delaycatcher/internal/asana"
	"github.com/kazz187/delaycatcher/internal/sheet"
)

// Gateway is the slice of the Asana client a pass needs. Declared here so
// tests can drive the engine against a fake.
type Gateway interface {
	ProjectTasks(ctx context.Context, projectGID string) ([]asana.Task, error)
	Task(ctx context.Context, taskGID string) (*asana.Task, error)
	TaskStories(ctx context.Context, taskGID string) ([]asana.Story, error)
	CustomField(ctx context.Context, fieldGID string) (*asana.CustomField, error)
	SetCustomField(ctx context.Context, taskGID, fieldGID string, value any) error
}

// Notifier receives merged per-task notifications.
type Notifier interface {
	Deliver(ctx context.Context, p *sheet.Payload) error
}

// Change-type labels carried in notifications. A task changed on both
// dimensions gets them joined with "+".
const (
	ChangeTypeDueDate = "due_date_change"
	ChangeTypeReason  = "delay_reason_change"
)
