package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kazz187/delaycatcher/internal/asana"
)

// incrementCounter bumps the delay-count field by one and returns the new
// value. The read comes from the task payload fetched at the start of the
// pass; the pass itself is the only writer of this field.
func (e *Engine) incrementCounter(ctx context.Context, task *asana.Task) (int, error) {
	field, err := e.classifier.CounterField(task.CustomFields)
	if err != nil {
		return 0, err
	}

	current := 0
	if field.NumberValue != nil {
		current = int(*field.NumberValue)
	}
	next := current + 1

	if err := e.gateway.SetCustomField(ctx, task.GID, field.GID, next); err != nil {
		return 0, fmt.Errorf("failed to increment delay count on task %s: %w", task.GID, err)
	}
	slog.InfoContext(ctx, "incremented delay count",
		slog.String("task_gid", task.GID),
		slog.Int("delay_count", next))
	return next, nil
}

// assignDefaultReason sets the delay-reason enum to the configured default
// label when the field is currently unset. Returns the assigned label,
// empty when nothing was written.
func (e *Engine) assignDefaultReason(ctx context.Context, task *asana.Task) (string, error) {
	field, err := e.classifier.ReasonField(task.CustomFields)
	if err != nil {
		return "", err
	}
	if field.EnumValue != nil && field.EnumValue.Name != "" {
		return "", nil
	}

	options := field.EnumOptions
	if len(options) == 0 {
		// Task payloads do not always inline the option list.
		def, err := e.gateway.CustomField(ctx, field.GID)
		if err != nil {
			return "", fmt.Errorf("failed to fetch reason field %s: %w", field.GID, err)
		}
		options = def.EnumOptions
	}

	want := strings.TrimSpace(strings.ToLower(e.defaultReason))
	for _, opt := range options {
		if strings.TrimSpace(strings.ToLower(opt.Name)) != want {
			continue
		}
		if err := e.gateway.SetCustomField(ctx, task.GID, field.GID, opt.GID); err != nil {
			return "", fmt.Errorf("failed to set default reason on task %s: %w", task.GID, err)
		}
		slog.InfoContext(ctx, "assigned default delay reason",
			slog.String("task_gid", task.GID),
			slog.String("reason", opt.Name))
		return opt.Name, nil
	}

	slog.WarnContext(ctx, "default reason option not found on field",
		slog.String("task_gid", task.GID),
		slog.String("field_gid", field.GID),
		slog.String("reason", e.defaultReason))
	return "", nil
}
