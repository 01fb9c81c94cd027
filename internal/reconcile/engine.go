package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/kazz187/delaycatcher/internal/asana"
	"github.com/kazz187/delaycatcher/internal/classify"
	"github.com/kazz187/delaycatcher/internal/ledger"
	"github.com/kazz187/delaycatcher/internal/sheet"
	"github.com/kazz187/delaycatcher/internal/snapshot"
	"github.com/kazz187/delaycatcher/pkg/storage"
)

// ErrPassInProgress is returned when Run is called while another pass holds
// the engine. Drivers treat it as "already covered" and drop the trigger.
var ErrPassInProgress = errors.New("reconcile: pass already in progress")

// Result summarizes one pass.
type Result struct {
	TasksSeen         int
	DueTransitions    int
	ReasonTransitions int
	Notifications     int
	Errors            int
}

// Config wires an Engine.
type Config struct {
	Gateway       Gateway
	Snapshots     snapshot.Repository
	DueLedger     ledger.Repository
	ReasonLedger  ledger.Repository
	Classifier    *classify.Classifier
	Notifier      Notifier
	ProjectGID    string
	DefaultReason string
	// Clock defaults to time.Now; tests pin it.
	Clock func() time.Time
}

// Engine runs reconciliation passes. At most one pass runs at a time; a
// trigger arriving mid-pass is dropped, the running pass already sees the
// live state that caused it.
type Engine struct {
	mu            sync.Mutex
	gateway       Gateway
	snapshots     snapshot.Repository
	dueLedger     ledger.Repository
	reasonLedger  ledger.Repository
	classifier    *classify.Classifier
	notifier      Notifier
	projectGID    string
	defaultReason string
	clock         func() time.Time
}

func NewEngine(cfg Config) *Engine {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Engine{
		gateway:       cfg.Gateway,
		snapshots:     cfg.Snapshots,
		dueLedger:     cfg.DueLedger,
		reasonLedger:  cfg.ReasonLedger,
		classifier:    cfg.Classifier,
		notifier:      cfg.Notifier,
		projectGID:    cfg.ProjectGID,
		defaultReason: cfg.DefaultReason,
		clock:         clock,
	}
}

// Run executes one full pass over the project. A task that fails is logged
// and skipped so one bad record cannot stall the rest of the project.
func (e *Engine) Run(ctx context.Context) (*Result, error) {
	if !e.mu.TryLock() {
		return nil, ErrPassInProgress
	}
	defer e.mu.Unlock()

	tasks, err := e.gateway.ProjectTasks(ctx, e.projectGID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch project tasks: %w", err)
	}

	res := &Result{}
	for i := range tasks {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if err := e.reconcileTask(ctx, &tasks[i], res); err != nil {
			res.Errors++
			slog.ErrorContext(ctx, "failed to reconcile task",
				slog.String("task_gid", tasks[i].GID),
				slog.String("error", err.Error()))
		}
	}

	slog.InfoContext(ctx, "reconciliation pass finished",
		slog.Int("tasks", res.TasksSeen),
		slog.Int("due_transitions", res.DueTransitions),
		slog.Int("reason_transitions", res.ReasonTransitions),
		slog.Int("notifications", res.Notifications),
		slog.Int("errors", res.Errors))
	return res, nil
}

func (e *Engine) reconcileTask(ctx context.Context, task *asana.Task, res *Result) error {
	res.TasksSeen++
	now := e.clock().UTC()

	snap, err := e.snapshots.Get(ctx, task.GID)
	firstSeen := false
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		firstSeen = true
	}

	newReason := e.classifier.ReasonLabel(task.CustomFields)
	count, err := e.classifier.CounterValue(task.CustomFields)
	if err != nil {
		count = 0
	}

	// A task seen for the first time runs through the same algorithm with
	// empty old values: no due row can qualify (empty old is never a
	// delay), but a pre-labelled reason is recorded once.
	oldDue, oldReason := "", ""
	if !firstSeen {
		oldDue = snap.DueOn
		oldReason = snap.DelayReason
		if oldReason == "" {
			// Older snapshots carried the reason only inside the raw field
			// dump.
			oldReason = e.classifier.ReasonLabel(snap.StoredFields())
		}
	}
	newDue := task.DueOn

	// Stories are fetched once per task, and only when a transition is
	// actually new.
	var stories []asana.Story
	loadStories := func() []asana.Story {
		if stories == nil {
			loaded, err := e.gateway.TaskStories(ctx, task.GID)
			if err != nil {
				slog.WarnContext(ctx, "failed to fetch task stories, attribution degraded",
					slog.String("task_gid", task.GID),
					slog.String("error", err.Error()))
				loaded = []asana.Story{}
			}
			stories = loaded
		}
		return stories
	}

	var changeTypes []string
	var dueAttr, reasonAttr *attribution

	// Only delays enter the ledger. A date pulled earlier or first set is
	// not slippage and leaves no trace beyond the snapshot refresh.
	if oldDue != newDue && classify.IsDelay(oldDue, newDue) {
		recorded, attr, err := e.recordDueTransition(ctx, task, oldDue, newDue, now, loadStories)
		if err != nil {
			return err
		}
		if recorded {
			dueAttr = attr
			res.DueTransitions++
			changeTypes = append(changeTypes, ChangeTypeDueDate)

			if next, err := e.incrementCounter(ctx, task); err != nil {
				slog.WarnContext(ctx, "skipping counter increment",
					slog.String("task_gid", task.GID),
					slog.String("error", err.Error()))
			} else {
				count = next
			}
			if newReason == "" {
				assigned, err := e.assignDefaultReason(ctx, task)
				if err != nil {
					slog.WarnContext(ctx, "skipping default reason assignment",
						slog.String("task_gid", task.GID),
						slog.String("error", err.Error()))
				} else if assigned != "" {
					newReason = assigned
				}
			}
		}
	}

	// A cleared reason (non-empty to empty) is not a transition; the next
	// set label will be recorded against the old one instead.
	if newReason != "" && oldReason != newReason {
		exists, err := e.reasonLedger.Exists(ctx, task.GID, oldReason, newReason)
		if err != nil {
			return err
		}
		if !exists {
			attr := reasonChangeAttribution(loadStories(), task, newReason)
			t := ledger.NewTransition(task.GID, task.Name, oldReason, newReason, attr.Actor, now)
			if err := e.reasonLedger.Append(ctx, t); err != nil {
				return err
			}
			reasonAttr = &attr
			res.ReasonTransitions++
			changeTypes = append(changeTypes, ChangeTypeReason)
		}
	}

	if len(changeTypes) > 0 {
		// The reason attribution wins the merged row: a reason edit is the
		// more deliberate signal of who is handling the slip.
		attr := reasonAttr
		if attr == nil {
			attr = dueAttr
		}
		e.notify(ctx, task, count, newReason, attr, changeTypes, now, res)
	}

	return e.snapshots.Put(ctx, snapshot.FromTask(task, e.projectGID, count, newReason, now))
}

func (e *Engine) recordDueTransition(ctx context.Context, task *asana.Task, oldDue, newDue string, now time.Time, loadStories func() []asana.Story) (bool, *attribution, error) {
	exists, err := e.dueLedger.Exists(ctx, task.GID, oldDue, newDue)
	if err != nil {
		return false, nil, err
	}
	if exists {
		return false, nil, nil
	}

	attr := dueChangeAttribution(loadStories(), task)
	t := ledger.NewTransition(task.GID, task.Name, oldDue, newDue, attr.Actor, now)
	t.Delayed = true
	if err := e.dueLedger.Append(ctx, t); err != nil {
		return false, nil, err
	}
	return true, &attr, nil
}

func (e *Engine) notify(ctx context.Context, task *asana.Task, count int, newReason string, attr *attribution, changeTypes []string, now time.Time, res *Result) {
	// Re-read the task so the row carries the post-mutation counter value.
	// The local count stands in when the re-read fails.
	if live, err := e.gateway.Task(ctx, task.GID); err != nil {
		slog.WarnContext(ctx, "failed to re-read task for notification",
			slog.String("task_gid", task.GID),
			slog.String("error", err.Error()))
	} else if v, err := e.classifier.CounterValue(live.CustomFields); err == nil {
		count = v
	}

	firstDue, err := e.dueLedger.MinOldDue(ctx, task.GID)
	if err != nil {
		slog.WarnContext(ctx, "failed to derive first due date",
			slog.String("task_gid", task.GID),
			slog.String("error", err.Error()))
		firstDue = ""
	}

	if newReason == "" {
		newReason = e.defaultReason
	}
	updatedAt := attr.When
	if updatedAt == "" {
		updatedAt = now.Format(time.RFC3339)
	}
	p := &sheet.Payload{
		TaskGID:       task.GID,
		TaskName:      task.Name,
		DelayCount:    count,
		NewReason:     newReason,
		FirstDueOn:    firstDue,
		LatestDueOn:   task.DueOn,
		DelayDuration: sheet.DurationDays(firstDue, task.DueOn),
		UpdatedAt:     updatedAt,
		UpdatedBy:     attr.Actor,
		ChangeType:    strings.Join(changeTypes, "+"),
	}
	if err := e.notifier.Deliver(ctx, p); err != nil {
		slog.ErrorContext(ctx, "failed to deliver notification",
			slog.String("task_gid", task.GID),
			slog.String("error", err.Error()))
		return
	}
	res.Notifications++
}
