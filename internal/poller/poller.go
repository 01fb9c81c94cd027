// Package poller drives reconciliation from the Asana events stream for
// deployments that cannot expose a public webhook URL.
package poller

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/kazz187/delaycatcher/internal/asana"
	"github.com/kazz187/delaycatcher/pkg/storage"
)

const syncTokenKey = "events/sync"

const errorBackoff = 5 * time.Second

// EventSource is the slice of the Asana client the poller needs.
type EventSource interface {
	Events(ctx context.Context, resourceGID, syncToken string, timeout time.Duration) ([]asana.Event, string, error)
}

// Poller long-polls the project events stream and fires trigger when a
// relevant event arrives. The sync token is persisted so a restart resumes
// the stream instead of replaying history.
type Poller struct {
	source          EventSource
	store           storage.Storage
	projectGID      string
	timeout         time.Duration
	trigger         func()
	counterFieldGID string
	backoff         time.Duration
}

type Config struct {
	Source     EventSource
	Store      storage.Storage
	ProjectGID string
	Timeout    time.Duration
	Trigger    func()
	// CounterFieldGID filters out the catcher's own counter writes, which
	// would otherwise re-trigger a pass after every increment.
	CounterFieldGID string
}

func New(cfg Config) *Poller {
	return &Poller{
		source:          cfg.Source,
		store:           cfg.Store,
		projectGID:      cfg.ProjectGID,
		timeout:         cfg.Timeout,
		trigger:         cfg.Trigger,
		counterFieldGID: cfg.CounterFieldGID,
		backoff:         errorBackoff,
	}
}

// Run polls until the context is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	syncToken := p.loadSync(ctx)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		events, next, err := p.source.Events(ctx, p.projectGID, syncToken, p.timeout)
		if err != nil {
			if errors.Is(err, asana.ErrSyncInvalid) {
				slog.WarnContext(ctx, "sync token rejected, restarting event stream")
				syncToken = ""
				p.saveSync(ctx, "")
				// A tokenless request can be answered with another 412;
				// waiting here keeps a persistent reset from hot-looping.
				if err := p.sleep(ctx); err != nil {
					return err
				}
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.ErrorContext(ctx, "events poll failed",
				slog.String("error", err.Error()))
			if err := p.sleep(ctx); err != nil {
				return err
			}
			continue
		}

		if next != syncToken {
			syncToken = next
			p.saveSync(ctx, syncToken)
		}

		for i := range events {
			if p.relevant(&events[i]) {
				slog.DebugContext(ctx, "relevant event, scheduling pass",
					slog.String("resource_gid", events[i].Resource.GID))
				p.trigger()
				break
			}
		}
	}
}

// relevant keeps only changes the pass cares about: due-date edits and
// custom-field edits that are not the catcher's own counter write.
func (p *Poller) relevant(e *asana.Event) bool {
	if e.Change == nil {
		return false
	}
	switch e.Change.Field {
	case "due_on", "due_at":
		return true
	case "custom_fields":
		if p.counterFieldGID != "" && e.Change.NewValue != nil && e.Change.NewValue.GID == p.counterFieldGID {
			return false
		}
		return true
	}
	return false
}

func (p *Poller) sleep(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(p.backoff):
		return nil
	}
}

func (p *Poller) loadSync(ctx context.Context) string {
	data, err := p.store.Read(ctx, syncTokenKey)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			slog.WarnContext(ctx, "failed to load sync token",
				slog.String("error", err.Error()))
		}
		return ""
	}
	return string(data)
}

func (p *Poller) saveSync(ctx context.Context, token string) {
	if err := p.store.Write(ctx, syncTokenKey, []byte(token)); err != nil {
		slog.WarnContext(ctx, "failed to persist sync token",
			slog.String("error", err.Error()))
	}
}
