package poller

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kazz187/delaycatcher/internal/asana"
	"github.com/kazz187/delaycatcher/pkg/storage"
)

func changeEvent(field, newValueGID string) asana.Event {
	e := asana.Event{}
	e.Resource.GID = "100"
	e.Change = &asana.EventChange{Field: field}
	if newValueGID != "" {
		e.Change.NewValue = &struct {
			GID string `json:"gid"`
		}{GID: newValueGID}
	}
	return e
}

func TestRelevant(t *testing.T) {
	p := New(Config{CounterFieldGID: "fc"})

	tests := []struct {
		name  string
		event asana.Event
		want  bool
	}{
		{"due_on change", changeEvent("due_on", ""), true},
		{"due_at change", changeEvent("due_at", ""), true},
		{"reason field change", changeEvent("custom_fields", "fr"), true},
		{"own counter write", changeEvent("custom_fields", "fc"), false},
		{"unrelated field", changeEvent("name", ""), false},
		{"no change payload", asana.Event{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, p.relevant(&tt.event))
		})
	}
}

type scriptedSource struct {
	calls []func(syncToken string) ([]asana.Event, string, error)
	n     int
	seen  []string
}

func (s *scriptedSource) Events(_ context.Context, _ string, syncToken string, _ time.Duration) ([]asana.Event, string, error) {
	s.seen = append(s.seen, syncToken)
	if s.n >= len(s.calls) {
		return nil, syncToken, context.Canceled
	}
	call := s.calls[s.n]
	s.n++
	return call(syncToken)
}

func TestRunPersistsSyncAndTriggers(t *testing.T) {
	store, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	triggers := 0

	source := &scriptedSource{calls: []func(string) ([]asana.Event, string, error){
		func(string) ([]asana.Event, string, error) {
			// Initial call establishes the stream, no events yet.
			return nil, "tok1", nil
		},
		func(string) ([]asana.Event, string, error) {
			return []asana.Event{changeEvent("due_on", "")}, "tok2", nil
		},
		func(string) ([]asana.Event, string, error) {
			cancel()
			return nil, "tok2", context.Canceled
		},
	}}

	p := New(Config{
		Source:     source,
		Store:      store,
		ProjectGID: "proj",
		Timeout:    time.Second,
		Trigger:    func() { triggers++ },
	})

	err = p.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, triggers)
	assert.Equal(t, []string{"", "tok1", "tok2"}, source.seen)

	data, err := store.Read(context.Background(), "events/sync")
	require.NoError(t, err)
	assert.Equal(t, "tok2", string(data))
}

func TestRunResetsOnInvalidSync(t *testing.T) {
	store, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, store.Write(context.Background(), "events/sync", []byte("stale")))

	ctx, cancel := context.WithCancel(context.Background())
	source := &scriptedSource{calls: []func(string) ([]asana.Event, string, error){
		func(string) ([]asana.Event, string, error) {
			return nil, "", asana.ErrSyncInvalid
		},
		func(syncToken string) ([]asana.Event, string, error) {
			assert.Equal(t, "", syncToken, "retry starts a fresh stream")
			cancel()
			return nil, "fresh", nil
		},
	}}

	p := New(Config{
		Source:     source,
		Store:      store,
		ProjectGID: "proj",
		Timeout:    time.Second,
		Trigger:    func() {},
	})
	p.backoff = time.Millisecond

	err = p.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, "stale", source.seen[0], "persisted token is tried first")
}

type sourceFunc func(ctx context.Context, resourceGID, syncToken string, timeout time.Duration) ([]asana.Event, string, error)

func (f sourceFunc) Events(ctx context.Context, resourceGID, syncToken string, timeout time.Duration) ([]asana.Event, string, error) {
	return f(ctx, resourceGID, syncToken, timeout)
}

func TestRunBacksOffOnPersistentSyncReset(t *testing.T) {
	store, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Millisecond)
	defer cancel()

	calls := 0
	source := sourceFunc(func(context.Context, string, string, time.Duration) ([]asana.Event, string, error) {
		calls++
		return nil, "", asana.ErrSyncInvalid
	})

	p := New(Config{
		Source:     source,
		Store:      store,
		ProjectGID: "proj",
		Timeout:    time.Second,
		Trigger:    func() {},
	})
	p.backoff = 20 * time.Millisecond

	err = p.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.GreaterOrEqual(t, calls, 2, "the stream keeps re-arming after a reset")
	assert.LessOrEqual(t, calls, 10, "every reset waits out the backoff")
}
