package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kazz187/delaycatcher/internal/asana"
	"github.com/kazz187/delaycatcher/internal/classify"
	"github.com/kazz187/delaycatcher/internal/ledger"
	ledgerimpl "github.com/kazz187/delaycatcher/internal/ledger/repositoryimpl"
	"github.com/kazz187/delaycatcher/internal/sheet"
	snapshotimpl "github.com/kazz187/delaycatcher/internal/snapshot/repositoryimpl"
	"github.com/kazz187/delaycatcher/pkg/storage"
)

func num(v float64) *float64 { return &v }

type setCall struct {
	taskGID  string
	fieldGID string
	value    any
}

type fakeGateway struct {
	tasks     []asana.Task
	stories   map[string][]asana.Story
	fieldDefs map[string]*asana.CustomField
	setCalls  []setCall
}

func (g *fakeGateway) ProjectTasks(_ context.Context, _ string) ([]asana.Task, error) {
	out := make([]asana.Task, len(g.tasks))
	for i, t := range g.tasks {
		out[i] = t
		out[i].CustomFields = append([]asana.CustomField(nil), t.CustomFields...)
	}
	return out, nil
}

func (g *fakeGateway) Task(_ context.Context, taskGID string) (*asana.Task, error) {
	for i := range g.tasks {
		if g.tasks[i].GID == taskGID {
			t := g.tasks[i]
			t.CustomFields = append([]asana.CustomField(nil), g.tasks[i].CustomFields...)
			return &t, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (g *fakeGateway) TaskStories(_ context.Context, taskGID string) ([]asana.Story, error) {
	return g.stories[taskGID], nil
}

func (g *fakeGateway) CustomField(_ context.Context, fieldGID string) (*asana.CustomField, error) {
	if f, ok := g.fieldDefs[fieldGID]; ok {
		return f, nil
	}
	return nil, storage.ErrNotFound
}

func (g *fakeGateway) SetCustomField(_ context.Context, taskGID, fieldGID string, value any) error {
	g.setCalls = append(g.setCalls, setCall{taskGID, fieldGID, value})
	for i := range g.tasks {
		if g.tasks[i].GID != taskGID {
			continue
		}
		for j := range g.tasks[i].CustomFields {
			f := &g.tasks[i].CustomFields[j]
			if f.GID != fieldGID {
				continue
			}
			switch v := value.(type) {
			case int:
				f.NumberValue = num(float64(v))
			case string:
				for _, opt := range g.optionsFor(f) {
					if opt.GID == v {
						f.EnumValue = &asana.EnumValue{GID: opt.GID, Name: opt.Name}
					}
				}
			}
		}
	}
	return nil
}

func (g *fakeGateway) optionsFor(f *asana.CustomField) []asana.EnumOption {
	if len(f.EnumOptions) > 0 {
		return f.EnumOptions
	}
	if def, ok := g.fieldDefs[f.GID]; ok {
		return def.EnumOptions
	}
	return nil
}

type fakeNotifier struct {
	payloads []*sheet.Payload
}

func (n *fakeNotifier) Deliver(_ context.Context, p *sheet.Payload) error {
	n.payloads = append(n.payloads, p)
	return nil
}

type fixture struct {
	engine   *Engine
	gateway  *fakeGateway
	notifier *fakeNotifier
}

func newFixture(t *testing.T, gw *fakeGateway) *fixture {
	t.Helper()
	store, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	now := time.Date(2026, 3, 9, 10, 0, 0, 0, time.UTC)
	notifier := &fakeNotifier{}
	engine := NewEngine(Config{
		Gateway:       gw,
		Snapshots:     snapshotimpl.NewYAMLRepository(store),
		DueLedger:     ledgerimpl.NewYAMLRepository(store, ledger.DimensionDue),
		ReasonLedger:  ledgerimpl.NewYAMLRepository(store, ledger.DimensionReason),
		Classifier:    classify.NewClassifier(&classify.NameResolver{}),
		Notifier:      notifier,
		ProjectGID:    "proj",
		DefaultReason: "Awaiting identify",
		Clock:         func() time.Time { return now },
	})
	return &fixture{engine: engine, gateway: gw, notifier: notifier}
}

func watchedTask(due string, count float64, reason *asana.EnumValue) asana.Task {
	return asana.Task{
		GID:      "100",
		Name:     "Ship the importer",
		DueOn:    due,
		Assignee: &asana.User{Name: "Mori"},
		CustomFields: []asana.CustomField{
			{GID: "fc", Name: "Delay Count", NumberValue: num(count)},
			{GID: "fr", Name: "Delay Reason", EnumValue: reason, EnumOptions: []asana.EnumOption{
				{GID: "o1", Name: "Awaiting identify"},
				{GID: "o2", Name: "Vendor slip"},
			}},
		},
	}
}

func dueStory(author, createdAt string) asana.Story {
	return asana.Story{
		ResourceSubtype: asana.StoryDueDateChanged,
		CreatedAt:       createdAt,
		CreatedBy:       &asana.User{Name: author},
	}
}

func reasonStory(author, createdAt, newLabel string) asana.Story {
	return asana.Story{
		ResourceSubtype: asana.StoryEnumFieldChange,
		CreatedAt:       createdAt,
		CustomField:     &asana.CustomField{GID: "fr", Name: "Delay Reason"},
		NewEnumValue:    &asana.EnumValue{Name: newLabel},
		CreatedBy:       &asana.User{Name: author},
	}
}

func TestFirstSightingOnlySnapshots(t *testing.T) {
	ctx := context.Background()
	gw := &fakeGateway{tasks: []asana.Task{watchedTask("2026-03-01", 0, nil)}}
	f := newFixture(t, gw)

	res, err := f.engine.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.TasksSeen)
	assert.Zero(t, res.DueTransitions)
	assert.Zero(t, res.ReasonTransitions)
	assert.Zero(t, res.Notifications)
	assert.Empty(t, gw.setCalls)
}

func TestFirstSightingRecordsExistingReason(t *testing.T) {
	ctx := context.Background()
	reason := &asana.EnumValue{GID: "o2", Name: "Vendor slip"}
	gw := &fakeGateway{tasks: []asana.Task{watchedTask("2026-03-01", 0, reason)}}
	f := newFixture(t, gw)

	res, err := f.engine.Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.DueTransitions, "a first-seen date is not slippage")
	assert.Equal(t, 1, res.ReasonTransitions, "a pre-labelled reason is recorded once")
	assert.Equal(t, 1, res.Notifications)
	assert.Empty(t, gw.setCalls)

	// The bootstrap row is on file now, so nothing repeats.
	res, err = f.engine.Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.ReasonTransitions)
	assert.Zero(t, res.Notifications)
}

func TestDuePushIncrementsCounterAndNotifies(t *testing.T) {
	ctx := context.Background()
	reason := &asana.EnumValue{GID: "o2", Name: "Vendor slip"}
	gw := &fakeGateway{tasks: []asana.Task{watchedTask("2026-03-01", 2, reason)}}
	f := newFixture(t, gw)

	_, err := f.engine.Run(ctx)
	require.NoError(t, err)

	gw.tasks[0].DueOn = "2026-03-09"
	gw.stories = map[string][]asana.Story{"100": {dueStory("Mori", "2026-03-09T08:00:00.000Z")}}

	res, err := f.engine.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.DueTransitions)
	assert.Zero(t, res.ReasonTransitions, "reason already set, nothing to default")
	assert.Equal(t, 1, res.Notifications)

	require.Len(t, gw.setCalls, 1)
	assert.Equal(t, setCall{"100", "fc", 3}, gw.setCalls[0])

	require.Len(t, f.notifier.payloads, 2, "reason bootstrap row, then the due push")
	p := f.notifier.payloads[1]
	assert.Equal(t, 3, p.DelayCount, "count comes from the post-write re-read")
	assert.Equal(t, "Vendor slip", p.NewReason)
	assert.Equal(t, "2026-03-01", p.FirstDueOn)
	assert.Equal(t, "2026-03-09", p.LatestDueOn)
	require.NotNil(t, p.DelayDuration)
	assert.Equal(t, 8, *p.DelayDuration)
	assert.Equal(t, "Mori", p.UpdatedBy)
	assert.Equal(t, "2026-03-09T08:00:00.000Z", p.UpdatedAt)
	assert.Equal(t, ChangeTypeDueDate, p.ChangeType)
}

func TestDuePushDefaultsReasonAndMergesNotification(t *testing.T) {
	ctx := context.Background()
	gw := &fakeGateway{tasks: []asana.Task{watchedTask("2026-03-01", 0, nil)}}
	f := newFixture(t, gw)

	_, err := f.engine.Run(ctx)
	require.NoError(t, err)

	gw.tasks[0].DueOn = "2026-03-09"
	gw.stories = map[string][]asana.Story{"100": {dueStory("Mori", "2026-03-09T08:00:00.000Z")}}

	res, err := f.engine.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.DueTransitions)
	assert.Equal(t, 1, res.ReasonTransitions, "defaulting the reason is itself a transition")
	assert.Equal(t, 1, res.Notifications, "both dimensions merge into one row")

	require.Len(t, gw.setCalls, 2)
	assert.Equal(t, setCall{"100", "fc", 1}, gw.setCalls[0])
	assert.Equal(t, setCall{"100", "fr", "o1"}, gw.setCalls[1])

	p := f.notifier.payloads[0]
	assert.Equal(t, "Awaiting identify", p.NewReason)
	assert.Equal(t, ChangeTypeDueDate+"+"+ChangeTypeReason, p.ChangeType)
	assert.Equal(t, "System", p.UpdatedBy, "no enum story, defaulting is system work")
	assert.Equal(t, "2026-03-09T10:00:00Z", p.UpdatedAt, "no story timestamp, pass time stands in")
}

func TestReasonOnlyChange(t *testing.T) {
	ctx := context.Background()
	reason := &asana.EnumValue{GID: "o1", Name: "Awaiting identify"}
	gw := &fakeGateway{tasks: []asana.Task{watchedTask("2026-03-01", 1, reason)}}
	f := newFixture(t, gw)

	_, err := f.engine.Run(ctx)
	require.NoError(t, err)

	gw.tasks[0].CustomFields[1].EnumValue = &asana.EnumValue{GID: "o2", Name: "Vendor slip"}
	gw.stories = map[string][]asana.Story{"100": {reasonStory("Kita", "2026-03-09T09:00:00.000Z", "Vendor slip")}}

	res, err := f.engine.Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.DueTransitions)
	assert.Equal(t, 1, res.ReasonTransitions)
	assert.Equal(t, 1, res.Notifications)
	assert.Empty(t, gw.setCalls, "reason edits never touch the counter")

	require.Len(t, f.notifier.payloads, 2)
	p := f.notifier.payloads[1]
	assert.Equal(t, "Vendor slip", p.NewReason)
	assert.Equal(t, "Kita", p.UpdatedBy)
	assert.Equal(t, "2026-03-09T09:00:00.000Z", p.UpdatedAt)
	assert.Equal(t, ChangeTypeReason, p.ChangeType)
	assert.Equal(t, 1, p.DelayCount)
}

func TestSecondRunIsIdempotent(t *testing.T) {
	ctx := context.Background()
	gw := &fakeGateway{tasks: []asana.Task{watchedTask("2026-03-01", 0, nil)}}
	f := newFixture(t, gw)

	_, err := f.engine.Run(ctx)
	require.NoError(t, err)

	gw.tasks[0].DueOn = "2026-03-09"
	gw.stories = map[string][]asana.Story{"100": {dueStory("Mori", "2026-03-09T08:00:00.000Z")}}
	_, err = f.engine.Run(ctx)
	require.NoError(t, err)

	calls := len(gw.setCalls)
	res, err := f.engine.Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.DueTransitions)
	assert.Zero(t, res.ReasonTransitions)
	assert.Zero(t, res.Notifications)
	assert.Len(t, gw.setCalls, calls, "no further field writes")
	assert.Len(t, f.notifier.payloads, 1)
}

func TestParkingCountsAsDelay(t *testing.T) {
	ctx := context.Background()
	reason := &asana.EnumValue{GID: "o2", Name: "Vendor slip"}
	gw := &fakeGateway{tasks: []asana.Task{watchedTask("2026-03-01", 0, reason)}}
	f := newFixture(t, gw)

	_, err := f.engine.Run(ctx)
	require.NoError(t, err)

	gw.tasks[0].DueOn = ""
	res, err := f.engine.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.DueTransitions)
	require.Len(t, gw.setCalls, 1)
	assert.Equal(t, setCall{"100", "fc", 1}, gw.setCalls[0])

	require.Len(t, f.notifier.payloads, 2)
	p := f.notifier.payloads[1]
	assert.Equal(t, "", p.LatestDueOn)
	assert.Nil(t, p.DelayDuration)
}

func TestPullEarlierLeavesNoTrace(t *testing.T) {
	ctx := context.Background()
	reason := &asana.EnumValue{GID: "o2", Name: "Vendor slip"}
	gw := &fakeGateway{tasks: []asana.Task{watchedTask("2026-03-09", 0, reason)}}
	f := newFixture(t, gw)

	_, err := f.engine.Run(ctx)
	require.NoError(t, err)

	gw.tasks[0].DueOn = "2026-03-01"
	res, err := f.engine.Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.DueTransitions, "pulling a date earlier is not slippage")
	assert.Zero(t, res.Notifications)
	assert.Empty(t, gw.setCalls)
}

func TestClearedReasonIsNotATransition(t *testing.T) {
	ctx := context.Background()
	reason := &asana.EnumValue{GID: "o2", Name: "Vendor slip"}
	gw := &fakeGateway{tasks: []asana.Task{watchedTask("2026-03-09", 0, reason)}}
	f := newFixture(t, gw)

	_, err := f.engine.Run(ctx)
	require.NoError(t, err)

	gw.tasks[0].CustomFields[1].EnumValue = nil
	res, err := f.engine.Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.ReasonTransitions)
	assert.Zero(t, res.Notifications)
}

func TestMissingFieldsStillLedgerAndNotify(t *testing.T) {
	ctx := context.Background()
	bare := asana.Task{GID: "200", Name: "Untracked import", DueOn: "2026-03-01"}
	gw := &fakeGateway{tasks: []asana.Task{bare}}
	f := newFixture(t, gw)

	_, err := f.engine.Run(ctx)
	require.NoError(t, err)

	gw.tasks[0].DueOn = "2026-03-09"
	res, err := f.engine.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.DueTransitions, "the row is written even when no field can be mutated")
	assert.Zero(t, res.ReasonTransitions)
	assert.Equal(t, 1, res.Notifications)
	assert.Zero(t, res.Errors, "absent fields degrade the pass, they do not fail it")
	assert.Empty(t, gw.setCalls, "no counter or reason field to write")

	require.Len(t, f.notifier.payloads, 1)
	p := f.notifier.payloads[0]
	assert.Equal(t, 0, p.DelayCount)
	assert.Equal(t, "Awaiting identify", p.NewReason, "placeholder stands in for the absent field")
	assert.Equal(t, "2026-03-01", p.FirstDueOn)
	assert.Equal(t, ChangeTypeDueDate, p.ChangeType)
	assert.Equal(t, "System", p.UpdatedBy)
}

type slowGateway struct {
	*fakeGateway
	entered chan struct{}
	release chan struct{}
}

func (g *slowGateway) ProjectTasks(ctx context.Context, projectGID string) ([]asana.Task, error) {
	close(g.entered)
	<-g.release
	return g.fakeGateway.ProjectTasks(ctx, projectGID)
}

func TestRunRejectsOverlappingPass(t *testing.T) {
	ctx := context.Background()
	store, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	gw := &slowGateway{
		fakeGateway: &fakeGateway{tasks: []asana.Task{watchedTask("2026-03-01", 0, nil)}},
		entered:     make(chan struct{}),
		release:     make(chan struct{}),
	}
	engine := NewEngine(Config{
		Gateway:       gw,
		Snapshots:     snapshotimpl.NewYAMLRepository(store),
		DueLedger:     ledgerimpl.NewYAMLRepository(store, ledger.DimensionDue),
		ReasonLedger:  ledgerimpl.NewYAMLRepository(store, ledger.DimensionReason),
		Classifier:    classify.NewClassifier(&classify.NameResolver{}),
		Notifier:      &fakeNotifier{},
		ProjectGID:    "proj",
		DefaultReason: "Awaiting identify",
	})

	done := make(chan error, 1)
	go func() {
		_, err := engine.Run(ctx)
		done <- err
	}()

	<-gw.entered
	_, err = engine.Run(ctx)
	assert.ErrorIs(t, err, ErrPassInProgress)

	close(gw.release)
	require.NoError(t, <-done)
}

func TestSnapshotTimestampAlwaysRefreshed(t *testing.T) {
	ctx := context.Background()
	store, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	snapshots := snapshotimpl.NewYAMLRepository(store)

	gw := &fakeGateway{tasks: []asana.Task{watchedTask("2026-03-01", 0, nil)}}
	now := time.Date(2026, 3, 9, 10, 0, 0, 0, time.UTC)
	engine := NewEngine(Config{
		Gateway:       gw,
		Snapshots:     snapshots,
		DueLedger:     ledgerimpl.NewYAMLRepository(store, ledger.DimensionDue),
		ReasonLedger:  ledgerimpl.NewYAMLRepository(store, ledger.DimensionReason),
		Classifier:    classify.NewClassifier(&classify.NameResolver{}),
		Notifier:      &fakeNotifier{},
		ProjectGID:    "proj",
		DefaultReason: "Awaiting identify",
		Clock:         func() time.Time { return now },
	})

	_, err = engine.Run(ctx)
	require.NoError(t, err)

	now = now.Add(time.Hour)
	_, err = engine.Run(ctx)
	require.NoError(t, err)

	snap, err := snapshots.Get(ctx, "100")
	require.NoError(t, err)
	assert.True(t, now.Equal(snap.UpdatedAt), "unchanged tasks still get a fresh timestamp")
}
