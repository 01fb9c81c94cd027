package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/sourcegraph/conc/pool"

	"github.com/kazz187/delaycatcher/internal/asana"
	"github.com/kazz187/delaycatcher/internal/classify"
	"github.com/kazz187/delaycatcher/internal/config"
	"github.com/kazz187/delaycatcher/internal/ledger"
	ledgerrepo "github.com/kazz187/delaycatcher/internal/ledger/repositoryimpl"
	"github.com/kazz187/delaycatcher/internal/poller"
	"github.com/kazz187/delaycatcher/internal/reconcile"
	"github.com/kazz187/delaycatcher/internal/sheet"
	"github.com/kazz187/delaycatcher/internal/snapshot"
	snapshotrepo "github.com/kazz187/delaycatcher/internal/snapshot/repositoryimpl"
	"github.com/kazz187/delaycatcher/internal/webhook"
	"github.com/kazz187/delaycatcher/pkg/clog"
	"github.com/kazz187/delaycatcher/pkg/debounce"
	"github.com/kazz187/delaycatcher/pkg/sentinel"
	"github.com/kazz187/delaycatcher/pkg/storage"
)

var (
	app = kingpin.New("delaycatcher", "Due-date slippage tracker for one Asana project")

	serveCmd = app.Command("serve", "Run the webhook server and events poller")

	runCmd = app.Command("run", "Execute one reconciliation pass and exit")

	registerCmd    = app.Command("register", "Register the Asana webhook for the watched project (the serve endpoint must already be reachable at the target URL)")
	registerTarget = registerCmd.Arg("target", "Public URL of the /webhook endpoint").Required().String()

	checkCmd = app.Command("check", "Verify token, project access and field resolution")

	sentinelCmd = app.Command("sentinel", "Supervise a serve child process, restarting it on crash or binary update")
)

func main() {
	command := kingpin.MustParse(app.Parse(os.Args[1:]))

	if command == sentinelCmd.FullCommand() {
		sentinel.Run()
		return
	}

	env, err := config.LoadEnv()
	if err != nil {
		slog.Error("failed to load env", "error", err)
		os.Exit(1)
	}
	setupLogger(env)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	switch command {
	case serveCmd.FullCommand():
		err = runServe(ctx, env)
	case runCmd.FullCommand():
		err = runOnce(ctx, env)
	case registerCmd.FullCommand():
		err = runRegister(ctx, env, *registerTarget)
	case checkCmd.FullCommand():
		err = runCheck(ctx, env)
	}
	if err != nil && ctx.Err() == nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func setupLogger(env *config.Env) {
	level := env.SlogLevel()
	var handler slog.Handler
	if env.Env == "local" {
		handler = clog.NewHTTPTextHandler(os.Stderr, clog.WithLevel(level))
	} else {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}
	slog.SetDefault(slog.New(clog.NewAttributesHandler(handler)))
}

func newStorage(ctx context.Context, env *config.Env) (storage.Storage, error) {
	switch env.StorageEnv.Type {
	case "s3":
		return storage.NewS3Storage(ctx, env.S3Bucket, env.S3Prefix, env.S3Region)
	default:
		return storage.NewLocalStorage(env.BaseDir)
	}
}

type wiring struct {
	client       *asana.Client
	store        storage.Storage
	snapshots    snapshot.Repository
	dueLedger    ledger.Repository
	reasonLedger ledger.Repository
	engine       *reconcile.Engine
}

func wire(ctx context.Context, env *config.Env) (*wiring, error) {
	store, err := newStorage(ctx, env)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage: %w", err)
	}

	client := asana.NewClient(env.Token, asana.WithTimeout(env.HTTPTimeout))
	snapshots := snapshotrepo.NewYAMLRepository(store)
	dueLedger := ledgerrepo.NewYAMLRepository(store, ledger.DimensionDue)
	reasonLedger := ledgerrepo.NewYAMLRepository(store, ledger.DimensionReason)
	classifier := classify.NewClassifier(&classify.NameResolver{
		CounterGID: env.DelayCountFieldGID,
		ReasonGID:  env.DelayReasonFieldGID,
	})

	engine := reconcile.NewEngine(reconcile.Config{
		Gateway:       client,
		Snapshots:     snapshots,
		DueLedger:     dueLedger,
		ReasonLedger:  reasonLedger,
		Classifier:    classifier,
		Notifier:      sheet.NewClient(env.WebhookURL),
		ProjectGID:    env.ProjectGID,
		DefaultReason: env.DefaultReason,
	})

	return &wiring{
		client:       client,
		store:        store,
		snapshots:    snapshots,
		dueLedger:    dueLedger,
		reasonLedger: reasonLedger,
		engine:       engine,
	}, nil
}

func runServe(ctx context.Context, env *config.Env) error {
	w, err := wire(ctx, env)
	if err != nil {
		return err
	}

	deb := debounce.New(env.Debounce, func() {
		if _, err := w.engine.Run(ctx); err != nil {
			if errors.Is(err, reconcile.ErrPassInProgress) || ctx.Err() != nil {
				return
			}
			slog.Error("reconciliation pass failed", "error", err)
		}
	})
	defer deb.Stop()

	srv := webhook.NewServer(env, deb.Trigger, w.snapshots, w.dueLedger, w.reasonLedger)
	pol := poller.New(poller.Config{
		Source:          w.client,
		Store:           w.store,
		ProjectGID:      env.ProjectGID,
		Timeout:         env.Timeout,
		Trigger:         deb.Trigger,
		CounterFieldGID: env.DelayCountFieldGID,
	})

	// Catch up on whatever changed while the process was down.
	deb.Trigger()

	p := pool.New().WithContext(ctx).WithCancelOnError()
	p.Go(func(ctx context.Context) error {
		if err := srv.ListenAndServe(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	p.Go(func(ctx context.Context) error {
		if err := pol.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	p.Go(func(ctx context.Context) error {
		<-ctx.Done()
		slog.Info("shutting down server")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	})
	return p.Wait()
}

func runOnce(ctx context.Context, env *config.Env) error {
	w, err := wire(ctx, env)
	if err != nil {
		return err
	}
	res, err := w.engine.Run(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("tasks: %d, due transitions: %d, reason transitions: %d, notifications: %d, errors: %d\n",
		res.TasksSeen, res.DueTransitions, res.ReasonTransitions, res.Notifications, res.Errors)
	return nil
}

func runRegister(ctx context.Context, env *config.Env, target string) error {
	client := asana.NewClient(env.Token, asana.WithTimeout(env.HTTPTimeout))

	workspaceGID := env.WorkspaceGID
	if workspaceGID == "" {
		proj, err := client.Project(ctx, env.ProjectGID)
		if err != nil {
			return fmt.Errorf("failed to fetch project: %w", err)
		}
		if proj.Workspace == nil {
			return fmt.Errorf("project %s has no workspace, set the workspace gid explicitly", env.ProjectGID)
		}
		workspaceGID = proj.Workspace.GID
	}

	hooks, err := client.Webhooks(ctx, workspaceGID)
	if err != nil {
		return fmt.Errorf("failed to list webhooks: %w", err)
	}
	for _, h := range hooks {
		if h.Resource.GID != env.ProjectGID {
			continue
		}
		fmt.Printf("removing stale webhook %s (%s)\n", h.GID, h.Target)
		if err := client.DeleteWebhook(ctx, h.GID); err != nil {
			return fmt.Errorf("failed to delete webhook %s: %w", h.GID, err)
		}
	}

	hook, err := client.CreateWebhook(ctx, env.ProjectGID, target)
	if err != nil {
		return fmt.Errorf("failed to create webhook: %w", err)
	}
	fmt.Printf("registered webhook %s -> %s\n", hook.GID, hook.Target)
	return nil
}

func runCheck(ctx context.Context, env *config.Env) error {
	client := asana.NewClient(env.Token, asana.WithTimeout(env.HTTPTimeout))

	me, err := client.Me(ctx)
	if err != nil {
		return fmt.Errorf("token check failed: %w", err)
	}
	fmt.Printf("token ok: %s <%s>\n", me.Name, me.Email)

	proj, err := client.Project(ctx, env.ProjectGID)
	if err != nil {
		return fmt.Errorf("project check failed: %w", err)
	}
	fmt.Printf("project ok: %s (%s)\n", proj.Name, proj.GID)

	tasks, err := client.ProjectTasks(ctx, env.ProjectGID)
	if err != nil {
		return fmt.Errorf("task listing failed: %w", err)
	}
	fmt.Printf("tasks visible: %d\n", len(tasks))

	if len(tasks) == 0 {
		fmt.Println("field resolution skipped: no tasks to inspect")
		return nil
	}

	resolver := &classify.NameResolver{
		CounterGID: env.DelayCountFieldGID,
		ReasonGID:  env.DelayReasonFieldGID,
	}
	for _, role := range []classify.Role{classify.RoleCounter, classify.RoleReason} {
		field, err := resolver.Resolve(tasks[0].CustomFields, role)
		if err != nil {
			fmt.Printf("%s field: %v\n", role, err)
			continue
		}
		fmt.Printf("%s field ok: %s (%s)\n", role, field.Name, field.GID)
	}
	return nil
}
