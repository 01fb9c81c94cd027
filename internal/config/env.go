package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type BaseEnv struct {
	Env            string `envconfig:"ENV" default:"local"`
	HTTPHost       string `envconfig:"HTTP_HOST" default:""`
	HTTPPort       string `envconfig:"HTTP_PORT" default:"8080"`
	LogLevel       string `envconfig:"LOG_LEVEL" default:"debug"`
	KeepaliveToken string `envconfig:"KEEPALIVE_TOKEN"`
}

type AsanaEnv struct {
	Token        string `envconfig:"ASANA_TOKEN" required:"true"`
	WorkspaceGID string `envconfig:"ASANA_WORKSPACE_GID"`
	ProjectGID   string `envconfig:"ASANA_PROJECT_GID" required:"true"`
	// Optional field gid hints. Both pin the resolver to an exact field
	// instead of name matching; the counter gid additionally lets the
	// events poller drop the catcher's own increment writes, which would
	// otherwise re-trigger a pass.
	DelayCountFieldGID  string        `envconfig:"DELAY_COUNT_FIELD_GID"`
	DelayReasonFieldGID string        `envconfig:"DELAY_REASON_FIELD_GID"`
	DefaultReason       string        `envconfig:"DEFAULT_DELAY_REASON" default:"Awaiting identify"`
	HTTPTimeout         time.Duration `envconfig:"ASANA_HTTP_TIMEOUT" default:"10s"`
}

type SheetEnv struct {
	WebhookURL string `envconfig:"SHEET_WEBHOOK_URL"`
}

type PollerEnv struct {
	Timeout  time.Duration `envconfig:"POLL_TIMEOUT" default:"30s"`
	Debounce time.Duration `envconfig:"DEBOUNCE_WINDOW" default:"2s"`
}

type StorageEnv struct {
	Type    string `envconfig:"STORAGE_TYPE" default:"local"`
	BaseDir string `envconfig:"STORAGE_BASE_DIR" default:".delaycatcher/data"`
	// S3 settings (used when Type == "s3")
	S3Bucket string `envconfig:"S3_BUCKET"`
	S3Prefix string `envconfig:"S3_PREFIX" default:"delaycatcher/"`
	S3Region string `envconfig:"S3_REGION" default:"ap-northeast-1"`
}

type Env struct {
	BaseEnv
	AsanaEnv
	SheetEnv
	PollerEnv
	StorageEnv
}

const namespace = "DELAYCATCHER"

func LoadEnv() (*Env, error) {
	var env Env
	if err := envconfig.Process(namespace, &env); err != nil {
		return nil, fmt.Errorf("failed to load env: %w", err)
	}
	return &env, nil
}

func (e *BaseEnv) SlogLevel() slog.Level {
	if e == nil {
		return slog.LevelDebug
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(e.LogLevel)); err != nil {
		return slog.LevelDebug
	}
	return level
}
