// Package repositoryimpl persists snapshots as one YAML document per task
// on top of the storage abstraction, so local disk and S3 behave the same.
package repositoryimpl

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/kazz187/delaycatcher/internal/snapshot"
	"github.com/kazz187/delaycatcher/pkg/cerr"
	"github.com/kazz187/delaycatcher/pkg/storage"
)

const snapshotsPrefix = "snapshots"

type YAMLRepository struct {
	storage storage.Storage
}

func NewYAMLRepository(s storage.Storage) *YAMLRepository {
	return &YAMLRepository{storage: s}
}

func path(taskGID string) string {
	return fmt.Sprintf("%s/%s.yaml", snapshotsPrefix, taskGID)
}

func (r *YAMLRepository) Get(ctx context.Context, taskGID string) (*snapshot.Snapshot, error) {
	data, err := r.storage.Read(ctx, path(taskGID))
	if err != nil {
		return nil, cerr.WrapStorageReadError("snapshot", err)
	}
	var s snapshot.Snapshot
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, cerr.NewError(cerr.Internal, "server error", fmt.Errorf("failed to unmarshal snapshot: %w", err))
	}
	return &s, nil
}

func (r *YAMLRepository) Put(ctx context.Context, s *snapshot.Snapshot) error {
	data, err := yaml.Marshal(s)
	if err != nil {
		return cerr.NewError(cerr.Internal, "server error", fmt.Errorf("failed to marshal snapshot: %w", err))
	}
	if err := r.storage.Write(ctx, path(s.TaskGID), data); err != nil {
		return cerr.WrapStorageWriteError("snapshot", err)
	}
	return nil
}

func (r *YAMLRepository) Delete(ctx context.Context, taskGID string) error {
	if err := r.storage.Delete(ctx, path(taskGID)); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return cerr.WrapStorageDeleteError("snapshot", err)
	}
	return nil
}

func (r *YAMLRepository) List(ctx context.Context) ([]*snapshot.Snapshot, error) {
	paths, err := r.storage.List(ctx, snapshotsPrefix)
	if err != nil {
		return nil, cerr.WrapStorageReadError("snapshots", err)
	}

	snapshots := make([]*snapshot.Snapshot, 0, len(paths))
	for _, p := range paths {
		if !strings.HasSuffix(p, ".yaml") {
			continue
		}
		data, err := r.storage.Read(ctx, p)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return nil, cerr.WrapStorageReadError("snapshot", err)
		}
		var s snapshot.Snapshot
		if err := yaml.Unmarshal(data, &s); err != nil {
			return nil, cerr.NewError(cerr.Internal, "server error", fmt.Errorf("failed to unmarshal snapshot %s: %w", p, err))
		}
		snapshots = append(snapshots, &s)
	}
	return snapshots, nil
}
