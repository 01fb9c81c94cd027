// Package repositoryimpl stores transition rows as YAML records whose key
// is derived from the (task, old, new) identity, so dedup is a single
// existence check instead of a scan.
package repositoryimpl

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"path"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/kazz187/delaycatcher/internal/ledger"
	"github.com/kazz187/delaycatcher/pkg/cerr"
	"github.com/kazz187/delaycatcher/pkg/storage"
)

// YAMLRepository implements ledger.Repository for one dimension. Due and
// reason ledgers are separate instances over disjoint key prefixes.
type YAMLRepository struct {
	storage storage.Storage
	prefix  string
}

func NewYAMLRepository(s storage.Storage, dim ledger.Dimension) *YAMLRepository {
	return &YAMLRepository{
		storage: s,
		prefix:  path.Join("ledger", string(dim)),
	}
}

// key flattens the identity into one path segment. The hash keeps arbitrary
// old/new values (empty strings, spaces, slashes) out of the key while the
// task gid prefix keeps per-task listing a prefix match.
func (r *YAMLRepository) key(taskGID, old, new string) string {
	sum := sha256.Sum256([]byte(old + "\x00" + new))
	return fmt.Sprintf("%s/%s-%s.yaml", r.prefix, taskGID, hex.EncodeToString(sum[:8]))
}

func (r *YAMLRepository) Exists(ctx context.Context, taskGID, old, new string) (bool, error) {
	ok, err := r.storage.Exists(ctx, r.key(taskGID, old, new))
	if err != nil {
		return false, cerr.WrapStorageReadError("transition", err)
	}
	return ok, nil
}

func (r *YAMLRepository) Append(ctx context.Context, t *ledger.Transition) error {
	data, err := yaml.Marshal(t)
	if err != nil {
		return cerr.NewError(cerr.Internal, "server error", fmt.Errorf("failed to marshal transition: %w", err))
	}
	if err := r.storage.Write(ctx, r.key(t.TaskGID, t.Old, t.New), data); err != nil {
		return cerr.WrapStorageWriteError("transition", err)
	}
	return nil
}

func (r *YAMLRepository) ListByTask(ctx context.Context, taskGID string) ([]*ledger.Transition, error) {
	paths, err := r.storage.List(ctx, r.prefix)
	if err != nil {
		return nil, cerr.WrapStorageReadError("transitions", err)
	}

	var rows []*ledger.Transition
	for _, p := range paths {
		if !strings.HasPrefix(path.Base(p), taskGID+"-") {
			continue
		}
		data, err := r.storage.Read(ctx, p)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return nil, cerr.WrapStorageReadError("transition", err)
		}
		var t ledger.Transition
		if err := yaml.Unmarshal(data, &t); err != nil {
			return nil, cerr.NewError(cerr.Internal, "server error", fmt.Errorf("failed to unmarshal transition %s: %w", p, err))
		}
		rows = append(rows, &t)
	}
	return rows, nil
}

func (r *YAMLRepository) MinOldDue(ctx context.Context, taskGID string) (string, error) {
	rows, err := r.ListByTask(ctx, taskGID)
	if err != nil {
		return "", err
	}

	// ISO dates order lexicographically, so string min is date min.
	min := ""
	for _, t := range rows {
		if t.Old == "" {
			continue
		}
		if min == "" || t.Old < min {
			min = t.Old
		}
	}
	return min, nil
}
