package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gorm.io/datatypes"

	"github.com/yungbote/neurobridge-risk/internal/data/repos"
	types "github.com/yungbote/neurobridge-risk/internal/domain"
	"github.com/yungbote/neurobridge-risk/internal/platform/dbctx"
)

// Source loads the bundle that should be serving now.
type Source interface {
	Load(ctx context.Context) (*Bundle, error)
	Name() string
}

// ObjectStore reads and writes gs:// objects.
type ObjectStore interface {
	Read(ctx context.Context, uri string) ([]byte, error)
	Write(ctx context.Context, uri, contentType string, data []byte) error
}

func isObjectURI(p string) bool { return strings.HasPrefix(strings.TrimSpace(p), "gs://") }

// FileSource reads a bundle from a local path or a gs:// uri.
type FileSource struct {
	Path    string
	Objects ObjectStore
}

func (s *FileSource) Name() string { return "file:" + s.Path }

func (s *FileSource) Load(ctx context.Context) (*Bundle, error) {
	data, err := readPath(ctx, s.Path, s.Objects)
	if err != nil {
		return nil, err
	}
	return Decode(data)
}

func readPath(ctx context.Context, path string, objects ObjectStore) ([]byte, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("snapshot path is empty")
	}
	if isObjectURI(path) {
		if objects == nil {
			return nil, fmt.Errorf("snapshot %s: object storage not configured", path)
		}
		return objects.Read(ctx, path)
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNoSnapshot, path)
	}
	return data, err
}

// SaveFile writes the bundle to a local path (atomically, via rename) or a
// gs:// uri.
func SaveFile(ctx context.Context, b *Bundle, path string, objects ObjectStore) error {
	data, err := b.Encode()
	if err != nil {
		return err
	}
	if isObjectURI(path) {
		if objects == nil {
			return fmt.Errorf("snapshot %s: object storage not configured", path)
		}
		return objects.Write(ctx, path, "application/json", data)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// DBSource serves the active model_snapshot row for Key, falling back to the
// latest row when none is active.
type DBSource struct {
	Repo repos.ModelSnapshotRepo
	Key  string
}

func (s *DBSource) Name() string { return "db:" + s.Key }

func (s *DBSource) Load(ctx context.Context) (*Bundle, error) {
	dbc := dbctx.Context{Ctx: ctx}
	row, err := s.Repo.GetActiveByKey(dbc, s.Key)
	if err != nil {
		return nil, fmt.Errorf("load active snapshot %q: %w", s.Key, err)
	}
	if row == nil {
		row, err = s.Repo.GetLatestByKey(dbc, s.Key)
		if err != nil {
			return nil, fmt.Errorf("load latest snapshot %q: %w", s.Key, err)
		}
	}
	if row == nil {
		return nil, fmt.Errorf("%w: model_key=%s", ErrNoSnapshot, s.Key)
	}
	return Decode(row.ParamsJSON)
}

// SaveDB stores the bundle as the next version under key. The bundle's version
// string is rewritten to carry the row version. When activate is set the new
// row becomes the active one.
func SaveDB(ctx context.Context, repo repos.ModelSnapshotRepo, key string, b *Bundle, activate bool) (*types.ModelSnapshot, error) {
	dbc := dbctx.Context{Ctx: ctx}
	next, err := repo.NextVersion(dbc, key)
	if err != nil {
		return nil, err
	}
	b.Version = key + "-v" + strconv.Itoa(next)
	b.Model.Version = b.Version
	params, err := json.Marshal(b)
	if err != nil {
		return nil, err
	}
	metrics, err := json.Marshal(b.Metrics)
	if err != nil {
		return nil, err
	}
	row := &types.ModelSnapshot{
		ModelKey:    key,
		Version:     next,
		Label:       b.Version,
		Kind:        string(b.Model.Kind),
		ParamsJSON:  datatypes.JSON(params),
		MetricsJSON: datatypes.JSON(metrics),
	}
	if err := repo.Create(dbc, row); err != nil {
		return nil, err
	}
	if activate {
		if err := repo.SetActiveByID(dbc, row.ID); err != nil {
			return nil, err
		}
		row.Active = true
	}
	return row, nil
}
