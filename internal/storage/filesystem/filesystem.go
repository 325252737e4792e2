// Package filesystem is the local directory backend. Identifiers are absolute
// paths below the configured root; metadata the file system cannot hold
// (content type, user metadata, ACL) lives in JSON sidecar files under
// <root>/.objectsync/meta.
package filesystem

import (
	"context"
	"encoding/json"
	stderr "errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/objectfs/objectsync/internal/logger"
	"github.com/objectfs/objectsync/pkg/errors"
	"github.com/objectfs/objectsync/pkg/types"
	"github.com/objectfs/objectsync/pkg/utils"
)

// MetaDir is the reserved directory holding sidecar metadata.
const MetaDir = ".objectsync"

// Config configures the backend.
type Config struct {
	Root string `yaml:"root" env:"ROOT"`
	// PreserveMtime copies source modification times onto written files.
	PreserveMtime bool `yaml:"preserve_mtime" env:"PRESERVE_MTIME"`
	// FollowSymlinks lists symlink targets instead of skipping the links.
	FollowSymlinks bool `yaml:"follow_symlinks" env:"FOLLOW_SYMLINKS"`
}

// Storage implements types.Storage on a local directory tree.
type Storage struct {
	root   string
	cfg    Config
	logger *logger.Logger
}

type sidecar struct {
	ContentType  string            `json:"content_type,omitempty"`
	UserMetadata map[string]string `json:"user_metadata,omitempty"`
	ACL          *types.ObjectACL  `json:"acl,omitempty"`
}

// New opens root, which must be an existing directory unless create is set.
func New(cfg Config, create bool, log *logger.Logger) (*Storage, error) {
	if log == nil {
		log = logger.Nop()
	}
	if cfg.Root == "" {
		return nil, errors.NewConfigurationError("filesystem storage requires a root directory")
	}
	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, errors.NewConfigurationError(fmt.Sprintf("invalid root %s: %v", cfg.Root, err))
	}
	if create {
		if err := os.MkdirAll(root, 0o755); err != nil {
			return nil, errors.NewError(errors.ErrCodeStorageWrite, "creating root").WithCause(err)
		}
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, errors.NewConfigurationError(fmt.Sprintf("root %s: %v", root, err))
	}
	if !info.IsDir() {
		return nil, errors.NewConfigurationError(fmt.Sprintf("root %s is not a directory", root))
	}
	cfg.Root = root
	return &Storage{root: root, cfg: cfg, logger: log.WithField("storage", "filesystem")}, nil
}

func (s *Storage) Name() string { return "filesystem" }

// Root returns the absolute root directory.
func (s *Storage) Root() string { return s.root }

func (s *Storage) Configure(_ context.Context, source types.Storage, _ []types.Filter, target types.Storage) error {
	for _, st := range []types.Storage{source, target} {
		other, ok := st.(*Storage)
		if !ok || other == s {
			continue
		}
		if utils.Within(s.root, other.root) || utils.Within(other.root, s.root) {
			return errors.NewConfigurationError(fmt.Sprintf("source and target directories overlap (%s, %s)", s.root, other.root))
		}
	}
	return nil
}

func (s *Storage) AllObjects(ctx context.Context, fn types.SummaryFunc) error {
	return s.list(ctx, s.root, fn)
}

func (s *Storage) Children(ctx context.Context, parent types.ObjectSummary, fn types.SummaryFunc) error {
	dir, err := s.resolve(parent.Identifier)
	if err != nil {
		return err
	}
	return s.list(ctx, dir, fn)
}

func (s *Storage) list(ctx context.Context, dir string, fn types.SummaryFunc) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return errors.NewError(errors.ErrCodeStorageList, "listing "+dir).WithCause(err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		full := filepath.Join(dir, e.Name())
		if dir == s.root && e.Name() == MetaDir {
			continue
		}
		info, err := s.stat(full)
		if err != nil {
			s.logger.Warn().Err(err).Str("path", full).Msg("skipping unreadable entry")
			continue
		}
		if info.Mode()&fs.ModeSymlink != 0 {
			s.logger.Debug().Str("path", full).Msg("skipping symlink")
			continue
		}
		sum := types.ObjectSummary{Identifier: full, Directory: info.IsDir()}
		if !info.IsDir() {
			sum.Size = info.Size()
		}
		if err := fn(sum); err != nil {
			if stderr.Is(err, types.ErrStopIteration) {
				return nil
			}
			return err
		}
	}
	return nil
}

func (s *Storage) stat(path string) (os.FileInfo, error) {
	if s.cfg.FollowSymlinks {
		return os.Stat(path)
	}
	return os.Lstat(path)
}

// resolve accepts absolute identifiers or paths relative to the root.
func (s *Storage) resolve(identifier string) (string, error) {
	var full string
	if filepath.IsAbs(identifier) {
		full = filepath.Clean(identifier)
		if !utils.Within(s.root, full) {
			return "", errors.NewError(errors.ErrCodeObjectInvalid, "identifier outside root").WithContext("identifier", identifier)
		}
	} else {
		var err error
		if full, err = utils.SecureJoin(s.root, filepath.FromSlash(identifier)); err != nil {
			return "", errors.NewError(errors.ErrCodeObjectInvalid, err.Error()).WithContext("identifier", identifier)
		}
	}
	return full, nil
}

func (s *Storage) Stat(_ context.Context, identifier string) (types.ObjectSummary, error) {
	full, err := s.resolve(identifier)
	if err != nil {
		return types.ObjectSummary{}, err
	}
	info, err := s.stat(full)
	if err != nil {
		return types.ObjectSummary{}, s.translate(full, err)
	}
	sum := types.ObjectSummary{Identifier: full, Directory: info.IsDir()}
	if !info.IsDir() {
		sum.Size = info.Size()
	}
	return sum, nil
}

func (s *Storage) LoadObject(_ context.Context, identifier string) (*types.SyncObject, error) {
	full, err := s.resolve(identifier)
	if err != nil {
		return nil, err
	}
	info, err := s.stat(full)
	if err != nil {
		return nil, s.translate(full, err)
	}

	meta := &types.ObjectMetadata{
		ModTime:   info.ModTime().UTC(),
		Directory: info.IsDir(),
	}
	if !info.IsDir() {
		meta.ContentLength = info.Size()
	}
	if sc, err := s.readSidecar(full); err != nil {
		s.logger.Warn().Err(err).Str("path", full).Msg("ignoring unreadable metadata sidecar")
	} else if sc != nil {
		meta.ContentType = sc.ContentType
		meta.UserMetadata = sc.UserMetadata
		meta.ACL = sc.ACL
	}

	rel, err := utils.RelativeTo(s.root, full)
	if err != nil {
		return nil, err
	}
	var opener types.StreamOpener
	if !info.IsDir() {
		opener = func() (io.ReadCloser, error) {
			f, err := os.Open(full)
			if err != nil {
				return nil, s.translate(full, err)
			}
			return f, nil
		}
	}
	return types.NewSyncObject(rel, meta, opener), nil
}

func (s *Storage) CreateObject(ctx context.Context, obj *types.SyncObject) (string, error) {
	full, err := s.resolve(obj.RelativePath())
	if err != nil {
		return "", err
	}
	if err := s.write(ctx, full, obj); err != nil {
		return "", err
	}
	return full, nil
}

func (s *Storage) UpdateObject(ctx context.Context, identifier string, obj *types.SyncObject) error {
	full, err := s.resolve(identifier)
	if err != nil {
		return err
	}
	return s.write(ctx, full, obj)
}

func (s *Storage) write(ctx context.Context, full string, obj *types.SyncObject) error {
	meta := obj.Metadata()
	if meta.Directory {
		if err := os.MkdirAll(full, 0o755); err != nil {
			return errors.NewError(errors.ErrCodeStorageWrite, "creating directory").WithCause(err)
		}
	} else {
		if err := s.writeFile(ctx, full, obj); err != nil {
			return err
		}
	}

	if err := s.writeSidecar(full, meta); err != nil {
		return err
	}
	if s.cfg.PreserveMtime && !meta.ModTime.IsZero() {
		if err := os.Chtimes(full, meta.ModTime, meta.ModTime); err != nil {
			return errors.NewError(errors.ErrCodeStorageWrite, "setting mtime").WithCause(err)
		}
	}
	return nil
}

// writeFile streams into a temp file next to the destination and renames it
// into place, so readers never see a partial object.
func (s *Storage) writeFile(ctx context.Context, full string, obj *types.SyncObject) error {
	dir := filepath.Dir(full)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.NewError(errors.ErrCodeStorageWrite, "creating parent directory").WithCause(err)
	}
	r, err := obj.DataStream()
	if err != nil {
		return fmt.Errorf("opening %s: %w", obj.RelativePath(), err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(full)+".*.tmp")
	if err != nil {
		return errors.NewError(errors.ErrCodeStorageWrite, "creating temp file").WithCause(err)
	}
	defer os.Remove(tmp.Name())

	_, err = io.Copy(tmp, &ctxReader{ctx: ctx, r: r})
	if err == nil {
		err = tmp.Sync()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return errors.NewError(errors.ErrCodeStorageWrite, "writing "+full).WithCause(err)
	}
	if err := os.Rename(tmp.Name(), full); err != nil {
		return errors.NewError(errors.ErrCodeStorageWrite, "renaming into place").WithCause(err)
	}
	return nil
}

func (s *Storage) Delete(_ context.Context, identifier string, _ *types.SyncObject) error {
	full, err := s.resolve(identifier)
	if err != nil {
		return err
	}
	if full == s.root {
		return errors.NewError(errors.ErrCodePolicyViolation, "refusing to delete the storage root")
	}
	if err := os.Remove(full); err != nil {
		return s.translate(full, err)
	}
	if side, err := s.sidecarPath(full); err == nil {
		os.Remove(side)
	}
	return nil
}

func (s *Storage) Identifier(relativePath string, _ bool) string {
	full, err := utils.SecureJoin(s.root, filepath.FromSlash(relativePath))
	if err != nil {
		// escaping paths are flattened into the root
		return filepath.Join(s.root, filepath.Base(relativePath))
	}
	return full
}

func (s *Storage) RelativePath(identifier string, _ bool) string {
	rel, err := utils.RelativeTo(s.root, identifier)
	if err != nil {
		return filepath.ToSlash(identifier)
	}
	return rel
}

func (s *Storage) Close() error { return nil }

func (s *Storage) translate(path string, err error) error {
	switch {
	case stderr.Is(err, fs.ErrNotExist):
		return errors.NewObjectNotFound(path).WithCause(err)
	case stderr.Is(err, fs.ErrPermission):
		return errors.NewError(errors.ErrCodeAccessDenied, "permission denied").WithContext("identifier", path).WithCause(err)
	}
	return errors.NewError(errors.ErrCodeStorageRead, "reading "+path).WithCause(err)
}

func (s *Storage) sidecarPath(full string) (string, error) {
	rel, err := utils.RelativeTo(s.root, full)
	if err != nil {
		return "", err
	}
	if rel == "" {
		rel = "."
	}
	return utils.SecureJoin(s.root, MetaDir, "meta", filepath.FromSlash(rel)+".json")
}

func (s *Storage) readSidecar(full string) (*sidecar, error) {
	path, err := s.sidecarPath(full)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if stderr.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var sc sidecar
	if err := json.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}
	return &sc, nil
}

func (s *Storage) writeSidecar(full string, meta *types.ObjectMetadata) error {
	path, err := s.sidecarPath(full)
	if err != nil {
		return err
	}
	sc := sidecar{ContentType: meta.ContentType, UserMetadata: meta.UserMetadata, ACL: meta.ACL}
	if sc.ContentType == "" && len(sc.UserMetadata) == 0 && sc.ACL == nil {
		if err := os.Remove(path); err != nil && !stderr.Is(err, fs.ErrNotExist) {
			return errors.NewError(errors.ErrCodeStorageWrite, "removing stale metadata").WithCause(err)
		}
		return nil
	}
	data, err := json.Marshal(sc)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.NewError(errors.ErrCodeStorageWrite, "creating metadata directory").WithCause(err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.NewError(errors.ErrCodeStorageWrite, "writing metadata").WithCause(err)
	}
	return nil
}

// ctxReader stops a copy once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

var _ types.Storage = (*Storage)(nil)
