package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
)

// rotatingFile is an io.Writer on a log file that is renamed aside once it
// grows past maxBytes. Backups are named <base>-<timestamp><ext>, optionally
// gzipped, and the oldest beyond maxBackups are removed.
type rotatingFile struct {
	mu sync.Mutex

	path       string
	maxBytes   int64
	maxBackups int
	compress   bool
	now        func() time.Time

	file *os.File
	size int64
}

func newRotatingFile(path string, maxSizeMB, maxBackups int, compress bool) (*rotatingFile, error) {
	if path == "" {
		return nil, fmt.Errorf("log file path is empty")
	}
	r := &rotatingFile{
		path:       path,
		maxBytes:   int64(maxSizeMB) * 1024 * 1024,
		maxBackups: maxBackups,
		compress:   compress,
		now:        func() time.Time { return time.Now().UTC() },
	}
	if err := r.open(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *rotatingFile) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		return 0, os.ErrClosed
	}
	if r.maxBytes > 0 && r.size > 0 && r.size+int64(len(p)) > r.maxBytes {
		if err := r.rotate(); err != nil {
			return 0, fmt.Errorf("rotating log file: %w", err)
		}
	}
	n, err := r.file.Write(p)
	r.size += int64(n)
	return n, err
}

func (r *rotatingFile) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}

func (r *rotatingFile) open() error {
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return fmt.Errorf("creating log directory: %w", err)
	}
	f, err := os.OpenFile(r.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("opening log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat log file: %w", err)
	}
	r.file, r.size = f, info.Size()
	return nil
}

func (r *rotatingFile) rotate() error {
	if err := r.file.Close(); err != nil {
		return err
	}
	r.file = nil

	backup := r.backupName(r.now())
	if err := os.Rename(r.path, backup); err != nil && !os.IsNotExist(err) {
		return err
	}
	if r.compress {
		// a failed compression keeps the plain backup
		if err := gzipFile(backup); err != nil {
			fmt.Fprintf(os.Stderr, "compressing %s: %v\n", backup, err)
		}
	}
	r.prune()
	return r.open()
}

func (r *rotatingFile) backupName(t time.Time) string {
	dir, base := filepath.Split(r.path)
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	return filepath.Join(dir, fmt.Sprintf("%s-%s%s", stem, t.Format("2006-01-02T15-04-05.000"), ext))
}

// prune removes backups beyond maxBackups, oldest first. Backup names sort
// by time.
func (r *rotatingFile) prune() {
	if r.maxBackups <= 0 {
		return
	}
	backups := r.backups()
	if len(backups) <= r.maxBackups {
		return
	}
	sort.Strings(backups)
	for _, name := range backups[:len(backups)-r.maxBackups] {
		if err := os.Remove(name); err != nil {
			fmt.Fprintf(os.Stderr, "removing old log %s: %v\n", name, err)
		}
	}
}

func (r *rotatingFile) backups() []string {
	dir, base := filepath.Split(r.path)
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)

	entries, err := os.ReadDir(filepath.Clean(dir))
	if err != nil {
		return nil
	}
	var out []string
	for _, e := range entries {
		name := e.Name()
		if name == base || !strings.HasPrefix(name, stem+"-") {
			continue
		}
		if strings.HasSuffix(name, ext) || strings.HasSuffix(name, ext+".gz") {
			out = append(out, filepath.Join(dir, name))
		}
	}
	return out
}

func gzipFile(name string) error {
	src, err := os.Open(name)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.Create(name + ".gz")
	if err != nil {
		return err
	}
	zw := gzip.NewWriter(dst)
	if _, err := io.Copy(zw, src); err != nil {
		zw.Close()
		dst.Close()
		return err
	}
	if err := zw.Close(); err != nil {
		dst.Close()
		return err
	}
	if err := dst.Close(); err != nil {
		return err
	}
	return os.Remove(name)
}
