package backend

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/lattice-telemetry/sidecar/internal/routing"
	"github.com/lattice-telemetry/sidecar/internal/wire"
)

// FilesystemConfig configures the filesystem adapter. PathTemplate may
// contain "{source}" and one of the granularity placeholders "{hour}" /
// "{day}", substituted at write time.
type FilesystemConfig struct {
	PathTemplate string
	MaxFileBytes int64
	RotateEvery  time.Duration
}

// Filesystem appends each record as one JSON line to a file derived from
// PathTemplate, rotating by size or time and fsync-ing only at rotation
// boundaries so partial writes never corrupt previously written records.
type Filesystem struct {
	cfg FilesystemConfig

	mu    sync.Mutex
	files map[string]*rotatingFile
}

type rotatingFile struct {
	path     string
	f        *os.File
	size     int64
	openedAt time.Time
}

// NewFilesystem constructs a Filesystem adapter.
func NewFilesystem(cfg FilesystemConfig) *Filesystem {
	if cfg.MaxFileBytes <= 0 {
		cfg.MaxFileBytes = 128 * 1024 * 1024
	}
	if cfg.RotateEvery <= 0 {
		cfg.RotateEvery = 24 * time.Hour
	}
	return &Filesystem{cfg: cfg, files: make(map[string]*rotatingFile)}
}

func (fs *Filesystem) resolvePath(source string, at time.Time) string {
	path := strings.ReplaceAll(fs.cfg.PathTemplate, "{source}", source)
	path = strings.ReplaceAll(path, "{hour}", at.Format("2006010215"))
	path = strings.ReplaceAll(path, "{day}", at.Format("20060102"))
	return path
}

// Deliver implements routing.Adapter.
func (fs *Filesystem) Deliver(records []*wire.Record) routing.DeliverResult {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	delivered := 0
	for _, rec := range records {
		path := fs.resolvePath(rec.Source, time.Now())
		rf, err := fs.fileForLocked(path)
		if err != nil {
			return routing.DeliverResult{DeliveredCount: delivered, FailedCount: len(records) - delivered, Err: err}
		}

		line, err := wire.Encode(rec)
		if err != nil {
			return routing.DeliverResult{DeliveredCount: delivered, FailedCount: len(records) - delivered, Err: err, Fatal: true}
		}
		line = append(line, '\n')

		n, err := rf.f.Write(line)
		if err != nil {
			return routing.DeliverResult{DeliveredCount: delivered, FailedCount: len(records) - delivered, Err: err}
		}
		rf.size += int64(n)
		delivered++

		if rf.size >= fs.cfg.MaxFileBytes || time.Since(rf.openedAt) >= fs.cfg.RotateEvery {
			fs.rotateLocked(path)
		}
	}
	return routing.DeliverResult{DeliveredCount: delivered}
}

func (fs *Filesystem) fileForLocked(path string) (*rotatingFile, error) {
	if rf, ok := fs.files[path]; ok {
		return rf, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("filesystem adapter: create dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("filesystem adapter: open file: %w", err)
	}
	info, _ := f.Stat()
	var size int64
	if info != nil {
		size = info.Size()
	}
	rf := &rotatingFile{path: path, f: f, size: size, openedAt: time.Now()}
	fs.files[path] = rf
	return rf, nil
}

// rotateLocked fsyncs and closes the current file for path; the next
// write reopens (or rolls to) a fresh file. Caller holds fs.mu.
func (fs *Filesystem) rotateLocked(path string) {
	rf, ok := fs.files[path]
	if !ok {
		return
	}
	_ = rf.f.Sync()
	_ = rf.f.Close()
	delete(fs.files, path)
}

// Health implements routing.Adapter.
func (fs *Filesystem) Health() routing.HealthStatus {
	return routing.HealthStatus{Healthy: true}
}

// Close implements routing.Adapter: fsyncs and closes every open file.
func (fs *Filesystem) Close() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	var firstErr error
	for path, rf := range fs.files {
		if err := rf.f.Sync(); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := rf.f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(fs.files, path)
	}
	return firstErr
}
