// Package workspace owns the per-job directories submitted sources are
// written to, compiled in and run from.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"go.uber.org/multierr"

	"github.com/Mirai3103/playground-runner/internal/metrics"
	"github.com/Mirai3103/playground-runner/internal/models"
)

const (
	// InputFile receives the job's stdin so the run phase can redirect it.
	InputFile = "input.txt"
	// BinaryName is the compiler output inside the workspace.
	BinaryName = "app"
)

var (
	ErrInvalidJobID = errors.New("invalid job id")
	ErrNoUsableName = errors.New("file name has no usable characters")
)

var disallowed = regexp.MustCompile(`[^a-zA-Z0-9._-]`)

// SanitizeName keeps only letters, digits, '.', '_' and '-'. It returns
// ErrNoUsableName when nothing safe is left.
func SanitizeName(name string) (string, error) {
	clean := disallowed.ReplaceAllString(name, "")
	if clean == "" || clean == "." || clean == ".." {
		return "", fmt.Errorf("%w: %q", ErrNoUsableName, name)
	}
	return clean, nil
}

// Manager creates workspaces under a base directory.
type Manager struct {
	fs      afero.Fs
	baseDir string
	grace   time.Duration
	logger  *zerolog.Logger
}

// NewManager returns a Manager rooted at baseDir on fs. Pass afero.NewOsFs()
// in production; the compiler and the program need real paths.
func NewManager(fs afero.Fs, baseDir string, grace time.Duration, logger *zerolog.Logger) *Manager {
	l := logger.With().Str("component", "workspace").Logger()
	return &Manager{fs: fs, baseDir: baseDir, grace: grace, logger: &l}
}

// BaseDir is the parent of every workspace.
func (m *Manager) BaseDir() string { return m.baseDir }

// Create makes a fresh directory for jobID. Job ids are uuids, so two jobs
// never share a directory.
func (m *Manager) Create(jobID string) (*Workspace, error) {
	if jobID == "" || filepath.Base(jobID) != jobID || strings.HasPrefix(jobID, ".") {
		return nil, fmt.Errorf("%w: %q", ErrInvalidJobID, jobID)
	}
	dir := filepath.Join(m.baseDir, jobID)
	if err := m.fs.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace %s: %w", jobID, err)
	}
	l := m.logger.With().Str("job_id", jobID).Logger()
	return &Workspace{ID: jobID, Dir: dir, fs: m.fs, grace: m.grace, logger: &l}, nil
}

// Sweep removes workspace directories older than ttl. It returns how many
// were removed.
func (m *Manager) Sweep(ttl time.Duration) (int, error) {
	entries, err := afero.ReadDir(m.fs, m.baseDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}
	removed := 0
	var errs error
	for _, e := range entries {
		if !e.IsDir() || time.Since(e.ModTime()) <= ttl {
			continue
		}
		if err := m.fs.RemoveAll(filepath.Join(m.baseDir, e.Name())); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		removed++
	}
	return removed, errs
}

// StartSweeper runs Sweep every interval until ctx is done. It catches
// directories left behind by a crash between Create and Destroy.
func (m *Manager) StartSweeper(ctx context.Context, interval, ttl time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			n, err := m.Sweep(ttl)
			if err != nil {
				m.logger.Warn().Err(err).Msg("sweep incomplete")
			}
			if n > 0 {
				m.logger.Info().Int("removed", n).Msg("swept stale workspaces")
			}
		}
	}()
}

// Workspace is one job's directory. It belongs to a single flow.
type Workspace struct {
	ID  string
	Dir string

	fs     afero.Fs
	grace  time.Duration
	logger *zerolog.Logger

	mu      sync.Mutex
	sources []string
	input   bool
	once    sync.Once
}

// Materialize writes files under their sanitized names and, when stdin is
// not nil, writes it to InputFile. Files whose name sanitizes to nothing are
// skipped. It returns the names written.
func (w *Workspace) Materialize(files []models.SubmittedFile, stdin *string) ([]string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	written := make([]string, 0, len(files))
	seen := make(map[string]bool, len(files))
	for _, f := range files {
		name, err := SanitizeName(f.Name)
		if err != nil {
			w.logger.Debug().Str("name", f.Name).Msg("skipping file with unusable name")
			continue
		}
		if err := afero.WriteFile(w.fs, filepath.Join(w.Dir, name), []byte(f.Content), 0o644); err != nil {
			return written, fmt.Errorf("write %s: %w", name, err)
		}
		if !seen[name] {
			seen[name] = true
			written = append(written, name)
		}
	}

	if stdin != nil {
		if err := afero.WriteFile(w.fs, filepath.Join(w.Dir, InputFile), []byte(*stdin), 0o644); err != nil {
			return written, fmt.Errorf("write stdin: %w", err)
		}
		w.input = true
	}

	w.sources = w.sources[:0]
	for _, name := range written {
		if strings.HasSuffix(name, ".c") {
			w.sources = append(w.sources, name)
		}
	}
	sort.Strings(w.sources)
	return written, nil
}

// Sources returns the .c files to hand to the compiler. Headers are reached
// through #include and are not listed.
func (w *Workspace) Sources() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.sources...)
}

// HasInput reports whether stdin was materialized.
func (w *Workspace) HasInput() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.input
}

// InputPath is the absolute path of InputFile.
func (w *Workspace) InputPath() string { return filepath.Join(w.Dir, InputFile) }

// Destroy removes the directory tree. It is best-effort and idempotent:
// failures are logged, never returned.
func (w *Workspace) Destroy() {
	w.once.Do(func() {
		var errs error
		// Two attempts; a just-killed child can still be closing files.
		for attempt := 0; attempt < 2; attempt++ {
			err := w.fs.RemoveAll(w.Dir)
			if err == nil || errors.Is(err, os.ErrNotExist) {
				errs = nil
				break
			}
			errs = multierr.Append(errs, err)
			time.Sleep(50 * time.Millisecond)
		}
		if errs != nil {
			metrics.WorkspaceCleanupFailures.Inc()
			w.logger.Warn().Err(errs).Msg("workspace cleanup failed")
			return
		}
		w.logger.Debug().Msg("workspace removed")
	})
}

// DestroyAsync waits for the grace delay, destroys the workspace and then
// calls then (if not nil). It returns immediately.
func (w *Workspace) DestroyAsync(then func()) {
	go func() {
		if w.grace > 0 {
			time.Sleep(w.grace)
		}
		w.Destroy()
		if then != nil {
			then()
		}
	}()
}
