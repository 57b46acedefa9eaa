// Package sandbox confines all side effects of a run to a workspace root and
// an allow-listed command set.
//
// Filesystem operations accept only Path values produced by Resolve, which
// canonicalizes before checking containment; escape therefore cannot occur
// downstream of resolution. Command execution takes a discrete argument
// vector, never a shell string, and the command name must match the explicit
// allow-list — a deny-list of forbidden tokens is exactly the pattern this
// package exists to replace.
package sandbox

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/crewd/internal/config"
)

// Sentinel errors for the sandbox taxonomy. Raw OS errors never leave this
// package; they are wrapped into one of these.
var (
	// ErrPathEscape indicates a requested path resolves outside the
	// workspace root.
	ErrPathEscape = errors.New("path escapes workspace")

	// ErrEmptyPath indicates an empty requested path.
	ErrEmptyPath = errors.New("path cannot be empty")

	// ErrCommandRejected indicates a command failed the allow-list or
	// argument checks. No process was spawned.
	ErrCommandRejected = errors.New("command rejected")

	// ErrExecutionFailed indicates an allowed command ran but failed.
	ErrExecutionFailed = errors.New("command execution failed")
)

// internalDir holds run artifacts (trace ledger, command logs) inside the
// workspace. It is excluded from snapshots.
const internalDir = ".crewd"

// Path is a filesystem path proven to lie within the workspace root. Only
// Resolve constructs valid values; the zero value is rejected by all
// operations.
type Path struct {
	abs string
	rel string
}

// Abs returns the canonical absolute path.
func (p Path) Abs() string { return p.abs }

// Rel returns the path relative to the workspace root.
func (p Path) Rel() string { return p.rel }

// IsZero reports whether the path was not produced by Resolve.
func (p Path) IsZero() bool { return p.abs == "" }

func (p Path) String() string { return p.rel }

// Sandbox couples a canonical workspace root with a guarded command runner.
type Sandbox struct {
	root   string
	runner *Runner
	logger *zap.Logger
}

// New canonicalizes the workspace root (creating it if missing) and builds
// the command runner from config.
func New(cfg config.Sandbox, root string, logger *zap.Logger) (*Sandbox, error) {
	if root == "" {
		return nil, fmt.Errorf("workspace root not configured")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create workspace: %w", err)
	}
	canonical, err := filepath.EvalSymlinks(root)
	if err != nil {
		return nil, fmt.Errorf("failed to canonicalize workspace root: %w", err)
	}
	canonical, err = filepath.Abs(canonical)
	if err != nil {
		return nil, fmt.Errorf("failed to canonicalize workspace root: %w", err)
	}

	s := &Sandbox{
		root:   canonical,
		logger: logger.Named("sandbox"),
	}
	s.runner = newRunner(s, cfg, logger)
	return s, nil
}

// Root returns the canonical workspace root.
func (s *Sandbox) Root() string { return s.root }

// Runner returns the guarded command runner.
func (s *Sandbox) Runner() *Runner { return s.runner }

// Resolve canonicalizes requested against the workspace root and verifies
// containment. Leading slashes are treated as workspace-relative, matching
// how task descriptions refer to files. Symlinks and `..` segments are
// resolved before the check; any path whose canonical form is not the root
// or a descendant of it fails with ErrPathEscape — never a partial or
// best-effort path.
func (s *Sandbox) Resolve(requested string) (Path, error) {
	if requested == "" {
		return Path{}, ErrEmptyPath
	}
	requested = strings.TrimPrefix(requested, "/")
	if requested == "" {
		requested = "."
	}

	joined := filepath.Clean(filepath.Join(s.root, requested))

	canonical, err := canonicalize(joined)
	if err != nil {
		return Path{}, fmt.Errorf("%w: %s", ErrPathEscape, requested)
	}

	if canonical != s.root && !strings.HasPrefix(canonical, s.root+string(filepath.Separator)) {
		return Path{}, fmt.Errorf("%w: %s", ErrPathEscape, requested)
	}

	rel, err := filepath.Rel(s.root, canonical)
	if err != nil {
		return Path{}, fmt.Errorf("%w: %s", ErrPathEscape, requested)
	}
	return Path{abs: canonical, rel: rel}, nil
}

// canonicalize resolves symlinks on the deepest existing ancestor of path
// and rejoins the non-existent remainder. The input must already be
// lexically cleaned.
func canonicalize(path string) (string, error) {
	existing := path
	var remainder []string
	for {
		resolved, err := filepath.EvalSymlinks(existing)
		if err == nil {
			if len(remainder) == 0 {
				return resolved, nil
			}
			// The remainder cannot climb: the input was cleaned, so
			// no ".." segments survive here.
			parts := append([]string{resolved}, reverse(remainder)...)
			return filepath.Join(parts...), nil
		}
		if !os.IsNotExist(err) {
			return "", err
		}
		parent := filepath.Dir(existing)
		if parent == existing {
			return "", fmt.Errorf("no existing ancestor for %s", path)
		}
		remainder = append(remainder, filepath.Base(existing))
		existing = parent
	}
}

func reverse(parts []string) []string {
	out := make([]string, len(parts))
	for i, p := range parts {
		out[len(parts)-1-i] = p
	}
	return out
}

// ReadFile reads a resolved path.
func (s *Sandbox) ReadFile(p Path) ([]byte, error) {
	if p.IsZero() {
		return nil, ErrEmptyPath
	}
	data, err := os.ReadFile(p.abs)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", p.rel, err)
	}
	return data, nil
}

// WriteFile writes a resolved path, creating parent directories beneath the
// workspace as needed.
func (s *Sandbox) WriteFile(p Path, data []byte) error {
	if p.IsZero() {
		return ErrEmptyPath
	}
	if err := os.MkdirAll(filepath.Dir(p.abs), 0o755); err != nil {
		return fmt.Errorf("failed to create directories for %s: %w", p.rel, err)
	}
	if err := os.WriteFile(p.abs, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", p.rel, err)
	}
	return nil
}

// ListDir returns workspace-relative paths of all files beneath a resolved
// directory, sorted, excluding the internal artifact directory.
func (s *Sandbox) ListDir(p Path) ([]string, error) {
	if p.IsZero() {
		return nil, ErrEmptyPath
	}
	var files []string
	err := filepath.WalkDir(p.abs, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == internalDir {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		files = append(files, rel)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", p.rel, err)
	}
	sort.Strings(files)
	return files, nil
}

// DeleteFile removes a resolved file.
func (s *Sandbox) DeleteFile(p Path) error {
	if p.IsZero() {
		return ErrEmptyPath
	}
	if err := os.Remove(p.abs); err != nil {
		return fmt.Errorf("failed to delete %s: %w", p.rel, err)
	}
	return nil
}

// Snapshot hashes every workspace file, keyed by relative path. Workers use
// it to see what changed between attempts without re-reading stable files.
func (s *Sandbox) Snapshot() (map[string]string, error) {
	root, err := s.Resolve(".")
	if err != nil {
		return nil, err
	}
	files, err := s.ListDir(root)
	if err != nil {
		return nil, err
	}

	snapshot := make(map[string]string, len(files))
	for _, rel := range files {
		data, err := os.ReadFile(filepath.Join(s.root, rel))
		if err != nil {
			return nil, fmt.Errorf("failed to hash %s: %w", rel, err)
		}
		sum := sha256.Sum256(data)
		snapshot[rel] = hex.EncodeToString(sum[:])
	}
	return snapshot, nil
}
