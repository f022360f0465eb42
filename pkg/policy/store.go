// Package policy provides the versioned, content-addressed policy store and
// the minimal JSON-Patch engine that mutates it.
package policy

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"sync"

	"github.com/keel-labs/keel/pkg/canonical"
)

var (
	// ErrNotFound is returned when the store holds no snapshots, or the
	// requested version does not exist.
	ErrNotFound = errors.New("policy: snapshot not found")

	// ErrAlreadyBootstrapped is returned when Bootstrap runs against a
	// non-empty store.
	ErrAlreadyBootstrapped = errors.New("policy: store already bootstrapped")

	// ErrNotBootstrapped is returned when SaveNewVersion runs against an
	// empty store. Callers bootstrap version 1 explicitly.
	ErrNotBootstrapped = errors.New("policy: store is empty, bootstrap version 1 first")

	// ErrIntegrity is returned when a snapshot on disk does not match its
	// recorded content hash.
	ErrIntegrity = errors.New("policy: snapshot integrity failure")
)

// Snapshot is one immutable policy version. Only the highest version is
// "latest"; versions are never skipped or reused.
type Snapshot struct {
	Version int             `json:"version"`
	Policy  canonical.Value `json:"policy"`
	SHA256  string          `json:"sha256"`
}

var snapshotFilePattern = regexp.MustCompile(`^policy_v(\d{4,})\.json$`)

func snapshotFileName(version int) string {
	return fmt.Sprintf("policy_v%04d.json", version)
}

// Store persists policy snapshots, one pretty-printed JSON file per version.
// It assumes a single logical writer; reads interleave safely because
// snapshots are immutable once written.
type Store struct {
	mu     sync.Mutex
	dir    string
	head   int // highest persisted version, 0 when empty
	logger *slog.Logger
}

// Open scans dir once for the highest existing version and returns a store
// rooted there. The directory is created if missing.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("policy: ensure store dir: %w", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("policy: read store dir: %w", err)
	}

	head := 0
	for _, e := range entries {
		m := snapshotFilePattern.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		v, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		if v > head {
			head = v
		}
	}

	return &Store{dir: dir, head: head, logger: slog.Default()}, nil
}

// WithLogger overrides the store's logger.
func (s *Store) WithLogger(l *slog.Logger) *Store {
	if l != nil {
		s.logger = l
	}
	return s
}

// Latest returns the highest-version snapshot, or ErrNotFound when empty.
func (s *Store) Latest() (Snapshot, error) {
	s.mu.Lock()
	head := s.head
	s.mu.Unlock()

	if head == 0 {
		return Snapshot{}, ErrNotFound
	}
	return s.LoadVersion(head)
}

// LoadVersion loads an existing snapshot and verifies its content hash.
func (s *Store) LoadVersion(version int) (Snapshot, error) {
	if version < 1 {
		return Snapshot{}, fmt.Errorf("%w: version %d", ErrNotFound, version)
	}

	raw, err := os.ReadFile(filepath.Join(s.dir, snapshotFileName(version)))
	if err != nil {
		if os.IsNotExist(err) {
			return Snapshot{}, fmt.Errorf("%w: version %d", ErrNotFound, version)
		}
		return Snapshot{}, fmt.Errorf("policy: read snapshot v%d: %w", version, err)
	}

	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("policy: decode snapshot v%d: %w", version, err)
	}
	if snap.Version != version {
		return Snapshot{}, fmt.Errorf("%w: file v%d declares version %d", ErrIntegrity, version, snap.Version)
	}
	if got := canonical.Hash(snap.Policy); !canonical.DigestsEqual(got, snap.SHA256) {
		return Snapshot{}, fmt.Errorf("%w: v%d recorded %s, computed %s", ErrIntegrity, version, snap.SHA256, got)
	}
	return snap, nil
}

// Bootstrap writes version 1 into an empty store.
func (s *Store) Bootstrap(policy canonical.Value) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.head != 0 {
		return Snapshot{}, ErrAlreadyBootstrapped
	}
	return s.writeLocked(1, policy)
}

// SaveNewVersion persists policy as latest().version+1. The next version
// comes from the in-memory head, by construction, never from rescanning.
func (s *Store) SaveNewVersion(policy canonical.Value) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.head == 0 {
		return Snapshot{}, ErrNotBootstrapped
	}
	return s.writeLocked(s.head+1, policy)
}

func (s *Store) writeLocked(version int, policy canonical.Value) (Snapshot, error) {
	snap := Snapshot{
		Version: version,
		Policy:  policy.Clone(),
		SHA256:  canonical.Hash(policy),
	}

	path := filepath.Join(s.dir, snapshotFileName(version))
	if _, err := os.Stat(path); err == nil {
		// In-place mutation of an existing version is never permitted.
		return Snapshot{}, fmt.Errorf("policy: refusing to overwrite existing %s", snapshotFileName(version))
	}

	pretty, err := prettySnapshot(snap)
	if err != nil {
		return Snapshot{}, err
	}
	if err := atomicWrite(path, pretty); err != nil {
		return Snapshot{}, err
	}

	s.head = version
	s.logger.Debug("policy snapshot persisted",
		"version", version, "sha256", snap.SHA256)
	return snap, nil
}

// prettySnapshot renders the snapshot with sorted keys and indentation,
// the on-disk format for policy_v%04d.json files.
func prettySnapshot(snap Snapshot) ([]byte, error) {
	// Marshal through generic maps: encoding/json sorts map keys.
	doc := map[string]any{
		"version": snap.Version,
		"policy":  snap.Policy.ToAny(),
		"sha256":  snap.SHA256,
	}
	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("policy: encode snapshot: %w", err)
	}
	return append(out, '\n'), nil
}

// atomicWrite persists data with the write-temp, fsync, rename contract so a
// crash never leaves a partially written snapshot visible.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("policy: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("policy: write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("policy: fsync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("policy: close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("policy: commit snapshot: %w", err)
	}
	return nil
}

// Versions lists all persisted versions in ascending order.
func (s *Store) Versions() ([]int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("policy: read store dir: %w", err)
	}
	var versions []int
	for _, e := range entries {
		m := snapshotFilePattern.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		if v, err := strconv.Atoi(m[1]); err == nil {
			versions = append(versions, v)
		}
	}
	sort.Ints(versions)
	return versions, nil
}
