package store

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"

	"github.com/spk364/procomp/internal/matchengine"
)

// manifestFile and friends name the files FileStore keeps per match
// directory, mirroring the teacher replay package's split between a
// cheap-to-read manifest and a heavier periodic snapshot.
const (
	manifestFile = "manifest.json"
	eventsFile   = "events.jsonl.sz"
	snapshotFile = "snapshot.zst"
)

// manifest is the small, always-current pointer file: the latest Match
// aggregate plus enough bookkeeping to locate the snapshot cadence.
type manifest struct {
	Match               matchengine.Match `json:"match"`
	EventsSinceSnapshot int               `json:"events_since_snapshot"`
	UpdatedAt           time.Time         `json:"updated_at"`
}

// fileRecord is the in-memory mirror FileStore keeps open for a match:
// the current manifest state plus the live append handle onto its
// snappy-framed event log.
type fileRecord struct {
	manifest manifest
	file     *os.File
	writer   *snappy.Writer
}

// FileStore is a durable Store: one directory per match holding a
// manifest.json pointer, a snappy-compressed JSONL event stream
// (events.jsonl.sz), and a periodic zstd-compressed full-state snapshot
// (snapshot.zst) taken every snapshotEvery appended events. Grounded on
// the teacher replay writer's compressed-stream-plus-periodic-snapshot
// layout, adapted from world-state frames to match aggregates.
type FileStore struct {
	baseDir       string
	snapshotEvery int

	mu      sync.Mutex
	records map[string]*fileRecord
}

// NewFileStore constructs a FileStore rooted at baseDir, creating it if
// necessary. A non-positive snapshotEvery falls back to 50.
func NewFileStore(baseDir string, snapshotEvery int) (*FileStore, error) {
	if snapshotEvery <= 0 {
		snapshotEvery = 50
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("store: create base dir: %w", err)
	}
	return &FileStore{
		baseDir:       baseDir,
		snapshotEvery: snapshotEvery,
		records:       make(map[string]*fileRecord),
	}, nil
}

func (s *FileStore) matchDir(matchID string) string {
	return filepath.Join(s.baseDir, matchID)
}

func (s *FileStore) CreateMatch(_ context.Context, match matchengine.Match, created matchengine.MatchEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := s.matchDir(match.ID)
	if _, err := os.Stat(filepath.Join(dir, manifestFile)); err == nil {
		return ErrAlreadyExists
	}
	if _, ok := s.records[match.ID]; ok {
		return ErrAlreadyExists
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("store: create match dir: %w", err)
	}

	file, err := os.OpenFile(filepath.Join(dir, eventsFile), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("store: open event log: %w", err)
	}
	writer := snappy.NewBufferedWriter(file)
	rec := &fileRecord{
		manifest: manifest{Match: match, UpdatedAt: match.CreatedAt},
		file:     file,
		writer:   writer,
	}
	if err := appendEventLine(writer, created); err != nil {
		_ = file.Close()
		return err
	}
	if err := writer.Flush(); err != nil {
		_ = file.Close()
		return fmt.Errorf("store: flush event log: %w", err)
	}
	if err := writeManifest(dir, rec.manifest); err != nil {
		_ = file.Close()
		return err
	}
	if err := writeSnapshot(dir, rec.manifest); err != nil {
		_ = file.Close()
		return err
	}
	s.records[match.ID] = rec
	return nil
}

func (s *FileStore) LoadMatch(_ context.Context, matchID string) (matchengine.Match, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.recordLocked(matchID)
	if err != nil {
		return matchengine.Match{}, err
	}
	return rec.manifest.Match, nil
}

func (s *FileStore) AppendEvents(_ context.Context, matchID string, expectedVersion uint64, next matchengine.Match, events []matchengine.MatchEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, err := s.recordLocked(matchID)
	if err != nil {
		return err
	}
	if rec.manifest.Match.Version != expectedVersion {
		return ErrVersionConflict
	}
	for _, ev := range events {
		if err := appendEventLine(rec.writer, ev); err != nil {
			return err
		}
	}
	if err := rec.writer.Flush(); err != nil {
		return fmt.Errorf("store: flush event log: %w", err)
	}

	rec.manifest.Match = next
	rec.manifest.UpdatedAt = next.UpdatedAt
	rec.manifest.EventsSinceSnapshot += len(events)

	dir := s.matchDir(matchID)
	if err := writeManifest(dir, rec.manifest); err != nil {
		return err
	}
	if rec.manifest.EventsSinceSnapshot >= s.snapshotEvery || next.State.Terminal() {
		if err := writeSnapshot(dir, rec.manifest); err != nil {
			return err
		}
		rec.manifest.EventsSinceSnapshot = 0
		if err := writeManifest(dir, rec.manifest); err != nil {
			return err
		}
	}
	return nil
}

func (s *FileStore) RecentEvents(_ context.Context, matchID string, sinceSeq uint64, limit int) ([]matchengine.MatchEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.recordLocked(matchID); err != nil {
		return nil, err
	}
	dir := s.matchDir(matchID)

	f, err := os.Open(filepath.Join(dir, eventsFile))
	if err != nil {
		return nil, fmt.Errorf("store: open event log: %w", err)
	}
	defer f.Close()

	reader := snappy.NewReader(f)
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var out []matchengine.MatchEvent
	for scanner.Scan() {
		var ev matchengine.MatchEvent
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			return nil, fmt.Errorf("store: decode event: %w", err)
		}
		if ev.Sequence > sinceSeq {
			out = append(out, ev)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("store: scan event log: %w", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *FileStore) ListActiveMatches(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: list base dir: %w", err)
	}
	var ids []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		m, err := readManifest(filepath.Join(s.baseDir, entry.Name()))
		if err != nil {
			continue
		}
		if !m.Match.State.Terminal() {
			ids = append(ids, entry.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// recordLocked returns the cached record for matchID, lazily reopening its
// event log append handle from disk if this process has not touched the
// match yet (e.g. after a restart). Caller must hold s.mu.
func (s *FileStore) recordLocked(matchID string) (*fileRecord, error) {
	if rec, ok := s.records[matchID]; ok {
		return rec, nil
	}
	dir := s.matchDir(matchID)
	m, err := readManifest(dir)
	if err != nil {
		return nil, ErrNotFound
	}
	file, err := os.OpenFile(filepath.Join(dir, eventsFile), os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("store: reopen event log: %w", err)
	}
	rec := &fileRecord{manifest: m, file: file, writer: snappy.NewBufferedWriter(file)}
	s.records[matchID] = rec
	return rec, nil
}

func appendEventLine(w *snappy.Writer, ev matchengine.MatchEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("store: encode event: %w", err)
	}
	data = append(data, '\n')
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("store: write event: %w", err)
	}
	return nil
}

func writeManifest(dir string, m manifest) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("store: encode manifest: %w", err)
	}
	tmp := filepath.Join(dir, manifestFile+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("store: write manifest: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, manifestFile)); err != nil {
		return fmt.Errorf("store: rename manifest: %w", err)
	}
	return nil
}

func readManifest(dir string) (manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, manifestFile))
	if err != nil {
		return manifest{}, err
	}
	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return manifest{}, fmt.Errorf("store: decode manifest: %w", err)
	}
	return m, nil
}

// writeSnapshot persists a zstd-compressed full-state checkpoint,
// independent of the cheap manifest, for slower out-of-band backup and
// retention tooling to consume without touching the live event stream.
func writeSnapshot(dir string, m manifest) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("store: encode snapshot: %w", err)
	}
	encoder, err := zstd.NewWriter(nil)
	if err != nil {
		return fmt.Errorf("store: init zstd encoder: %w", err)
	}
	defer encoder.Close()
	compressed := encoder.EncodeAll(data, nil)
	tmp := filepath.Join(dir, snapshotFile+".tmp")
	if err := os.WriteFile(tmp, compressed, 0o644); err != nil {
		return fmt.Errorf("store: write snapshot: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, snapshotFile)); err != nil {
		return fmt.Errorf("store: rename snapshot: %w", err)
	}
	return nil
}
