package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "gams/pkg/logx"
)

const snapshotCompactEvery = 100

// fileStore is the cgo-free, dependency-free backend.
//
// Files:
//   - <prefix>.records.jsonl            append-only records
//   - <prefix>.snapshots.json           compacted snapshots
//   - <prefix>.snapshots.journal.jsonl  snapshot puts since the last compaction
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	recordsPath string
	recordsFile *os.File

	snapshotPath string
	journalFile  *os.File
	snapshots    map[string][]byte
	puts         int
}

type snapshotRecord struct {
	Key  string `json:"key"`
	Data []byte `json:"data"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		log:          log,
		recordsPath:  prefix + ".records.jsonl",
		snapshotPath: prefix + ".snapshots.json",
		snapshots:    map[string][]byte{},
	}
	journalPath := prefix + ".snapshots.journal.jsonl"

	var err error
	if s.recordsFile, err = os.OpenFile(s.recordsPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600); err != nil {
		return nil, err
	}

	if err := loadSnapshots(s.snapshotPath, s.snapshots); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("snapshot file unreadable; starting empty", logx.Err(err))
	}
	if err := replaySnapshotJournal(journalPath, s.snapshots); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("snapshot journal replay failed", logx.Err(err))
	}

	if s.journalFile, err = os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600); err != nil {
		_ = s.recordsFile.Close()
		return nil, err
	}
	return s, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	if s.journalFile != nil {
		if err := s.compactLocked(); err != nil {
			errs = append(errs, err)
		}
		errs = append(errs, s.journalFile.Close())
		s.journalFile = nil
	}
	if s.recordsFile != nil {
		errs = append(errs, s.recordsFile.Close())
		s.recordsFile = nil
	}
	return errors.Join(errs...)
}

func (s *fileStore) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.recordsFile == nil {
		return ErrClosed
	}
	_, err := os.Stat(s.recordsPath)
	return err
}

func (s *fileStore) AppendRecord(ctx context.Context, r Record) error {
	if r.At.IsZero() {
		r.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.recordsFile == nil {
		return ErrClosed
	}
	return json.NewEncoder(s.recordsFile).Encode(r)
}

func (s *fileStore) RecentRecords(ctx context.Context, kind string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.recordsFile == nil {
		return nil, ErrClosed
	}

	// Keep the last `limit` matches in a ring while scanning forward.
	ring := make([]Record, 0, limit)
	next := 0
	err := scanRecords(s.recordsPath, func(r Record) bool {
		if kind != "" && r.Kind != kind {
			return true
		}
		if len(ring) < limit {
			ring = append(ring, r)
		} else {
			ring[next] = r
			next = (next + 1) % limit
		}
		return ctx.Err() == nil
	})
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := make([]Record, 0, len(ring))
	for i := len(ring) - 1; i >= 0; i-- {
		out = append(out, ring[(next+i)%len(ring)])
	}
	return out, nil
}

func (s *fileStore) PruneRecords(ctx context.Context, kind string, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.recordsFile == nil {
		return 0, ErrClosed
	}

	tmp := s.recordsPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return 0, err
	}
	enc := json.NewEncoder(f)
	removed := 0
	var encErr error
	err = scanRecords(s.recordsPath, func(r Record) bool {
		if (kind == "" || r.Kind == kind) && r.At.Before(before) {
			removed++
			return true
		}
		encErr = enc.Encode(r)
		return encErr == nil
	})
	if err == nil {
		err = encErr
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp)
		return 0, err
	}
	if removed == 0 {
		_ = os.Remove(tmp)
		return 0, nil
	}

	_ = s.recordsFile.Close()
	if err := os.Rename(tmp, s.recordsPath); err != nil {
		return 0, err
	}
	if s.recordsFile, err = os.OpenFile(s.recordsPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600); err != nil {
		return removed, err
	}
	return removed, nil
}

func (s *fileStore) PutSnapshot(ctx context.Context, key string, data []byte) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return errors.New("snapshot key is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return ErrClosed
	}
	s.snapshots[key] = append([]byte(nil), data...)
	if err := json.NewEncoder(s.journalFile).Encode(snapshotRecord{Key: key, Data: data}); err != nil {
		return err
	}
	s.puts++
	if s.puts%snapshotCompactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("snapshot compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) GetSnapshot(ctx context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.snapshots[strings.TrimSpace(key)]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), data...), true, nil
}

func (s *fileStore) compactLocked() error {
	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.snapshots); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.journalFile.Seek(0, io.SeekEnd)
	return err
}

// scanRecords calls fn for every decodable line until fn returns false.
func scanRecords(path string, fn func(Record) bool) error {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var r Record
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		if !fn(r) {
			break
		}
	}
	return sc.Err()
}

func loadSnapshots(path string, out map[string][]byte) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string][]byte
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

func replaySnapshotJournal(path string, out map[string][]byte) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for sc.Scan() {
		var r snapshotRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil || r.Key == "" {
			continue
		}
		out[r.Key] = r.Data
	}
	return sc.Err()
}
