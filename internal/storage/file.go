package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"casewatch/internal/core"
	logx "casewatch/pkg/logx"
)

// fileStore keeps everything in memory and persists it next to cfg.Path.
//
// Files:
//   - <prefix>.tenants.json           (snapshot, rewritten on tenant writes)
//   - <prefix>.polls.jsonl            (append-only poll log)
//   - <prefix>.notifications.jsonl    (append-only journal; last line per ID wins)
type fileStore struct {
	*Memory
	log logx.Logger

	mu sync.Mutex

	snapshotPath string
	pollFile     *os.File
	noteFile     *os.File
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	mem := NewMemory()
	snapPath := prefix + ".tenants.json"
	pollPath := prefix + ".polls.jsonl"
	notePath := prefix + ".notifications.jsonl"

	if err := loadTenantSnapshot(snapPath, mem); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if err := replayJournal(pollPath, func(b []byte) {
		var e core.PollLogEntry
		if json.Unmarshal(b, &e) == nil && e.TenantID != "" {
			mem.polls = append(mem.polls, e)
		}
	}); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("poll journal replay incomplete", logx.String("path", pollPath), logx.Err(err))
	}
	if err := replayJournal(notePath, func(b []byte) {
		var r core.NotificationRecord
		if json.Unmarshal(b, &r) != nil || r.ID == "" {
			return
		}
		if i, ok := mem.noteIdx[r.ID]; ok {
			mem.notes[i] = r
			return
		}
		mem.noteIdx[r.ID] = len(mem.notes)
		mem.notes = append(mem.notes, r)
	}); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("notification journal replay incomplete", logx.String("path", notePath), logx.Err(err))
	}

	pf, err := os.OpenFile(pollPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	nf, err := os.OpenFile(notePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		_ = pf.Close()
		return nil, err
	}

	log.Info("file store opened",
		logx.String("prefix", prefix),
		logx.Int("tenants", len(mem.tenants)),
		logx.Int("polls", len(mem.polls)),
		logx.Int("notifications", len(mem.notes)),
	)
	return &fileStore{Memory: mem, log: log, snapshotPath: snapPath, pollFile: pf, noteFile: nf}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.Memory.Close()
	var err1, err2 error
	if s.pollFile != nil {
		err1 = s.pollFile.Close()
		s.pollFile = nil
	}
	if s.noteFile != nil {
		err2 = s.noteFile.Close()
		s.noteFile = nil
	}
	if err1 != nil {
		return err1
	}
	return err2
}

func (s *fileStore) UpsertTenant(ctx context.Context, t core.Tenant) error {
	if err := s.Memory.UpsertTenant(ctx, t); err != nil {
		return err
	}
	return s.writeSnapshot()
}

func (s *fileStore) UpdateLastKnownStatus(ctx context.Context, id, status string, at time.Time) error {
	if err := s.Memory.UpdateLastKnownStatus(ctx, id, status, at); err != nil {
		return err
	}
	return s.writeSnapshot()
}

func (s *fileStore) AppendPoll(ctx context.Context, e core.PollLogEntry) error {
	e = normalizePoll(e)
	if err := s.Memory.AppendPoll(ctx, e); err != nil {
		return err
	}
	return s.appendLine(func() *os.File { return s.pollFile }, e)
}

func (s *fileStore) RecordPoll(ctx context.Context, e core.PollLogEntry, ev *core.StatusChangedEvent) error {
	e = normalizePoll(e)
	if err := s.Memory.RecordPoll(ctx, e, ev); err != nil {
		return err
	}
	if err := s.appendLine(func() *os.File { return s.pollFile }, e); err != nil {
		return err
	}
	return s.writeSnapshot()
}

func (s *fileStore) CreateNotification(ctx context.Context, r *core.NotificationRecord) error {
	if err := s.Memory.CreateNotification(ctx, r); err != nil {
		return err
	}
	return s.appendLine(func() *os.File { return s.noteFile }, *r)
}

func (s *fileStore) UpdateNotification(ctx context.Context, r core.NotificationRecord) error {
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = time.Now().UTC()
	}
	if err := s.Memory.UpdateNotification(ctx, r); err != nil {
		return err
	}
	return s.appendLine(func() *os.File { return s.noteFile }, r)
}

func (s *fileStore) appendLine(file func() *os.File, v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f := file()
	if f == nil {
		return ErrClosed
	}
	return json.NewEncoder(f).Encode(v)
}

// writeSnapshot replaces the tenant snapshot atomically.
func (s *fileStore) writeSnapshot() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	// Taken under s.mu so concurrent writers cannot persist an older view last.
	tenants := s.Memory.snapshot()
	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(tenants); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, s.snapshotPath)
}

func loadTenantSnapshot(path string, into *Memory) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var ts []core.Tenant
	if err := json.NewDecoder(f).Decode(&ts); err != nil {
		return err
	}
	for _, t := range ts {
		t = normalizeTenant(t)
		into.tenants[t.ID] = t
	}
	return nil
}

func replayJournal(path string, fn func([]byte)) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4<<20)
	for sc.Scan() {
		if len(sc.Bytes()) == 0 {
			continue
		}
		fn(sc.Bytes())
	}
	return sc.Err()
}
