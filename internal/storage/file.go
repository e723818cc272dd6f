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

	logx "tgrelay/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.fingerprints.jsonl   (append-only)
//   - <prefix>.queue.snapshot.json  (periodic snapshot)
//   - <prefix>.queue.journal.jsonl  (append-only put/del journal)
//   - <prefix>.dispatch.json        (atomically replaced)
//   - <prefix>.audit.jsonl          (append-only)
//
// The queue journal is compacted into the snapshot every compactEvery writes
// and on Compact().
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	fpFile      *os.File
	fps         map[string]int64 // unix milli
	auditFile   *os.File
	journalFile *os.File

	snapshotPath string
	dispatchPath string

	subs     map[string]SubmissionRecord
	dispatch *DispatchRecord

	journalWrites int
}

const compactEvery = 500

type fingerprintLine struct {
	FP string `json:"fp"`
	At int64  `json:"at"`
}

type journalLine struct {
	Op  string            `json:"op"` // "put" | "del"
	ID  string            `json:"id"`
	Rec *SubmissionRecord `json:"rec,omitempty"`
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

	fpPath := prefix + ".fingerprints.jsonl"
	snapPath := prefix + ".queue.snapshot.json"
	journalPath := prefix + ".queue.journal.jsonl"

	fps := map[string]int64{}
	if err := loadFingerprints(fpPath, fps); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	subs := map[string]SubmissionRecord{}
	if err := loadQueueSnapshot(snapPath, subs); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("queue snapshot unreadable; relying on journal", logx.Err(err))
	}
	if err := replayQueueJournal(journalPath, subs); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	s := &fileStore{
		log:          log,
		fps:          fps,
		subs:         subs,
		snapshotPath: snapPath,
		dispatchPath: prefix + ".dispatch.json",
	}
	if rec, err := loadDispatch(s.dispatchPath); err == nil {
		s.dispatch = &rec
	} else if !errors.Is(err, os.ErrNotExist) {
		log.Warn("dispatch record unreadable", logx.Err(err))
	}

	var err error
	if s.fpFile, err = openAppend(fpPath); err != nil {
		return nil, err
	}
	if s.journalFile, err = openAppend(journalPath); err != nil {
		_ = s.fpFile.Close()
		return nil, err
	}
	if s.auditFile, err = openAppend(prefix + ".audit.jsonl"); err != nil {
		_ = s.fpFile.Close()
		_ = s.journalFile.Close()
		return nil, err
	}
	log.Debug("file store opened", logx.String("prefix", prefix), logx.Int("fingerprints", len(fps)), logx.Int("queued", len(subs)))
	return s, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for _, f := range []*os.File{s.fpFile, s.journalFile, s.auditFile} {
		if f != nil {
			errs = append(errs, f.Close())
		}
	}
	s.fpFile, s.journalFile, s.auditFile = nil, nil, nil
	return errors.Join(errs...)
}

func (s *fileStore) HasFingerprint(ctx context.Context, fp string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fpFile == nil {
		return false, ErrClosed
	}
	_, ok := s.fps[strings.TrimSpace(fp)]
	return ok, nil
}

func (s *fileStore) AddFingerprints(ctx context.Context, fps []string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fpFile == nil {
		return ErrClosed
	}
	enc := json.NewEncoder(s.fpFile)
	ms := at.UnixMilli()
	for _, fp := range fps {
		fp = strings.TrimSpace(fp)
		if fp == "" {
			continue
		}
		if _, ok := s.fps[fp]; ok {
			continue
		}
		if err := enc.Encode(fingerprintLine{FP: fp, At: ms}); err != nil {
			return err
		}
		s.fps[fp] = ms
	}
	return s.fpFile.Sync()
}

func (s *fileStore) SaveSubmission(ctx context.Context, rec SubmissionRecord) error {
	if strings.TrimSpace(rec.ID) == "" {
		return errors.New("submission id required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.appendJournalLocked(journalLine{Op: "put", ID: rec.ID, Rec: &rec}); err != nil {
		return err
	}
	s.subs[rec.ID] = rec
	return nil
}

func (s *fileStore) DeleteSubmission(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subs[id]; !ok {
		return nil
	}
	if err := s.appendJournalLocked(journalLine{Op: "del", ID: id}); err != nil {
		return err
	}
	delete(s.subs, id)
	return nil
}

func (s *fileStore) appendJournalLocked(l journalLine) error {
	if s.journalFile == nil {
		return ErrClosed
	}
	if err := json.NewEncoder(s.journalFile).Encode(l); err != nil {
		return err
	}
	if err := s.journalFile.Sync(); err != nil {
		return err
	}
	s.journalWrites++
	if s.journalWrites%compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("queue compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) LoadSubmissions(ctx context.Context) ([]SubmissionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return nil, ErrClosed
	}
	out := make([]SubmissionRecord, 0, len(s.subs))
	for _, r := range s.subs {
		out = append(out, r)
	}
	sortRecords(out)
	return out, nil
}

func (s *fileStore) PutDispatch(ctx context.Context, rec DispatchRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return ErrClosed
	}
	if err := writeJSONAtomic(s.dispatchPath, rec); err != nil {
		return err
	}
	s.dispatch = &rec
	return nil
}

func (s *fileStore) GetDispatch(ctx context.Context) (DispatchRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return DispatchRecord{}, false, ErrClosed
	}
	if s.dispatch == nil {
		return DispatchRecord{}, false, nil
	}
	return *s.dispatch, true, nil
}

func (s *fileStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return ErrClosed
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	return json.NewEncoder(s.auditFile).Encode(e)
}

func (s *fileStore) Compact(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return ErrClosed
	}
	return s.compactLocked()
}

func (s *fileStore) compactLocked() error {
	recs := make([]SubmissionRecord, 0, len(s.subs))
	for _, r := range s.subs {
		recs = append(recs, r)
	}
	sortRecords(recs)
	if err := writeJSONAtomic(s.snapshotPath, recs); err != nil {
		return err
	}
	if err := s.journalFile.Truncate(0); err != nil {
		return err
	}
	_, err := s.journalFile.Seek(0, 2)
	return err
}

func writeJSONAtomic(path string, v any) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(v); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// openAppend opens a JSONL file for appending. A torn last line left by a
// crash is terminated first so the next record starts on its own line.
func openAppend(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	if st.Size() == 0 {
		return f, nil
	}
	last := make([]byte, 1)
	if _, err := f.ReadAt(last, st.Size()-1); err != nil {
		_ = f.Close()
		return nil, err
	}
	if last[0] != '\n' {
		if _, err := f.Write([]byte{'\n'}); err != nil {
			_ = f.Close()
			return nil, err
		}
	}
	return f, nil
}

func loadFingerprints(path string, out map[string]int64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var l fingerprintLine
		if err := json.Unmarshal(sc.Bytes(), &l); err != nil || l.FP == "" {
			// A torn last line after a crash is expected; skip it.
			continue
		}
		out[l.FP] = l.At
	}
	return sc.Err()
}

func loadQueueSnapshot(path string, out map[string]SubmissionRecord) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var recs []SubmissionRecord
	if err := json.NewDecoder(f).Decode(&recs); err != nil {
		return err
	}
	for _, r := range recs {
		out[r.ID] = r
	}
	return nil
}

func replayQueueJournal(path string, out map[string]SubmissionRecord) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	// Submission payloads carry full item lists; allow long lines.
	sc.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for sc.Scan() {
		var l journalLine
		if err := json.Unmarshal(sc.Bytes(), &l); err != nil || l.ID == "" {
			continue
		}
		switch l.Op {
		case "put":
			if l.Rec != nil {
				out[l.ID] = *l.Rec
			}
		case "del":
			delete(out, l.ID)
		}
	}
	return sc.Err()
}

func loadDispatch(path string) (DispatchRecord, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return DispatchRecord{}, err
	}
	var rec DispatchRecord
	err = json.Unmarshal(b, &rec)
	return rec, err
}
