package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	logx "tgrelay/pkg/logx"
)

func openAll(t *testing.T) map[string]func() Store {
	t.Helper()
	dir := t.TempDir()
	return map[string]func() Store{
		"memory": func() Store { return NewMemory() },
		"file": func() Store {
			st, err := Open(Config{Driver: "file", Path: filepath.Join(dir, "file", "relay.db")}, logx.Nop())
			if err != nil {
				t.Fatalf("open file store: %v", err)
			}
			return st
		},
		"sqlite": func() Store {
			st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(dir, "sqlite", "relay.db")}, logx.Nop())
			if err != nil {
				t.Fatalf("open sqlite store: %v", err)
			}
			return st
		},
	}
}

func TestStoreFingerprints(t *testing.T) {
	t.Parallel()
	for name, open := range openAll(t) {
		name, open := name, open
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			st := open()
			defer st.Close()

			ok, err := st.HasFingerprint(ctx, "abc")
			if err != nil || ok {
				t.Fatalf("HasFingerprint before add = %v, %v", ok, err)
			}
			if err := st.AddFingerprints(ctx, []string{"abc", "def", "abc", ""}, time.Now()); err != nil {
				t.Fatalf("AddFingerprints: %v", err)
			}
			for _, fp := range []string{"abc", "def"} {
				ok, err := st.HasFingerprint(ctx, fp)
				if err != nil || !ok {
					t.Fatalf("HasFingerprint(%s) = %v, %v", fp, ok, err)
				}
			}
		})
	}
}

func TestStoreSubmissionsOrdered(t *testing.T) {
	t.Parallel()
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	for name, open := range openAll(t) {
		name, open := name, open
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			st := open()
			defer st.Close()

			recs := []SubmissionRecord{
				{ID: "c", State: "scheduled", FireAt: base.Add(time.Hour), CreatedAt: base, Seq: 3, Payload: []byte(`{}`)},
				{ID: "a", State: "scheduled", FireAt: base, CreatedAt: base, Seq: 1, Payload: []byte(`{}`)},
				{ID: "b", State: "scheduled", FireAt: base, CreatedAt: base, Seq: 2, Payload: []byte(`{}`)},
			}
			for _, r := range recs {
				if err := st.SaveSubmission(ctx, r); err != nil {
					t.Fatalf("SaveSubmission(%s): %v", r.ID, err)
				}
			}
			recs[0].State = "awaiting_approval"
			if err := st.SaveSubmission(ctx, recs[0]); err != nil {
				t.Fatalf("SaveSubmission update: %v", err)
			}
			if err := st.DeleteSubmission(ctx, "b"); err != nil {
				t.Fatalf("DeleteSubmission: %v", err)
			}

			got, err := st.LoadSubmissions(ctx)
			if err != nil {
				t.Fatalf("LoadSubmissions: %v", err)
			}
			if len(got) != 2 {
				t.Fatalf("len = %d, want 2", len(got))
			}
			if got[0].ID != "a" || got[1].ID != "c" {
				t.Fatalf("order = %s,%s, want a,c", got[0].ID, got[1].ID)
			}
			if got[1].State != "awaiting_approval" {
				t.Fatalf("State = %s, want awaiting_approval", got[1].State)
			}
			if !got[0].FireAt.Equal(base) {
				t.Fatalf("FireAt = %v, want %v", got[0].FireAt, base)
			}
		})
	}
}

func TestStoreDispatchRecord(t *testing.T) {
	t.Parallel()
	for name, open := range openAll(t) {
		name, open := name, open
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			st := open()
			defer st.Close()

			if _, ok, err := st.GetDispatch(ctx); err != nil || ok {
				t.Fatalf("GetDispatch empty = %v, %v", ok, err)
			}
			at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
			for _, ref := range []string{"first", "second"} {
				if err := st.PutDispatch(ctx, DispatchRecord{Ref: ref, Caption: "c", SubmissionID: "s", PublishedAt: at}); err != nil {
					t.Fatalf("PutDispatch: %v", err)
				}
			}
			rec, ok, err := st.GetDispatch(ctx)
			if err != nil || !ok {
				t.Fatalf("GetDispatch = %v, %v", ok, err)
			}
			if rec.Ref != "second" || !rec.PublishedAt.Equal(at) {
				t.Fatalf("unexpected dispatch record: %+v", rec)
			}
			if err := st.AppendAudit(ctx, AuditEntry{ActorID: 1, Action: "clear", OK: true}); err != nil {
				t.Fatalf("AppendAudit: %v", err)
			}
		})
	}
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	cfg := Config{Driver: "file", Path: filepath.Join(t.TempDir(), "relay.db")}
	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	st, err := Open(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	_ = st.AddFingerprints(ctx, []string{"fp1"}, at)
	_ = st.SaveSubmission(ctx, SubmissionRecord{ID: "keep", State: "scheduled", FireAt: at, CreatedAt: at, Seq: 1, Payload: []byte(`{"x":1}`)})
	_ = st.SaveSubmission(ctx, SubmissionRecord{ID: "gone", State: "scheduled", FireAt: at, CreatedAt: at, Seq: 2, Payload: []byte(`{}`)})
	if err := st.Compact(ctx); err != nil {
		t.Fatalf("Compact: %v", err)
	}
	_ = st.DeleteSubmission(ctx, "gone")
	_ = st.PutDispatch(ctx, DispatchRecord{Ref: "r", SubmissionID: "old", PublishedAt: at})
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	st, err = Open(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st.Close()
	if ok, _ := st.HasFingerprint(ctx, "fp1"); !ok {
		t.Fatal("fingerprint lost across reopen")
	}
	recs, err := st.LoadSubmissions(ctx)
	if err != nil {
		t.Fatalf("LoadSubmissions: %v", err)
	}
	if len(recs) != 1 || recs[0].ID != "keep" || string(recs[0].Payload) != `{"x":1}` {
		t.Fatalf("unexpected submissions after reopen: %+v", recs)
	}
	if rec, ok, _ := st.GetDispatch(ctx); !ok || rec.Ref != "r" {
		t.Fatalf("dispatch lost across reopen: %+v", rec)
	}
}

func TestFileStoreRecoversFromTornTail(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	dir := t.TempDir()
	cfg := Config{Driver: "file", Path: filepath.Join(dir, "relay.db")}
	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	torn := map[string]string{
		"relay.fingerprints.jsonl":  `{"fp":"half`,
		"relay.queue.journal.jsonl": `{"op":"put","id":"ha`,
	}
	for name, body := range torn {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o600); err != nil {
			t.Fatal(err)
		}
	}

	st, err := Open(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := st.AddFingerprints(ctx, []string{"fp1"}, at); err != nil {
		t.Fatalf("AddFingerprints: %v", err)
	}
	if err := st.SaveSubmission(ctx, SubmissionRecord{ID: "s1", State: "scheduled", FireAt: at, CreatedAt: at, Seq: 1, Payload: []byte(`{}`)}); err != nil {
		t.Fatalf("SaveSubmission: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	st, err = Open(cfg, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st.Close()
	if ok, _ := st.HasFingerprint(ctx, "fp1"); !ok {
		t.Fatal("fingerprint written after a torn line was lost")
	}
	recs, err := st.LoadSubmissions(ctx)
	if err != nil {
		t.Fatalf("LoadSubmissions: %v", err)
	}
	if len(recs) != 1 || recs[0].ID != "s1" {
		t.Fatalf("submissions after reopen = %+v, want [s1]", recs)
	}
}

func TestOpenDisabledAndUnknown(t *testing.T) {
	t.Parallel()
	if _, err := Open(Config{Driver: "none"}, logx.Nop()); err != ErrDisabled {
		t.Fatalf("none driver err = %v, want ErrDisabled", err)
	}
	if _, err := Open(Config{Driver: "bogus"}, logx.Nop()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}
