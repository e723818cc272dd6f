package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "tgrelay/pkg/logx"
)

// Store is the persistence API used by the relay engine and the command router.
type Store interface {
	HasFingerprint(ctx context.Context, fp string) (bool, error)
	AddFingerprints(ctx context.Context, fps []string, at time.Time) error

	SaveSubmission(ctx context.Context, rec SubmissionRecord) error
	DeleteSubmission(ctx context.Context, id string) error
	LoadSubmissions(ctx context.Context) ([]SubmissionRecord, error)

	PutDispatch(ctx context.Context, rec DispatchRecord) error
	GetDispatch(ctx context.Context) (rec DispatchRecord, ok bool, err error)

	AppendAudit(ctx context.Context, e AuditEntry) error

	// Compact rewrites journals into snapshots. Backends without journals return nil.
	Compact(ctx context.Context) error
	Close() error
}

// Open initializes the configured store. An empty driver selects "file".
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "", "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "memory", "mem":
		return NewMemory(), nil
	case "none":
		return nil, ErrDisabled
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
