package store

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/curatorhq/curator/pkg/config"
)

// Store is the single persistence entry point. Every component accesses
// the database through it; the retry wrapper around writes is the sole
// serialization mechanism under concurrent writers.
type Store interface {
	Start(ctx context.Context) error
	Stop() error

	// WriteCount returns the number of successfully committed write
	// operations since Start. Used to verify idempotent re-scans.
	WriteCount() int64

	// Files and manifest.
	UpsertObservation(ctx context.Context, file *FileRecord, entry *ManifestEntry) error
	GetFileByPath(ctx context.Context, path string) (*FileRecord, error)
	GetManifestEntry(ctx context.Context, path string) (*ManifestEntry, error)
	CountManifestForRoot(ctx context.Context, root string) (int64, error)
	MarkFileStatus(ctx context.Context, path, status string) error

	// Duplicate relationships.
	ListActiveFileHashes(ctx context.Context) ([]FileHash, error)
	ReplaceExactDuplicates(ctx context.Context, rels []DuplicateRelationship) error
	ListDuplicatesOf(ctx context.Context, canonicalID uint) ([]DuplicateRelationship, error)
	ListDuplicateRelationships(ctx context.Context) ([]DuplicateRelationship, error)

	// Runs and tasks.
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, limit, offset int) ([]Run, error)
	ListRunsByStatus(ctx context.Context, status string) ([]Run, error)
	TransitionRun(ctx context.Context, id string, from []string, to string) error
	RequestCancel(ctx context.Context, id string) error
	CancelRequested(ctx context.Context, id string) (bool, error)
	GetTask(ctx context.Context, id uint) (*Task, error)
	ListTasks(ctx context.Context, runID string) ([]Task, error)
	TransitionTask(ctx context.Context, id uint, from []string, to, errMsg string) error
	SetTaskMetrics(ctx context.Context, id uint, metrics string) error
	ResetTaskForRetry(ctx context.Context, runID string, id uint, maxRetries int) error

	// Events.
	AppendEvent(ctx context.Context, event *Event) error
	ListEvents(ctx context.Context, runID string, filter EventFilter) ([]Event, int64, error)

	// Schedules.
	UpsertSchedule(ctx context.Context, sched *Schedule) error
	ListSchedules(ctx context.Context) ([]Schedule, error)
	GetScheduleByName(ctx context.Context, name string) (*Schedule, error)
	ListDueSchedules(ctx context.Context, now time.Time) ([]Schedule, error)
	ClaimDueSchedule(ctx context.Context, id uint, now, nextRun time.Time) (bool, error)
}

// EventFilter narrows and paginates event listings.
type EventFilter struct {
	Level  string
	Type   string
	After  *time.Time
	Before *time.Time
	Limit  int
	Offset int
}

// FileHash pairs a file record id with its content hash for grouping.
type FileHash struct {
	ID          uint
	ContentHash string
}

// Compile-time interface check.
var _ Store = (*store)(nil)

type store struct {
	log         logrus.FieldLogger
	cfg         *config.DatabaseConfig
	db          *gorm.DB
	maxAttempts int
	backoff     time.Duration
	writes      atomic.Int64
}

// NewStore creates a new Store backed by the configured database driver.
func NewStore(log logrus.FieldLogger, cfg *config.DatabaseConfig) Store {
	maxAttempts := cfg.Retry.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = config.DefaultRetryAttempts
	}

	backoff, err := time.ParseDuration(cfg.Retry.Backoff)
	if err != nil || backoff <= 0 {
		backoff, _ = time.ParseDuration(config.DefaultRetryBackoff)
	}

	return &store{
		log:         log.WithField("component", "store"),
		cfg:         cfg,
		maxAttempts: maxAttempts,
		backoff:     backoff,
	}
}

// Start opens the database connection and runs migrations.
func (s *store) Start(ctx context.Context) error {
	var dialector gorm.Dialector

	gormCfg := &gorm.Config{
		Logger: logger.Discard,
	}

	switch s.cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(s.sqliteDSN())
	case "postgres":
		dsn := fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			s.cfg.Postgres.Host,
			s.cfg.Postgres.Port,
			s.cfg.Postgres.User,
			s.cfg.Postgres.Password,
			s.cfg.Postgres.Database,
			s.cfg.Postgres.SSLMode,
		)
		dialector = postgres.Open(dsn)
	default:
		return fmt.Errorf("unsupported database driver: %s", s.cfg.Driver)
	}

	db, err := gorm.Open(dialector, gormCfg)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}

	s.db = db

	if err := s.migrate(ctx); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	s.log.WithField("driver", s.cfg.Driver).Info("Database connected")

	return nil
}

// sqliteDSN builds the SQLite DSN with WAL and busy-timeout pragmas
// applied at connection time.
func (s *store) sqliteDSN() string {
	busy, err := time.ParseDuration(s.cfg.BusyTimeout)
	if err != nil || busy <= 0 {
		busy, _ = time.ParseDuration(config.DefaultBusyTimeout)
	}

	return fmt.Sprintf(
		"%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=foreign_keys(1)",
		s.cfg.SQLite.Path,
		busy.Milliseconds(),
	)
}

// Stop closes the database connection.
func (s *store) Stop() error {
	if s.db == nil {
		return nil
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying database: %w", err)
	}

	if err := sqlDB.Close(); err != nil {
		return fmt.Errorf("closing database: %w", err)
	}

	s.log.Info("Database closed")

	return nil
}

// WriteCount returns the number of committed write operations.
func (s *store) WriteCount() int64 {
	return s.writes.Load()
}

// execWrite runs fn under the bounded retry policy for the busy/locked
// error class. Retry exhaustion yields KindLockTimeout; any other error
// is KindFatal and propagates immediately.
func (s *store) execWrite(ctx context.Context, fn func(tx *gorm.DB) error) error {
	backoff := s.backoff

	var lastErr error

	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		err := fn(s.db.WithContext(ctx))
		if err == nil {
			s.writes.Add(1)

			return nil
		}

		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrInvalidTransition) {
			return err
		}

		if !isBusy(err) {
			return &Error{Kind: KindFatal, Err: err}
		}

		lastErr = err

		if attempt == s.maxAttempts {
			break
		}

		s.log.WithError(err).
			WithField("attempt", attempt).
			Debug("Write retry on lock contention")

		select {
		case <-ctx.Done():
			return &Error{Kind: KindFatal, Err: ctx.Err()}
		case <-time.After(backoff):
		}

		backoff *= 2
	}

	return &Error{Kind: KindLockTimeout, Err: lastErr}
}
