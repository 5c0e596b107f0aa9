package store

import (
	"time"
)

// FileRecord statuses.
const (
	FileStatusActive  = "active"
	FileStatusMissing = "missing"
	FileStatusDamaged = "damaged"
	FileStatusStale   = "stale"
)

// Duplicate relation types. RelationNear is schema-reserved for a future
// similarity stage and is never populated by the core.
const (
	RelationExact = "exact"
	RelationNear  = "near"
)

// Run statuses.
const (
	RunStatusQueued    = "queued"
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
	RunStatusCancelled = "cancelled"
)

// Task statuses.
const (
	TaskStatusPending   = "pending"
	TaskStatusRunning   = "running"
	TaskStatusSucceeded = "succeeded"
	TaskStatusFailed    = "failed"
	TaskStatusCancelled = "cancelled"
)

// Event levels.
const (
	EventLevelInfo  = "info"
	EventLevelWarn  = "warn"
	EventLevelError = "error"
)

// Event types form a fixed taxonomy so consumers can filter without
// parsing free text.
const (
	EventRunStarted       = "run_started"
	EventRunCompleted     = "run_completed"
	EventRunFailed        = "run_failed"
	EventRunCancelled     = "run_cancelled"
	EventTaskStarted      = "task_started"
	EventTaskCompleted    = "task_completed"
	EventTaskFailed       = "task_failed"
	EventTaskCancelled    = "task_cancelled"
	EventProgress         = "progress"
	EventPermissionDenied = "permission_denied"
	EventIOError          = "io_error"
	EventSymlinkLoop      = "symlink_loop"
	EventParserFailure    = "parser_failure"
	EventLockTimeout      = "lock_timeout"
)

// FileRecord is one observed file. Records are never hard-deleted, only
// re-flagged via Status on later scans.
type FileRecord struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	Path         string    `gorm:"uniqueIndex;not null" json:"path"`
	ContentHash  string    `gorm:"index;not null" json:"content_hash"`
	Size         int64     `json:"size"`
	MTime        time.Time `json:"mtime"`
	Mime         string    `json:"mime,omitempty"`
	Status       string    `gorm:"index;not null" json:"status"`
	MetadataJSON string    `gorm:"type:text" json:"-"`
	MetaComplete bool      `json:"meta_complete"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// TableName maps FileRecord to the files_index table.
func (FileRecord) TableName() string { return "files_index" }

// ManifestEntry is the last-known identity fingerprint for a path,
// driving the skip-vs-reprocess decision on re-scans. The mtime is
// stored as unix nanoseconds so equality survives the database round
// trip exactly.
type ManifestEntry struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	Root        string    `gorm:"index;not null" json:"root"`
	Path        string    `gorm:"uniqueIndex;not null" json:"path"`
	ContentHash string    `gorm:"not null" json:"content_hash"`
	Size        int64     `json:"size"`
	MTime       int64     `gorm:"not null" json:"mtime_ns"`
	RunID       string    `gorm:"index;not null" json:"run_id"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// TableName maps ManifestEntry to the scan_manifest table.
func (ManifestEntry) TableName() string { return "scan_manifest" }

// DuplicateRelationship links a duplicate FileRecord to its canonical
// representative. The canonical side never has an outgoing link itself.
type DuplicateRelationship struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	CanonicalID  uint      `gorm:"index;not null" json:"canonical_id"`
	DuplicateID  uint      `gorm:"uniqueIndex;not null" json:"duplicate_id"`
	RelationType string    `gorm:"not null" json:"relation_type"`
	CreatedAt    time.Time `json:"created_at"`
}

// TableName maps DuplicateRelationship to file_duplicate_relationships.
func (DuplicateRelationship) TableName() string {
	return "file_duplicate_relationships"
}

// Run is one orchestrated job instance.
type Run struct {
	ID              string     `gorm:"primaryKey" json:"id"`
	Type            string     `gorm:"not null" json:"type"`
	Status          string     `gorm:"index;not null" json:"status"`
	CancelRequested bool       `json:"cancel_requested"`
	ScheduleName    string     `gorm:"index" json:"schedule_name,omitempty"`
	CreatedAt       time.Time  `gorm:"index" json:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`

	Tasks []Task `gorm:"foreignKey:RunID" json:"tasks,omitempty"`
}

// TableName maps Run to the runs table.
func (Run) TableName() string { return "runs" }

// Task is one unit of work inside a Run, covering a single scan root.
type Task struct {
	ID          uint       `gorm:"primaryKey" json:"id"`
	RunID       string     `gorm:"index;not null" json:"run_id"`
	Root        string     `gorm:"not null" json:"root"`
	FiltersJSON string     `gorm:"type:text" json:"-"`
	Status      string     `gorm:"index;not null" json:"status"`
	Error       string     `json:"error,omitempty"`
	RetryCount  int        `json:"retry_count"`
	MetricsJSON string     `gorm:"type:text" json:"-"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// TableName maps Task to the tasks table.
func (Task) TableName() string { return "tasks" }

// Event is an append-only progress or diagnostic record. Events are
// never mutated after insert; their ids order them within a run.
type Event struct {
	ID      uint      `gorm:"primaryKey" json:"id"`
	RunID   string    `gorm:"index:idx_events_run_created;not null" json:"run_id"`
	TaskID  uint      `gorm:"index" json:"task_id,omitempty"`
	Level   string    `gorm:"index;not null" json:"level"`
	Type    string    `gorm:"index;not null" json:"type"`
	Payload string    `gorm:"type:text" json:"payload,omitempty"`
	At      time.Time `gorm:"index:idx_events_run_created" json:"at"`
}

// TableName maps Event to the events table.
func (Event) TableName() string { return "events" }

// Schedule is a recurring trigger definition. NextRunAt doubles as the
// claim column for the scheduler's conditional update.
type Schedule struct {
	ID          uint       `gorm:"primaryKey" json:"id"`
	Name        string     `gorm:"uniqueIndex;not null" json:"name"`
	CronSpec    string     `gorm:"not null" json:"cron_spec"`
	Root        string     `gorm:"not null" json:"root"`
	FiltersJSON string     `gorm:"type:text" json:"-"`
	Enabled     bool       `json:"enabled"`
	LastRunAt   *time.Time `json:"last_run_at,omitempty"`
	NextRunAt   time.Time  `gorm:"index" json:"next_run_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// TableName maps Schedule to the schedules table.
func (Schedule) TableName() string { return "schedules" }

// TaskMetrics aggregates per-path outcomes of a task. Per-file errors
// are absorbed here instead of failing the task.
type TaskMetrics struct {
	Discovered       int    `json:"discovered"`
	Processed        int    `json:"processed"`
	Skipped          int    `json:"skipped"`
	PermissionErrors int    `json:"permission_errors"`
	IOErrors         int    `json:"io_errors"`
	SymlinkLoops     int    `json:"symlink_loops"`
	ParserFailures   int    `json:"parser_failures"`
	BudgetExhausted  bool   `json:"budget_exhausted"`
	BudgetReason     string `json:"budget_reason,omitempty"`
}
