package models

import "time"

// UserKind distinguishes student and teacher records inside one run.
type UserKind string

const (
	UserKindStudent UserKind = "student"
	UserKindTeacher UserKind = "teacher"
)

// UserState tracks which pipeline phases a record has completed. Flags are
// monotonic for the lifetime of one record: a completed phase is never redone.
type UserState struct {
	Registered   bool `json:"registered"`
	LoggedIn     bool `json:"logged_in"`
	EquipmentSet bool `json:"equipment_set"`
	PhoneUpdated bool `json:"phone_updated"`
	AddedToClass bool `json:"added_to_class"`
	RoleAssigned bool `json:"role_assigned"`
}

// UserRecord is one student or teacher row flowing through the pipeline.
// Phases operate on copies and return the updated value; a record is only
// written back to the working set once its phase step has finished.
type UserRecord struct {
	Kind              UserKind  `json:"kind"`
	Username          string    `json:"username"`
	ActualUsername    string    `json:"actual_username,omitempty"`
	DisplayName       string    `json:"display_name"`
	ActualDisplayName string    `json:"actual_display_name,omitempty"`
	LoginDisplayName  string    `json:"login_display_name,omitempty"`
	Password          string    `json:"password"`
	ClassName         string    `json:"class_name,omitempty"`
	PhoneNumber       string    `json:"phone_number,omitempty"`
	Grade             int       `json:"grade,omitempty"`
	Age               int       `json:"age,omitempty"`
	UserID            string    `json:"user_id,omitempty"`
	AccessToken       string    `json:"-"`
	FailureReason     string    `json:"failure_reason,omitempty"`
	RetryCount        int       `json:"retry_count,omitempty"`
	State             UserState `json:"state"`
}

// Failed reports whether the record carries a recorded failure.
func (u UserRecord) Failed() bool {
	return u.FailureReason != ""
}

// ClassRecord is one target class. Name carries the school prefix and grade
// label and is what the remote system sees; SourceName is the bare label from
// the roster sheet that student rows reference.
type ClassRecord struct {
	Name          string   `json:"name"`
	SourceName    string   `json:"source_name,omitempty"`
	Grade         int      `json:"grade"`
	GroupID       string   `json:"group_id,omitempty"`
	ClassID       string   `json:"class_id,omitempty"`
	StudentIDs    []string `json:"student_ids,omitempty"`
	TeacherIDs    []string `json:"teacher_ids,omitempty"`
	Existing      bool     `json:"existing"`
	FailureReason string   `json:"failure_reason,omitempty"`
}

// MatchName returns the label student rows carry for this class.
func (c ClassRecord) MatchName() string {
	if c.SourceName != "" {
		return c.SourceName
	}
	return c.Name
}

// MigrationResult aggregates the outcome of one run.
type MigrationResult struct {
	Students        []UserRecord  `json:"students"`
	Teachers        []UserRecord  `json:"teachers"`
	Classes         []ClassRecord `json:"classes"`
	FailedUsers     []UserRecord  `json:"failed_users"`
	FailedClasses   []ClassRecord `json:"failed_classes"`
	RoleAssignError string        `json:"role_assign_error,omitempty"`
}

// MigrationStatus is the lifecycle of a run as seen by the controller.
type MigrationStatus string

const (
	StatusIdle      MigrationStatus = "IDLE"
	StatusRunning   MigrationStatus = "RUNNING"
	StatusPaused    MigrationStatus = "PAUSED"
	StatusCancelled MigrationStatus = "CANCELLED"
	StatusCompleted MigrationStatus = "COMPLETED"
	StatusFailed    MigrationStatus = "FAILED"
)

// MigrationPhase names the sequential pipeline stages.
type MigrationPhase string

const (
	PhaseRegistration   MigrationPhase = "registration"
	PhaseLogin          MigrationPhase = "login"
	PhaseInitialization MigrationPhase = "initialization"
	PhaseClasses        MigrationPhase = "classes"
	PhaseRoles          MigrationPhase = "roles"
)

// MigrationProgress is a point-in-time snapshot pushed to progress consumers.
// Counts are totals for the current phase, not deltas.
type MigrationProgress struct {
	Status     MigrationStatus `json:"status"`
	Phase      MigrationPhase  `json:"phase"`
	Processed  int             `json:"processed"`
	Total      int             `json:"total"`
	Students   []UserRecord    `json:"students"`
	Teachers   []UserRecord    `json:"teachers"`
	Classes    []ClassRecord   `json:"classes"`
	Failed     []UserRecord    `json:"failed"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// MigrationRun is the persisted job row for one migration execution.
type MigrationRun struct {
	ID            string          `db:"id" json:"id"`
	SchoolPrefix  string          `db:"school_prefix" json:"school_prefix"`
	Status        MigrationStatus `db:"status" json:"status"`
	Phase         MigrationPhase  `db:"phase" json:"phase"`
	StudentCount  int             `db:"student_count" json:"student_count"`
	TeacherCount  int             `db:"teacher_count" json:"teacher_count"`
	ClassCount    int             `db:"class_count" json:"class_count"`
	FailedCount   int             `db:"failed_count" json:"failed_count"`
	SnapshotPath  *string         `db:"snapshot_path" json:"snapshot_path,omitempty"`
	ErrorMessage  *string         `db:"error_message" json:"error_message,omitempty"`
	RetryOfRunID  *string         `db:"retry_of_run_id" json:"retry_of_run_id,omitempty"`
	CreatedBy     string          `db:"created_by" json:"created_by"`
	CreatedAt     time.Time       `db:"created_at" json:"created_at"`
	StartedAt     *time.Time      `db:"started_at" json:"started_at,omitempty"`
	FinishedAt    *time.Time      `db:"finished_at" json:"finished_at,omitempty"`
}

// MigrationRunFilter captures list criteria for run history.
type MigrationRunFilter struct {
	Status   *MigrationStatus
	Prefix   string
	Page     int
	PageSize int
}
