package domain

// Role is the closed set of account roles. Owners own a tenancy; operators
// are employed by exactly one owner and execute assigned tasks.
type Role string

const (
	RoleOwner    Role = "owner"
	RoleOperator Role = "operator"
)

func (r Role) Valid() bool {
	switch r {
	case RoleOwner, RoleOperator:
		return true
	}
	return false
}

// TaskStatus is the task lifecycle state.
type TaskStatus string

const (
	StatusPending             TaskStatus = "pending"
	StatusInProgress          TaskStatus = "in_progress"
	StatusPendingVerification TaskStatus = "pending_verification"
	StatusCompleted           TaskStatus = "completed"
	StatusRequiresAttention   TaskStatus = "requires_attention"
)

func (s TaskStatus) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusPendingVerification, StatusCompleted, StatusRequiresAttention:
		return true
	}
	return false
}

// Priority orders tasks; higher rank surfaces first in listings.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// Rank maps priority to a sortable ordinal (critical highest).
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 4
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 1
	}
	return 0
}

type Account struct {
	ID           string  `json:"id"`
	Email        string  `json:"email"`
	Name         string  `json:"name"`
	Role         Role    `json:"role" enum:"owner,operator"`
	EmployerID   *string `json:"employer_id,omitempty"`
	PasswordHash string  `json:"-"`
	Active       bool    `json:"active"`
	CreatedAt    string  `json:"created_at" format:"date-time"`
	UpdatedAt    string  `json:"updated_at" format:"date-time"`
}

type Property struct {
	ID        string `json:"id"`
	OwnerID   string `json:"owner_id"`
	Name      string `json:"name"`
	Address   string `json:"address,omitempty"`
	Active    bool   `json:"active"`
	CreatedAt string `json:"created_at" format:"date-time"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

type AssetType struct {
	ID        string `json:"id"`
	OwnerID   string `json:"owner_id"`
	Name      string `json:"name"`
	Category  string `json:"category,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Asset struct {
	ID         string `json:"id"`
	OwnerID    string `json:"owner_id"`
	TypeID     string `json:"type_id"`
	PropertyID string `json:"property_id"`
	Name       string `json:"name"`
	Status     string `json:"status" enum:"operational,degraded,out_of_service"`
	Active     bool   `json:"active"`
	CreatedAt  string `json:"created_at" format:"date-time"`
	UpdatedAt  string `json:"updated_at" format:"date-time"`
}

// Task is the central entity: a unit of maintenance work scoped to an owner,
// assigned to one operator, and proven complete with a verification photo.
type Task struct {
	ID                string     `json:"id"`
	OwnerID           string     `json:"owner_id"`
	Title             string     `json:"title"`
	Description       string     `json:"description,omitempty"`
	AssetID           string     `json:"asset_id"`
	PropertyID        string     `json:"property_id"`
	AssigneeID        string     `json:"assignee_id"`
	Priority          Priority   `json:"priority" enum:"low,medium,high,critical"`
	Status            TaskStatus `json:"status" enum:"pending,in_progress,pending_verification,completed,requires_attention"`
	ScheduledDate     string     `json:"scheduled_date" format:"date-time"`
	EstimatedMinutes  int        `json:"estimated_minutes,omitempty"`
	ActualStart       *string    `json:"actual_start,omitempty" format:"date-time"`
	ActualEnd         *string    `json:"actual_end,omitempty" format:"date-time"`
	EvidenceURL       *string    `json:"evidence_url,omitempty"`
	CompletionNotes   *string    `json:"completion_notes,omitempty"`
	VerifiedBy        *string    `json:"verified_by,omitempty"`
	VerifiedAt        *string    `json:"verified_at,omitempty" format:"date-time"`
	VerificationNotes *string    `json:"verification_notes,omitempty"`
	RejectionReason   *string    `json:"rejection_reason,omitempty"`
	IssueID           *string    `json:"issue_id,omitempty"`
	Active            bool       `json:"active"`
	CreatedAt         string     `json:"created_at" format:"date-time"`
	UpdatedAt         string     `json:"updated_at" format:"date-time"`
}

// IssueStatus is the resident-reported issue state.
type IssueStatus string

const (
	IssueOpen      IssueStatus = "open"
	IssueConverted IssueStatus = "converted"
	IssueDismissed IssueStatus = "dismissed"
)

type Issue struct {
	ID              string      `json:"id"`
	OwnerID         string      `json:"owner_id"`
	PropertyID      string      `json:"property_id"`
	Title           string      `json:"title"`
	Description     string      `json:"description,omitempty"`
	ReporterName    string      `json:"reporter_name,omitempty"`
	ReporterContact string      `json:"reporter_contact,omitempty"`
	Status          IssueStatus `json:"status" enum:"open,converted,dismissed"`
	TaskID          *string     `json:"task_id,omitempty"`
	CreatedAt       string      `json:"created_at" format:"date-time"`
	UpdatedAt       string      `json:"updated_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	OwnerID    string `json:"owner_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	AccountID string `json:"account_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
