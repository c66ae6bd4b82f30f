package server

import (
	"time"

	"upkeep/internal/domain"
	"upkeep/internal/repo"
)

type SignupRequest struct {
	Email    string `json:"email" format:"email"`
	Name     string `json:"name"`
	Password string `json:"password"`
}

type LoginRequest struct {
	Email    string `json:"email" format:"email"`
	Password string `json:"password"`
}

type LoginResponse struct {
	Token     string          `json:"token"`
	ExpiresAt string          `json:"expires_at" format:"date-time"`
	Account   AccountResponse `json:"account"`
}

type AccountResponse struct {
	ID         string  `json:"id"`
	Email      string  `json:"email"`
	Name       string  `json:"name"`
	Role       string  `json:"role" enum:"owner,operator"`
	EmployerID *string `json:"employer_id,omitempty"`
	Active     bool    `json:"active"`
	CreatedAt  string  `json:"created_at" format:"date-time"`
}

func accountResponse(a domain.Account) AccountResponse {
	return AccountResponse{
		ID:         a.ID,
		Email:      a.Email,
		Name:       a.Name,
		Role:       string(a.Role),
		EmployerID: a.EmployerID,
		Active:     a.Active,
		CreatedAt:  a.CreatedAt,
	}
}

type CreateOperatorRequest struct {
	Email    string `json:"email" format:"email"`
	Name     string `json:"name"`
	Password string `json:"password"`
}

type CreateAPIKeyRequest struct {
	Name string `json:"name,omitempty"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
	Key       string `json:"key,omitempty"`
}

type PropertyRequest struct {
	Name    string `json:"name"`
	Address string `json:"address,omitempty"`
}

type AssetTypeRequest struct {
	Name     string `json:"name"`
	Category string `json:"category,omitempty"`
}

type AssetRequest struct {
	TypeID     string `json:"type_id"`
	PropertyID string `json:"property_id"`
	Name       string `json:"name"`
	Status     string `json:"status,omitempty" enum:"operational,degraded,out_of_service"`
}

type CreateTaskRequest struct {
	Title            string  `json:"title"`
	Description      *string `json:"description,omitempty"`
	AssetID          string  `json:"asset_id"`
	AssigneeID       string  `json:"assignee_id"`
	Priority         *string `json:"priority,omitempty" enum:"low,medium,high,critical"`
	ScheduledDate    string  `json:"scheduled_date" format:"date-time"`
	EstimatedMinutes *int    `json:"estimated_minutes,omitempty"`
}

type UpdateTaskRequest struct {
	Title            *string `json:"title,omitempty"`
	Description      *string `json:"description,omitempty"`
	AssetID          *string `json:"asset_id,omitempty"`
	AssigneeID       *string `json:"assignee_id,omitempty"`
	Priority         *string `json:"priority,omitempty" enum:"low,medium,high,critical"`
	ScheduledDate    *string `json:"scheduled_date,omitempty" format:"date-time"`
	EstimatedMinutes *int    `json:"estimated_minutes,omitempty"`
}

type SubmitTaskRequest struct {
	EvidenceURL     string  `json:"evidence_url"`
	CompletionNotes *string `json:"completion_notes,omitempty"`
}

type VerifyTaskRequest struct {
	Approve bool    `json:"approve"`
	Notes   *string `json:"notes,omitempty"`
	Reason  string  `json:"reason,omitempty"`
}

// TaskResponse mirrors the task row plus two derived fields: the actual
// working duration once both timestamps exist, and overdue status against
// the schedule.
type TaskResponse struct {
	ID                    string  `json:"id"`
	OwnerID               string  `json:"owner_id"`
	Title                 string  `json:"title"`
	Description           string  `json:"description,omitempty"`
	AssetID               string  `json:"asset_id"`
	PropertyID            string  `json:"property_id"`
	AssigneeID            string  `json:"assignee_id"`
	Priority              string  `json:"priority" enum:"low,medium,high,critical"`
	Status                string  `json:"status" enum:"pending,in_progress,pending_verification,completed,requires_attention"`
	ScheduledDate         string  `json:"scheduled_date" format:"date-time"`
	EstimatedMinutes      int     `json:"estimated_minutes,omitempty"`
	ActualStart           *string `json:"actual_start,omitempty" format:"date-time"`
	ActualEnd             *string `json:"actual_end,omitempty" format:"date-time"`
	ActualDurationMinutes *int    `json:"actual_duration_minutes,omitempty"`
	IsOverdue             bool    `json:"is_overdue"`
	EvidenceURL           *string `json:"evidence_url,omitempty"`
	CompletionNotes       *string `json:"completion_notes,omitempty"`
	VerifiedBy            *string `json:"verified_by,omitempty"`
	VerifiedAt            *string `json:"verified_at,omitempty" format:"date-time"`
	VerificationNotes     *string `json:"verification_notes,omitempty"`
	RejectionReason       *string `json:"rejection_reason,omitempty"`
	IssueID               *string `json:"issue_id,omitempty"`
	CreatedAt             string  `json:"created_at" format:"date-time"`
	UpdatedAt             string  `json:"updated_at" format:"date-time"`
}

func taskResponse(t domain.Task, now time.Time) TaskResponse {
	resp := TaskResponse{
		ID:                t.ID,
		OwnerID:           t.OwnerID,
		Title:             t.Title,
		Description:       t.Description,
		AssetID:           t.AssetID,
		PropertyID:        t.PropertyID,
		AssigneeID:        t.AssigneeID,
		Priority:          string(t.Priority),
		Status:            string(t.Status),
		ScheduledDate:     t.ScheduledDate,
		EstimatedMinutes:  t.EstimatedMinutes,
		ActualStart:       t.ActualStart,
		ActualEnd:         t.ActualEnd,
		EvidenceURL:       t.EvidenceURL,
		CompletionNotes:   t.CompletionNotes,
		VerifiedBy:        t.VerifiedBy,
		VerifiedAt:        t.VerifiedAt,
		VerificationNotes: t.VerificationNotes,
		RejectionReason:   t.RejectionReason,
		IssueID:           t.IssueID,
		CreatedAt:         t.CreatedAt,
		UpdatedAt:         t.UpdatedAt,
	}
	if t.ActualStart != nil && t.ActualEnd != nil {
		start, errS := time.Parse(time.RFC3339, *t.ActualStart)
		end, errE := time.Parse(time.RFC3339, *t.ActualEnd)
		if errS == nil && errE == nil && !end.Before(start) {
			minutes := int(end.Sub(start) / time.Minute)
			resp.ActualDurationMinutes = &minutes
		}
	}
	if t.Status != domain.StatusCompleted {
		if due, err := time.Parse(time.RFC3339, t.ScheduledDate); err == nil && now.After(due) {
			resp.IsOverdue = true
		}
	}
	return resp
}

func taskResponses(tasks []domain.Task, now time.Time) []TaskResponse {
	out := make([]TaskResponse, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, taskResponse(t, now))
	}
	return out
}

type ReportIssueRequest struct {
	OwnerID         string `json:"owner_id"`
	PropertyID      string `json:"property_id"`
	Title           string `json:"title"`
	Description     string `json:"description,omitempty"`
	ReporterName    string `json:"reporter_name,omitempty"`
	ReporterContact string `json:"reporter_contact,omitempty"`
}

type ConvertIssueRequest struct {
	AssetID          string  `json:"asset_id"`
	AssigneeID       string  `json:"assignee_id"`
	Priority         *string `json:"priority,omitempty" enum:"low,medium,high,critical"`
	ScheduledDate    string  `json:"scheduled_date" format:"date-time"`
	EstimatedMinutes *int    `json:"estimated_minutes,omitempty"`
}

type UploadSlotRequest struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type,omitempty"`
}

type DashboardResponse struct {
	TasksByStatus map[string]int `json:"tasks_by_status" jsonschema:"type=object,additionalProperties=true"`
	OpenIssues    int            `json:"open_issues"`
	OverdueTasks  int            `json:"overdue_tasks"`
	Assets        int            `json:"assets"`
}

func dashboardResponse(c repo.DashboardCounts) DashboardResponse {
	return DashboardResponse{
		TasksByStatus: c.TasksByStatus,
		OpenIssues:    c.OpenIssues,
		OverdueTasks:  c.Overdue,
		Assets:        c.Assets,
	}
}

func stringOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func intOrZero(n *int) int {
	if n == nil {
		return 0
	}
	return *n
}

func priorityOrEmpty(s *string) domain.Priority {
	if s == nil {
		return ""
	}
	return domain.Priority(*s)
}
