package engine

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"upkeep/internal/auth"
	"upkeep/internal/domain"
	"upkeep/internal/events"
	"upkeep/internal/repo"
)

type CreateTaskParams struct {
	Title            string
	Description      string
	AssetID          string
	AssigneeID       string
	Priority         domain.Priority
	ScheduledDate    string
	EstimatedMinutes int
}

// CreateTask creates a pending task. The asset and the assigned operator
// must both resolve inside the caller's tenancy; the property is derived
// from the asset.
func (e *Engine) CreateTask(ctx context.Context, p *auth.Principal, params CreateTaskParams) (domain.Task, error) {
	if err := auth.RequireRole(p, domain.RoleOwner); err != nil {
		return domain.Task{}, err
	}
	if params.Title == "" {
		return domain.Task{}, ValidationError{Msg: "title is required"}
	}
	if params.ScheduledDate == "" {
		return domain.Task{}, ValidationError{Msg: "scheduled_date is required"}
	}
	if params.Priority == "" {
		params.Priority = domain.PriorityMedium
	}
	if !params.Priority.Valid() {
		return domain.Task{}, ValidationError{Msg: "invalid priority"}
	}
	asset, err := e.Repo.GetAsset(ctx, p.AccountID, params.AssetID)
	if err == repo.ErrNotFound {
		return domain.Task{}, InvalidReferenceError{Kind: "asset", ID: params.AssetID}
	}
	if err != nil {
		return domain.Task{}, err
	}
	if _, err := e.Repo.GetOperator(ctx, p.AccountID, params.AssigneeID); err != nil {
		if err == repo.ErrNotFound {
			return domain.Task{}, InvalidReferenceError{Kind: "operator", ID: params.AssigneeID}
		}
		return domain.Task{}, err
	}
	now := e.now()
	task := domain.Task{
		ID:               uuid.NewString(),
		OwnerID:          p.AccountID,
		Title:            params.Title,
		Description:      params.Description,
		AssetID:          asset.ID,
		PropertyID:       asset.PropertyID,
		AssigneeID:       params.AssigneeID,
		Priority:         params.Priority,
		Status:           domain.StatusPending,
		ScheduledDate:    params.ScheduledDate,
		EstimatedMinutes: params.EstimatedMinutes,
		Active:           true,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertTask(ctx, tx, task); err != nil {
		return domain.Task{}, err
	}
	if err := e.Events.Append(ctx, tx, "task.created", p.AccountID, "task", task.ID, p.AccountID,
		events.EventPayload{"assignee_id": task.AssigneeID, "priority": string(task.Priority)}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	e.Log.Info("task created", zap.String("task_id", task.ID), zap.String("owner_id", p.AccountID))
	return task, nil
}

// GetTask reads a task. Operators only see tasks assigned to them; a task
// outside the assignment reads as missing.
func (e *Engine) GetTask(ctx context.Context, p *auth.Principal, id string) (domain.Task, error) {
	scope, err := auth.ScopeFilter(p)
	if err != nil {
		return domain.Task{}, err
	}
	task, err := e.Repo.GetTask(ctx, scope, id)
	if err != nil {
		return domain.Task{}, err
	}
	if p.Role == domain.RoleOperator && task.AssigneeID != p.AccountID {
		return domain.Task{}, repo.ErrNotFound
	}
	return task, nil
}

// ListTasks lists tasks in the tenant scope. Operators are pinned to their
// own assignments regardless of requested filters.
func (e *Engine) ListTasks(ctx context.Context, p *auth.Principal, f repo.TaskFilters) ([]domain.Task, error) {
	scope, err := auth.ScopeFilter(p)
	if err != nil {
		return nil, err
	}
	if f.Status != "" && !f.Status.Valid() {
		return nil, ValidationError{Msg: "invalid status filter"}
	}
	if f.Priority != "" && !f.Priority.Valid() {
		return nil, ValidationError{Msg: "invalid priority filter"}
	}
	if p.Role == domain.RoleOperator {
		f.AssigneeID = p.AccountID
	}
	return e.Repo.ListTasks(ctx, scope, f)
}

type UpdateTaskParams struct {
	Title            *string
	Description      *string
	AssetID          *string
	AssigneeID       *string
	Priority         *domain.Priority
	ScheduledDate    *string
	EstimatedMinutes *int
}

// UpdateTask edits descriptive fields. It never moves the task through the
// lifecycle; status, evidence and verification columns stay untouched.
func (e *Engine) UpdateTask(ctx context.Context, p *auth.Principal, id string, params UpdateTaskParams) (domain.Task, error) {
	if err := auth.RequireRole(p, domain.RoleOwner); err != nil {
		return domain.Task{}, err
	}
	task, err := e.Repo.GetTask(ctx, p.AccountID, id)
	if err != nil {
		return domain.Task{}, err
	}
	if params.Title != nil {
		if *params.Title == "" {
			return domain.Task{}, ValidationError{Msg: "title must not be empty"}
		}
		task.Title = *params.Title
	}
	if params.Description != nil {
		task.Description = *params.Description
	}
	if params.AssetID != nil {
		asset, err := e.Repo.GetAsset(ctx, p.AccountID, *params.AssetID)
		if err == repo.ErrNotFound {
			return domain.Task{}, InvalidReferenceError{Kind: "asset", ID: *params.AssetID}
		}
		if err != nil {
			return domain.Task{}, err
		}
		task.AssetID = asset.ID
		task.PropertyID = asset.PropertyID
	}
	if params.AssigneeID != nil {
		if _, err := e.Repo.GetOperator(ctx, p.AccountID, *params.AssigneeID); err != nil {
			if err == repo.ErrNotFound {
				return domain.Task{}, InvalidReferenceError{Kind: "operator", ID: *params.AssigneeID}
			}
			return domain.Task{}, err
		}
		task.AssigneeID = *params.AssigneeID
	}
	if params.Priority != nil {
		if !params.Priority.Valid() {
			return domain.Task{}, ValidationError{Msg: "invalid priority"}
		}
		task.Priority = *params.Priority
	}
	if params.ScheduledDate != nil {
		if *params.ScheduledDate == "" {
			return domain.Task{}, ValidationError{Msg: "scheduled_date must not be empty"}
		}
		task.ScheduledDate = *params.ScheduledDate
	}
	if params.EstimatedMinutes != nil {
		task.EstimatedMinutes = *params.EstimatedMinutes
	}
	task.UpdatedAt = e.now()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateTaskFields(ctx, tx, task); err != nil {
		return domain.Task{}, err
	}
	if err := e.Events.Append(ctx, tx, "task.updated", p.AccountID, "task", task.ID, p.AccountID, nil); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return task, nil
}

// DeleteTask soft-deletes a task. Deleted tasks disappear from reads and
// listings but their audit trail stays.
func (e *Engine) DeleteTask(ctx context.Context, p *auth.Principal, id string) error {
	if err := auth.RequireRole(p, domain.RoleOwner); err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.SoftDeleteTask(ctx, tx, p.AccountID, id, e.now()); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "task.deleted", p.AccountID, "task", id, p.AccountID, nil); err != nil {
		return err
	}
	return tx.Commit()
}

// loadAssigned resolves the task and enforces the assignment gate for
// lifecycle actions.
func (e *Engine) loadAssigned(ctx context.Context, p *auth.Principal, id string) (domain.Task, error) {
	scope, err := auth.ScopeFilter(p)
	if err != nil {
		return domain.Task{}, err
	}
	task, err := e.Repo.GetTask(ctx, scope, id)
	if err != nil {
		return domain.Task{}, err
	}
	if err := auth.RequireAssignment(*p, task); err != nil {
		return domain.Task{}, err
	}
	return task, nil
}

// stateConflict re-reads the task after a failed compare-and-swap to report
// the status it actually holds. A vanished row reads as missing.
func (e *Engine) stateConflict(ctx context.Context, scope, id string) error {
	task, err := e.Repo.GetTask(ctx, scope, id)
	if err != nil {
		return err
	}
	return StateConflictError{Current: string(task.Status)}
}

// StartTask moves a pending task to in_progress. The owning owner or the
// assigned operator may start work.
func (e *Engine) StartTask(ctx context.Context, p *auth.Principal, id string) (domain.Task, error) {
	if err := auth.RequireRole(p, domain.RoleOwner, domain.RoleOperator); err != nil {
		return domain.Task{}, err
	}
	task, err := e.loadAssigned(ctx, p, id)
	if err != nil {
		return domain.Task{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	ok, err := e.Repo.StartTaskCAS(ctx, tx, task.OwnerID, id, e.now())
	if err != nil {
		return domain.Task{}, err
	}
	if !ok {
		tx.Rollback()
		return domain.Task{}, e.stateConflict(ctx, task.OwnerID, id)
	}
	if err := e.Events.Append(ctx, tx, "task.started", task.OwnerID, "task", id, p.AccountID, nil); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return e.Repo.GetTask(ctx, task.OwnerID, id)
}

type SubmitParams struct {
	EvidenceURL     string
	CompletionNotes *string
}

// SubmitForVerification moves an in_progress task to pending_verification.
// The evidence URL must point into the trusted evidence domain.
func (e *Engine) SubmitForVerification(ctx context.Context, p *auth.Principal, id string, params SubmitParams) (domain.Task, error) {
	if err := auth.RequireRole(p, domain.RoleOperator); err != nil {
		return domain.Task{}, err
	}
	if params.EvidenceURL == "" {
		return domain.Task{}, ValidationError{Msg: "evidence_url is required"}
	}
	if !e.trustedEvidenceURL(params.EvidenceURL) {
		return domain.Task{}, ValidationError{Msg: "evidence_url is not from the trusted evidence domain"}
	}
	task, err := e.loadAssigned(ctx, p, id)
	if err != nil {
		return domain.Task{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	ok, err := e.Repo.SubmitTaskCAS(ctx, tx, task.OwnerID, id, params.EvidenceURL, params.CompletionNotes, e.now())
	if err != nil {
		return domain.Task{}, err
	}
	if !ok {
		tx.Rollback()
		return domain.Task{}, e.stateConflict(ctx, task.OwnerID, id)
	}
	if err := e.Events.Append(ctx, tx, "task.submitted", task.OwnerID, "task", id, p.AccountID,
		events.EventPayload{"evidence_url": params.EvidenceURL}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return e.Repo.GetTask(ctx, task.OwnerID, id)
}

func (e *Engine) trustedEvidenceURL(url string) bool {
	if e.TrustedEvidencePrefix == "" {
		return false
	}
	return strings.HasPrefix(url, e.TrustedEvidencePrefix+"/")
}

type VerifyParams struct {
	Approve bool
	Notes   *string
	Reason  string
}

// VerifyTask resolves a pending_verification task. Approval completes it and
// clears any rejection reason from an earlier round; rejection sends it to
// requires_attention with a mandatory reason.
func (e *Engine) VerifyTask(ctx context.Context, p *auth.Principal, id string, params VerifyParams) (domain.Task, error) {
	if err := auth.RequireRole(p, domain.RoleOwner); err != nil {
		return domain.Task{}, err
	}
	if !params.Approve && strings.TrimSpace(params.Reason) == "" {
		return domain.Task{}, ValidationError{Msg: "rejection requires a reason"}
	}
	if _, err := e.Repo.GetTask(ctx, p.AccountID, id); err != nil {
		return domain.Task{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	var ok bool
	var evtType string
	if params.Approve {
		ok, err = e.Repo.ApproveTaskCAS(ctx, tx, p.AccountID, id, p.AccountID, params.Notes, e.now())
		evtType = "task.approved"
	} else {
		ok, err = e.Repo.RejectTaskCAS(ctx, tx, p.AccountID, id, p.AccountID, params.Notes, params.Reason, e.now())
		evtType = "task.rejected"
	}
	if err != nil {
		return domain.Task{}, err
	}
	if !ok {
		tx.Rollback()
		return domain.Task{}, e.stateConflict(ctx, p.AccountID, id)
	}
	payload := events.EventPayload{"approved": params.Approve}
	if !params.Approve {
		payload["reason"] = params.Reason
	}
	if err := e.Events.Append(ctx, tx, evtType, p.AccountID, "task", id, p.AccountID, payload); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	e.Log.Info("task verified", zap.String("task_id", id), zap.Bool("approved", params.Approve))
	return e.Repo.GetTask(ctx, p.AccountID, id)
}

// ResumeTask moves a requires_attention task back to in_progress for rework.
// The owner or the assigned operator may resume it.
func (e *Engine) ResumeTask(ctx context.Context, p *auth.Principal, id string) (domain.Task, error) {
	if err := auth.RequireRole(p, domain.RoleOwner, domain.RoleOperator); err != nil {
		return domain.Task{}, err
	}
	task, err := e.loadAssigned(ctx, p, id)
	if err != nil {
		return domain.Task{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	ok, err := e.Repo.ResumeTaskCAS(ctx, tx, task.OwnerID, id, e.now())
	if err != nil {
		return domain.Task{}, err
	}
	if !ok {
		tx.Rollback()
		return domain.Task{}, e.stateConflict(ctx, task.OwnerID, id)
	}
	if err := e.Events.Append(ctx, tx, "task.resumed", task.OwnerID, "task", id, p.AccountID, nil); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return e.Repo.GetTask(ctx, task.OwnerID, id)
}
