package engine

import (
	"context"

	"github.com/google/uuid"

	"upkeep/internal/auth"
	"upkeep/internal/domain"
	"upkeep/internal/events"
	"upkeep/internal/repo"
)

// --- properties ---

type PropertyParams struct {
	Name    string
	Address string
}

func (e *Engine) CreateProperty(ctx context.Context, p *auth.Principal, params PropertyParams) (domain.Property, error) {
	if err := auth.RequireRole(p, domain.RoleOwner); err != nil {
		return domain.Property{}, err
	}
	if params.Name == "" {
		return domain.Property{}, ValidationError{Msg: "name is required"}
	}
	now := e.now()
	prop := domain.Property{
		ID:        uuid.NewString(),
		OwnerID:   p.AccountID,
		Name:      params.Name,
		Address:   params.Address,
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Property{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertProperty(ctx, tx, prop); err != nil {
		return domain.Property{}, err
	}
	if err := e.Events.Append(ctx, tx, "property.created", p.AccountID, "property", prop.ID, p.AccountID, nil); err != nil {
		return domain.Property{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Property{}, err
	}
	return prop, nil
}

func (e *Engine) GetProperty(ctx context.Context, p *auth.Principal, id string) (domain.Property, error) {
	scope, err := auth.ScopeFilter(p)
	if err != nil {
		return domain.Property{}, err
	}
	return e.Repo.GetProperty(ctx, scope, id)
}

func (e *Engine) ListProperties(ctx context.Context, p *auth.Principal) ([]domain.Property, error) {
	scope, err := auth.ScopeFilter(p)
	if err != nil {
		return nil, err
	}
	return e.Repo.ListProperties(ctx, scope)
}

func (e *Engine) UpdateProperty(ctx context.Context, p *auth.Principal, id string, params PropertyParams) (domain.Property, error) {
	if err := auth.RequireRole(p, domain.RoleOwner); err != nil {
		return domain.Property{}, err
	}
	prop, err := e.Repo.GetProperty(ctx, p.AccountID, id)
	if err != nil {
		return domain.Property{}, err
	}
	if params.Name != "" {
		prop.Name = params.Name
	}
	if params.Address != "" {
		prop.Address = params.Address
	}
	prop.UpdatedAt = e.now()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Property{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateProperty(ctx, tx, prop); err != nil {
		return domain.Property{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Property{}, err
	}
	return prop, nil
}

// --- asset types ---

type AssetTypeParams struct {
	Name     string
	Category string
}

func (e *Engine) CreateAssetType(ctx context.Context, p *auth.Principal, params AssetTypeParams) (domain.AssetType, error) {
	if err := auth.RequireRole(p, domain.RoleOwner); err != nil {
		return domain.AssetType{}, err
	}
	if params.Name == "" {
		return domain.AssetType{}, ValidationError{Msg: "name is required"}
	}
	t := domain.AssetType{
		ID:        uuid.NewString(),
		OwnerID:   p.AccountID,
		Name:      params.Name,
		Category:  params.Category,
		CreatedAt: e.now(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.AssetType{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertAssetType(ctx, tx, t); err != nil {
		return domain.AssetType{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.AssetType{}, err
	}
	return t, nil
}

func (e *Engine) ListAssetTypes(ctx context.Context, p *auth.Principal) ([]domain.AssetType, error) {
	scope, err := auth.ScopeFilter(p)
	if err != nil {
		return nil, err
	}
	return e.Repo.ListAssetTypes(ctx, scope)
}

// --- assets ---

type AssetParams struct {
	TypeID     string
	PropertyID string
	Name       string
	Status     string
}

func (e *Engine) CreateAsset(ctx context.Context, p *auth.Principal, params AssetParams) (domain.Asset, error) {
	if err := auth.RequireRole(p, domain.RoleOwner); err != nil {
		return domain.Asset{}, err
	}
	if params.Name == "" {
		return domain.Asset{}, ValidationError{Msg: "name is required"}
	}
	if _, err := e.Repo.GetAssetType(ctx, p.AccountID, params.TypeID); err != nil {
		if err == repo.ErrNotFound {
			return domain.Asset{}, InvalidReferenceError{Kind: "asset type", ID: params.TypeID}
		}
		return domain.Asset{}, err
	}
	if _, err := e.Repo.GetProperty(ctx, p.AccountID, params.PropertyID); err != nil {
		if err == repo.ErrNotFound {
			return domain.Asset{}, InvalidReferenceError{Kind: "property", ID: params.PropertyID}
		}
		return domain.Asset{}, err
	}
	if params.Status == "" {
		params.Status = "operational"
	}
	now := e.now()
	asset := domain.Asset{
		ID:         uuid.NewString(),
		OwnerID:    p.AccountID,
		TypeID:     params.TypeID,
		PropertyID: params.PropertyID,
		Name:       params.Name,
		Status:     params.Status,
		Active:     true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Asset{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertAsset(ctx, tx, asset); err != nil {
		return domain.Asset{}, err
	}
	if err := e.Events.Append(ctx, tx, "asset.created", p.AccountID, "asset", asset.ID, p.AccountID, nil); err != nil {
		return domain.Asset{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Asset{}, err
	}
	return asset, nil
}

func (e *Engine) GetAsset(ctx context.Context, p *auth.Principal, id string) (domain.Asset, error) {
	scope, err := auth.ScopeFilter(p)
	if err != nil {
		return domain.Asset{}, err
	}
	return e.Repo.GetAsset(ctx, scope, id)
}

func (e *Engine) ListAssets(ctx context.Context, p *auth.Principal, propertyID string) ([]domain.Asset, error) {
	scope, err := auth.ScopeFilter(p)
	if err != nil {
		return nil, err
	}
	return e.Repo.ListAssets(ctx, scope, propertyID)
}

// --- issues ---

type ReportIssueParams struct {
	OwnerID         string
	PropertyID      string
	Title           string
	Description     string
	ReporterName    string
	ReporterContact string
}

// ReportIssue records a resident-reported problem. It is the one
// unauthenticated write: residents have no accounts, so the intake form
// names the property and the owning tenant is derived from it.
func (e *Engine) ReportIssue(ctx context.Context, params ReportIssueParams) (domain.Issue, error) {
	if params.Title == "" {
		return domain.Issue{}, ValidationError{Msg: "title is required"}
	}
	prop, err := e.Repo.GetProperty(ctx, params.OwnerID, params.PropertyID)
	if err != nil {
		if err == repo.ErrNotFound {
			return domain.Issue{}, InvalidReferenceError{Kind: "property", ID: params.PropertyID}
		}
		return domain.Issue{}, err
	}
	now := e.now()
	issue := domain.Issue{
		ID:              uuid.NewString(),
		OwnerID:         prop.OwnerID,
		PropertyID:      prop.ID,
		Title:           params.Title,
		Description:     params.Description,
		ReporterName:    params.ReporterName,
		ReporterContact: params.ReporterContact,
		Status:          domain.IssueOpen,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Issue{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertIssue(ctx, tx, issue); err != nil {
		return domain.Issue{}, err
	}
	if err := e.Events.Append(ctx, tx, "issue.reported", issue.OwnerID, "issue", issue.ID, "resident", nil); err != nil {
		return domain.Issue{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Issue{}, err
	}
	return issue, nil
}

func (e *Engine) GetIssue(ctx context.Context, p *auth.Principal, id string) (domain.Issue, error) {
	if err := auth.RequireRole(p, domain.RoleOwner); err != nil {
		return domain.Issue{}, err
	}
	return e.Repo.GetIssue(ctx, p.AccountID, id)
}

func (e *Engine) ListIssues(ctx context.Context, p *auth.Principal, status domain.IssueStatus) ([]domain.Issue, error) {
	if err := auth.RequireRole(p, domain.RoleOwner); err != nil {
		return nil, err
	}
	return e.Repo.ListIssues(ctx, p.AccountID, status)
}

type ConvertIssueParams struct {
	AssetID          string
	AssigneeID       string
	Priority         domain.Priority
	ScheduledDate    string
	EstimatedMinutes int
}

// ConvertIssue turns an open issue into a pending task in one transaction.
// The issue flips to converted and records the task it became; an issue that
// is no longer open conflicts.
func (e *Engine) ConvertIssue(ctx context.Context, p *auth.Principal, issueID string, params ConvertIssueParams) (domain.Task, error) {
	if err := auth.RequireRole(p, domain.RoleOwner); err != nil {
		return domain.Task{}, err
	}
	issue, err := e.Repo.GetIssue(ctx, p.AccountID, issueID)
	if err != nil {
		return domain.Task{}, err
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
		Title:            issue.Title,
		Description:      issue.Description,
		AssetID:          asset.ID,
		PropertyID:       asset.PropertyID,
		AssigneeID:       params.AssigneeID,
		Priority:         params.Priority,
		Status:           domain.StatusPending,
		ScheduledDate:    params.ScheduledDate,
		EstimatedMinutes: params.EstimatedMinutes,
		IssueID:          &issue.ID,
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
	if err := e.Repo.ResolveIssueCAS(ctx, tx, p.AccountID, issue.ID, domain.IssueConverted, &task.ID, now); err != nil {
		if err == repo.ErrNotFound {
			tx.Rollback()
			return domain.Task{}, e.issueConflict(ctx, p.AccountID, issue.ID)
		}
		return domain.Task{}, err
	}
	if err := e.Events.Append(ctx, tx, "issue.converted", p.AccountID, "issue", issue.ID, p.AccountID,
		events.EventPayload{"task_id": task.ID}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return task, nil
}

// DismissIssue closes an open issue without creating work.
func (e *Engine) DismissIssue(ctx context.Context, p *auth.Principal, id string) (domain.Issue, error) {
	if err := auth.RequireRole(p, domain.RoleOwner); err != nil {
		return domain.Issue{}, err
	}
	if _, err := e.Repo.GetIssue(ctx, p.AccountID, id); err != nil {
		return domain.Issue{}, err
	}
	now := e.now()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Issue{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.ResolveIssueCAS(ctx, tx, p.AccountID, id, domain.IssueDismissed, nil, now); err != nil {
		if err == repo.ErrNotFound {
			tx.Rollback()
			return domain.Issue{}, e.issueConflict(ctx, p.AccountID, id)
		}
		return domain.Issue{}, err
	}
	if err := e.Events.Append(ctx, tx, "issue.dismissed", p.AccountID, "issue", id, p.AccountID, nil); err != nil {
		return domain.Issue{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Issue{}, err
	}
	return e.Repo.GetIssue(ctx, p.AccountID, id)
}

// issueConflict re-reads a contended issue to report its actual status.
func (e *Engine) issueConflict(ctx context.Context, ownerID, id string) error {
	issue, err := e.Repo.GetIssue(ctx, ownerID, id)
	if err != nil {
		return err
	}
	return StateConflictError{Current: string(issue.Status)}
}

// --- dashboard and audit ---

func (e *Engine) Dashboard(ctx context.Context, p *auth.Principal) (repo.DashboardCounts, error) {
	if err := auth.RequireRole(p, domain.RoleOwner); err != nil {
		return repo.DashboardCounts{}, err
	}
	return e.Repo.DashboardCounts(ctx, p.AccountID, e.now())
}

func (e *Engine) ListEvents(ctx context.Context, p *auth.Principal, entityKind, entityID string, limit int) ([]domain.Event, error) {
	if err := auth.RequireRole(p, domain.RoleOwner); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return e.Repo.ListEvents(ctx, p.AccountID, entityKind, entityID, limit)
}
