package repo

import (
	"context"
	"database/sql"

	"upkeep/internal/domain"
)

const taskCols = `id,owner_id,title,description,asset_id,property_id,assignee_id,priority,status,scheduled_date,
estimated_minutes,actual_start,actual_end,evidence_url,completion_notes,verified_by,verified_at,verification_notes,
rejection_reason,issue_id,active,created_at,updated_at`

func scanTask(row interface{ Scan(...any) error }) (domain.Task, error) {
	var t domain.Task
	var desc sql.NullString
	var estMinutes sql.NullInt64
	var actualStart, actualEnd, evidence, completion, verifiedBy, verifiedAt, verification, rejection, issueID sql.NullString
	var active int
	err := row.Scan(&t.ID, &t.OwnerID, &t.Title, &desc, &t.AssetID, &t.PropertyID, &t.AssigneeID,
		&t.Priority, &t.Status, &t.ScheduledDate, &estMinutes, &actualStart, &actualEnd, &evidence,
		&completion, &verifiedBy, &verifiedAt, &verification, &rejection, &issueID, &active, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return domain.Task{}, err
	}
	t.Description = fromNull(desc)
	if estMinutes.Valid {
		t.EstimatedMinutes = int(estMinutes.Int64)
	}
	t.ActualStart = ptrFromNull(actualStart)
	t.ActualEnd = ptrFromNull(actualEnd)
	t.EvidenceURL = ptrFromNull(evidence)
	t.CompletionNotes = ptrFromNull(completion)
	t.VerifiedBy = ptrFromNull(verifiedBy)
	t.VerifiedAt = ptrFromNull(verifiedAt)
	t.VerificationNotes = ptrFromNull(verification)
	t.RejectionReason = ptrFromNull(rejection)
	t.IssueID = ptrFromNull(issueID)
	t.Active = active == 1
	return t, nil
}

func (r *Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO tasks(`+taskCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.OwnerID, t.Title, nullable(t.Description), t.AssetID, t.PropertyID, t.AssigneeID,
		string(t.Priority), string(t.Status), t.ScheduledDate, nullableInt(t.EstimatedMinutes),
		nullablePtr(t.ActualStart), nullablePtr(t.ActualEnd), nullablePtr(t.EvidenceURL),
		nullablePtr(t.CompletionNotes), nullablePtr(t.VerifiedBy), nullablePtr(t.VerifiedAt),
		nullablePtr(t.VerificationNotes), nullablePtr(t.RejectionReason), nullablePtr(t.IssueID),
		boolInt(t.Active), t.CreatedAt, t.UpdatedAt)
	return err
}

// GetTask reads a task within the owning-tenant scope.
func (r *Repo) GetTask(ctx context.Context, ownerID, id string) (domain.Task, error) {
	row := r.DB.QueryRowContext(ctx,
		`SELECT `+taskCols+` FROM tasks WHERE id=? AND owner_id=? AND active=1`, id, ownerID)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return domain.Task{}, ErrNotFound
	}
	return t, err
}

// TaskFilters narrows task listings. AssigneeID is forced for operators by
// the engine; the rest are caller options.
type TaskFilters struct {
	Status     domain.TaskStatus
	Priority   domain.Priority
	PropertyID string
	AssetID    string
	AssigneeID string
}

// ListTasks returns active tasks in the tenant scope ordered by scheduled
// date ascending, then priority descending.
func (r *Repo) ListTasks(ctx context.Context, ownerID string, f TaskFilters) ([]domain.Task, error) {
	query := `SELECT ` + taskCols + ` FROM tasks WHERE owner_id=? AND active=1`
	args := []any{ownerID}
	if f.Status != "" {
		query += ` AND status=?`
		args = append(args, string(f.Status))
	}
	if f.Priority != "" {
		query += ` AND priority=?`
		args = append(args, string(f.Priority))
	}
	if f.PropertyID != "" {
		query += ` AND property_id=?`
		args = append(args, f.PropertyID)
	}
	if f.AssetID != "" {
		query += ` AND asset_id=?`
		args = append(args, f.AssetID)
	}
	if f.AssigneeID != "" {
		query += ` AND assignee_id=?`
		args = append(args, f.AssigneeID)
	}
	query += ` ORDER BY scheduled_date ASC,
		CASE priority WHEN 'critical' THEN 4 WHEN 'high' THEN 3 WHEN 'medium' THEN 2 WHEN 'low' THEN 1 ELSE 0 END DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// UpdateTaskFields rewrites the editable descriptive columns. Status columns
// are never touched here; transitions go through the CAS methods.
func (r *Repo) UpdateTaskFields(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE tasks SET title=?, description=?, asset_id=?, property_id=?, assignee_id=?, priority=?,
		 scheduled_date=?, estimated_minutes=?, updated_at=?
		 WHERE id=? AND owner_id=? AND active=1`,
		t.Title, nullable(t.Description), t.AssetID, t.PropertyID, t.AssigneeID, string(t.Priority),
		t.ScheduledDate, nullableInt(t.EstimatedMinutes), t.UpdatedAt, t.ID, t.OwnerID)
	if err != nil {
		return err
	}
	return oneRow(res)
}

func (r *Repo) SoftDeleteTask(ctx context.Context, tx *sql.Tx, ownerID, id, updatedAt string) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE tasks SET active=0, updated_at=? WHERE id=? AND owner_id=? AND active=1`,
		updatedAt, id, ownerID)
	if err != nil {
		return err
	}
	return oneRow(res)
}

// Each transition below is a single conditional UPDATE keyed on id, tenant
// scope and the expected current status. Zero rows affected means the guard
// failed; the caller re-reads to tell a missing task from a state conflict.

// StartTaskCAS moves pending -> in_progress and stamps the actual start.
func (r *Repo) StartTaskCAS(ctx context.Context, tx *sql.Tx, ownerID, id, now string) (bool, error) {
	res, err := tx.ExecContext(ctx,
		`UPDATE tasks SET status=?, actual_start=?, updated_at=?
		 WHERE id=? AND owner_id=? AND status=? AND active=1`,
		string(domain.StatusInProgress), now, now, id, ownerID, string(domain.StatusPending))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// SubmitTaskCAS moves in_progress -> pending_verification with the evidence
// URL, completion notes and actual end.
func (r *Repo) SubmitTaskCAS(ctx context.Context, tx *sql.Tx, ownerID, id, evidenceURL string, notes *string, now string) (bool, error) {
	res, err := tx.ExecContext(ctx,
		`UPDATE tasks SET status=?, evidence_url=?, completion_notes=?, actual_end=?, updated_at=?
		 WHERE id=? AND owner_id=? AND status=? AND active=1`,
		string(domain.StatusPendingVerification), evidenceURL, nullablePtr(notes), now, now,
		id, ownerID, string(domain.StatusInProgress))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ApproveTaskCAS moves pending_verification -> completed, records the
// verifier and clears any rejection reason from a prior round.
func (r *Repo) ApproveTaskCAS(ctx context.Context, tx *sql.Tx, ownerID, id, verifierID string, notes *string, now string) (bool, error) {
	res, err := tx.ExecContext(ctx,
		`UPDATE tasks SET status=?, verified_by=?, verified_at=?, verification_notes=?, rejection_reason=NULL, updated_at=?
		 WHERE id=? AND owner_id=? AND status=? AND active=1`,
		string(domain.StatusCompleted), verifierID, now, nullablePtr(notes), now,
		id, ownerID, string(domain.StatusPendingVerification))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// RejectTaskCAS moves pending_verification -> requires_attention, records the
// verifier's notes and replaces the rejection reason.
func (r *Repo) RejectTaskCAS(ctx context.Context, tx *sql.Tx, ownerID, id, verifierID string, notes *string, reason, now string) (bool, error) {
	res, err := tx.ExecContext(ctx,
		`UPDATE tasks SET status=?, verified_by=?, verified_at=?, verification_notes=?, rejection_reason=?, updated_at=?
		 WHERE id=? AND owner_id=? AND status=? AND active=1`,
		string(domain.StatusRequiresAttention), verifierID, now, nullablePtr(notes), reason, now,
		id, ownerID, string(domain.StatusPendingVerification))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ResumeTaskCAS moves requires_attention -> in_progress for a rework round.
func (r *Repo) ResumeTaskCAS(ctx context.Context, tx *sql.Tx, ownerID, id, now string) (bool, error) {
	res, err := tx.ExecContext(ctx,
		`UPDATE tasks SET status=?, updated_at=?
		 WHERE id=? AND owner_id=? AND status=? AND active=1`,
		string(domain.StatusInProgress), now, id, ownerID, string(domain.StatusRequiresAttention))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func nullableInt(n int) any {
	if n == 0 {
		return nil
	}
	return n
}
