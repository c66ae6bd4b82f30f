package repo

import (
	"context"
	"database/sql"
	"errors"

	"upkeep/internal/domain"
)

// ErrNotFound is returned when a row does not exist within the caller's
// tenant scope. Callers cannot distinguish "missing" from "other tenant".
var ErrNotFound = errors.New("not found")

type Repo struct {
	DB *sql.DB
}

func New(db *sql.DB) *Repo {
	return &Repo{DB: db}
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullablePtr(s *string) any {
	if s == nil || *s == "" {
		return nil
	}
	return *s
}

func fromNull(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}

func ptrFromNull(ns sql.NullString) *string {
	if ns.Valid {
		v := ns.String
		return &v
	}
	return nil
}

// --- accounts ---

const accountCols = `id,email,name,role,employer_id,password_hash,active,created_at,updated_at`

func scanAccount(row interface{ Scan(...any) error }) (domain.Account, error) {
	var a domain.Account
	var employer sql.NullString
	var active int
	err := row.Scan(&a.ID, &a.Email, &a.Name, &a.Role, &employer, &a.PasswordHash, &active, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return domain.Account{}, err
	}
	a.EmployerID = ptrFromNull(employer)
	a.Active = active == 1
	return a, nil
}

func (r *Repo) InsertAccount(ctx context.Context, tx *sql.Tx, a domain.Account) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO accounts(`+accountCols+`) VALUES (?,?,?,?,?,?,?,?,?)`,
		a.ID, a.Email, a.Name, string(a.Role), nullablePtr(a.EmployerID), a.PasswordHash, boolInt(a.Active), a.CreatedAt, a.UpdatedAt)
	return err
}

func (r *Repo) GetAccount(ctx context.Context, id string) (domain.Account, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+accountCols+` FROM accounts WHERE id=?`, id)
	a, err := scanAccount(row)
	if err == sql.ErrNoRows {
		return domain.Account{}, ErrNotFound
	}
	return a, err
}

func (r *Repo) GetAccountByEmail(ctx context.Context, email string) (domain.Account, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+accountCols+` FROM accounts WHERE email=?`, email)
	a, err := scanAccount(row)
	if err == sql.ErrNoRows {
		return domain.Account{}, ErrNotFound
	}
	return a, err
}

// GetOperator resolves an active operator employed by the given owner. Used
// to validate task assignment; a missing or cross-tenant operator is not
// distinguishable.
func (r *Repo) GetOperator(ctx context.Context, ownerID, operatorID string) (domain.Account, error) {
	row := r.DB.QueryRowContext(ctx,
		`SELECT `+accountCols+` FROM accounts WHERE id=? AND role='operator' AND employer_id=? AND active=1`,
		operatorID, ownerID)
	a, err := scanAccount(row)
	if err == sql.ErrNoRows {
		return domain.Account{}, ErrNotFound
	}
	return a, err
}

func (r *Repo) ListOperators(ctx context.Context, ownerID string) ([]domain.Account, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT `+accountCols+` FROM accounts WHERE role='operator' AND employer_id=? AND active=1 ORDER BY name ASC`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *Repo) UpdateAccount(ctx context.Context, tx *sql.Tx, a domain.Account) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE accounts SET email=?, name=?, active=?, updated_at=? WHERE id=?`,
		a.Email, a.Name, boolInt(a.Active), a.UpdatedAt, a.ID)
	if err != nil {
		return err
	}
	return oneRow(res)
}

// --- properties ---

const propertyCols = `id,owner_id,name,address,active,created_at,updated_at`

func scanProperty(row interface{ Scan(...any) error }) (domain.Property, error) {
	var p domain.Property
	var address sql.NullString
	var active int
	err := row.Scan(&p.ID, &p.OwnerID, &p.Name, &address, &active, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return domain.Property{}, err
	}
	p.Address = fromNull(address)
	p.Active = active == 1
	return p, nil
}

func (r *Repo) InsertProperty(ctx context.Context, tx *sql.Tx, p domain.Property) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO properties(`+propertyCols+`) VALUES (?,?,?,?,?,?,?)`,
		p.ID, p.OwnerID, p.Name, nullable(p.Address), boolInt(p.Active), p.CreatedAt, p.UpdatedAt)
	return err
}

func (r *Repo) GetProperty(ctx context.Context, ownerID, id string) (domain.Property, error) {
	row := r.DB.QueryRowContext(ctx,
		`SELECT `+propertyCols+` FROM properties WHERE id=? AND owner_id=? AND active=1`, id, ownerID)
	p, err := scanProperty(row)
	if err == sql.ErrNoRows {
		return domain.Property{}, ErrNotFound
	}
	return p, err
}

func (r *Repo) ListProperties(ctx context.Context, ownerID string) ([]domain.Property, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT `+propertyCols+` FROM properties WHERE owner_id=? AND active=1 ORDER BY name ASC`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Property
	for rows.Next() {
		p, err := scanProperty(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *Repo) UpdateProperty(ctx context.Context, tx *sql.Tx, p domain.Property) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE properties SET name=?, address=?, active=?, updated_at=? WHERE id=? AND owner_id=?`,
		p.Name, nullable(p.Address), boolInt(p.Active), p.UpdatedAt, p.ID, p.OwnerID)
	if err != nil {
		return err
	}
	return oneRow(res)
}

// --- asset types ---

const assetTypeCols = `id,owner_id,name,category,created_at`

func scanAssetType(row interface{ Scan(...any) error }) (domain.AssetType, error) {
	var t domain.AssetType
	var category sql.NullString
	err := row.Scan(&t.ID, &t.OwnerID, &t.Name, &category, &t.CreatedAt)
	if err != nil {
		return domain.AssetType{}, err
	}
	t.Category = fromNull(category)
	return t, nil
}

func (r *Repo) InsertAssetType(ctx context.Context, tx *sql.Tx, t domain.AssetType) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO asset_types(`+assetTypeCols+`) VALUES (?,?,?,?,?)`,
		t.ID, t.OwnerID, t.Name, nullable(t.Category), t.CreatedAt)
	return err
}

func (r *Repo) GetAssetType(ctx context.Context, ownerID, id string) (domain.AssetType, error) {
	row := r.DB.QueryRowContext(ctx,
		`SELECT `+assetTypeCols+` FROM asset_types WHERE id=? AND owner_id=?`, id, ownerID)
	t, err := scanAssetType(row)
	if err == sql.ErrNoRows {
		return domain.AssetType{}, ErrNotFound
	}
	return t, err
}

func (r *Repo) ListAssetTypes(ctx context.Context, ownerID string) ([]domain.AssetType, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT `+assetTypeCols+` FROM asset_types WHERE owner_id=? ORDER BY name ASC`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.AssetType
	for rows.Next() {
		t, err := scanAssetType(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// --- assets ---

const assetCols = `id,owner_id,type_id,property_id,name,status,active,created_at,updated_at`

func scanAsset(row interface{ Scan(...any) error }) (domain.Asset, error) {
	var a domain.Asset
	var active int
	err := row.Scan(&a.ID, &a.OwnerID, &a.TypeID, &a.PropertyID, &a.Name, &a.Status, &active, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return domain.Asset{}, err
	}
	a.Active = active == 1
	return a, nil
}

func (r *Repo) InsertAsset(ctx context.Context, tx *sql.Tx, a domain.Asset) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO assets(`+assetCols+`) VALUES (?,?,?,?,?,?,?,?,?)`,
		a.ID, a.OwnerID, a.TypeID, a.PropertyID, a.Name, a.Status, boolInt(a.Active), a.CreatedAt, a.UpdatedAt)
	return err
}

func (r *Repo) GetAsset(ctx context.Context, ownerID, id string) (domain.Asset, error) {
	row := r.DB.QueryRowContext(ctx,
		`SELECT `+assetCols+` FROM assets WHERE id=? AND owner_id=? AND active=1`, id, ownerID)
	a, err := scanAsset(row)
	if err == sql.ErrNoRows {
		return domain.Asset{}, ErrNotFound
	}
	return a, err
}

func (r *Repo) ListAssets(ctx context.Context, ownerID string, propertyID string) ([]domain.Asset, error) {
	query := `SELECT ` + assetCols + ` FROM assets WHERE owner_id=? AND active=1`
	args := []any{ownerID}
	if propertyID != "" {
		query += ` AND property_id=?`
		args = append(args, propertyID)
	}
	query += ` ORDER BY name ASC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Asset
	for rows.Next() {
		a, err := scanAsset(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *Repo) UpdateAsset(ctx context.Context, tx *sql.Tx, a domain.Asset) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE assets SET type_id=?, property_id=?, name=?, status=?, active=?, updated_at=? WHERE id=? AND owner_id=?`,
		a.TypeID, a.PropertyID, a.Name, a.Status, boolInt(a.Active), a.UpdatedAt, a.ID, a.OwnerID)
	if err != nil {
		return err
	}
	return oneRow(res)
}

// --- issues ---

const issueCols = `id,owner_id,property_id,title,description,reporter_name,reporter_contact,status,task_id,created_at,updated_at`

func scanIssue(row interface{ Scan(...any) error }) (domain.Issue, error) {
	var i domain.Issue
	var desc, reporterName, reporterContact, taskID sql.NullString
	err := row.Scan(&i.ID, &i.OwnerID, &i.PropertyID, &i.Title, &desc, &reporterName, &reporterContact, &i.Status, &taskID, &i.CreatedAt, &i.UpdatedAt)
	if err != nil {
		return domain.Issue{}, err
	}
	i.Description = fromNull(desc)
	i.ReporterName = fromNull(reporterName)
	i.ReporterContact = fromNull(reporterContact)
	i.TaskID = ptrFromNull(taskID)
	return i, nil
}

func (r *Repo) InsertIssue(ctx context.Context, tx *sql.Tx, i domain.Issue) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO issues(`+issueCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		i.ID, i.OwnerID, i.PropertyID, i.Title, nullable(i.Description), nullable(i.ReporterName),
		nullable(i.ReporterContact), string(i.Status), nullablePtr(i.TaskID), i.CreatedAt, i.UpdatedAt)
	return err
}

func (r *Repo) GetIssue(ctx context.Context, ownerID, id string) (domain.Issue, error) {
	row := r.DB.QueryRowContext(ctx,
		`SELECT `+issueCols+` FROM issues WHERE id=? AND owner_id=?`, id, ownerID)
	i, err := scanIssue(row)
	if err == sql.ErrNoRows {
		return domain.Issue{}, ErrNotFound
	}
	return i, err
}

func (r *Repo) ListIssues(ctx context.Context, ownerID string, status domain.IssueStatus) ([]domain.Issue, error) {
	query := `SELECT ` + issueCols + ` FROM issues WHERE owner_id=?`
	args := []any{ownerID}
	if status != "" {
		query += ` AND status=?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Issue
	for rows.Next() {
		i, err := scanIssue(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, i)
	}
	return out, rows.Err()
}

// ResolveIssueCAS flips an open issue to converted or dismissed. Returns
// ErrNotFound when the issue is missing, out of scope, or no longer open.
func (r *Repo) ResolveIssueCAS(ctx context.Context, tx *sql.Tx, ownerID, id string, status domain.IssueStatus, taskID *string, updatedAt string) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE issues SET status=?, task_id=?, updated_at=? WHERE id=? AND owner_id=? AND status='open'`,
		string(status), nullablePtr(taskID), updatedAt, id, ownerID)
	if err != nil {
		return err
	}
	return oneRow(res)
}

// --- events ---

func (r *Repo) ListEvents(ctx context.Context, ownerID string, entityKind, entityID string, limit int) ([]domain.Event, error) {
	query := `SELECT id,ts,type,owner_id,entity_kind,entity_id,actor_id,payload_json FROM events WHERE owner_id=?`
	args := []any{ownerID}
	if entityKind != "" {
		query += ` AND entity_kind=?`
		args = append(args, entityKind)
	}
	if entityID != "" {
		query += ` AND entity_id=?`
		args = append(args, entityID)
	}
	query += ` ORDER BY id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Event
	for rows.Next() {
		var e domain.Event
		var owner, entity sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &owner, &e.EntityKind, &entity, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		e.OwnerID = fromNull(owner)
		e.EntityID = fromNull(entity)
		out = append(out, e)
	}
	return out, rows.Err()
}

// EventsAfter returns up to limit events with id greater than cursor, oldest
// first. Used by the webhook dispatcher.
func (r *Repo) EventsAfter(ctx context.Context, cursor int64, limit int) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id,ts,type,owner_id,entity_kind,entity_id,actor_id,payload_json FROM events WHERE id>? ORDER BY id ASC LIMIT ?`,
		cursor, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Event
	for rows.Next() {
		var e domain.Event
		var owner, entity sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &owner, &e.EntityKind, &entity, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		e.OwnerID = fromNull(owner)
		e.EntityID = fromNull(entity)
		out = append(out, e)
	}
	return out, rows.Err()
}

// LatestEventID returns the most recent event id, 0 when the log is empty.
func (r *Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`).Scan(&id)
	return id, err
}

// --- dashboard ---

type DashboardCounts struct {
	TasksByStatus map[string]int
	OpenIssues    int
	Overdue       int
	Assets        int
}

func (r *Repo) DashboardCounts(ctx context.Context, ownerID, nowRFC3339 string) (DashboardCounts, error) {
	counts := DashboardCounts{TasksByStatus: map[string]int{}}
	rows, err := r.DB.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM tasks WHERE owner_id=? AND active=1 GROUP BY status`, ownerID)
	if err != nil {
		return counts, err
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return counts, err
		}
		counts.TasksByStatus[status] = n
	}
	if err := rows.Err(); err != nil {
		return counts, err
	}
	err = r.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM issues WHERE owner_id=? AND status='open'`, ownerID).Scan(&counts.OpenIssues)
	if err != nil {
		return counts, err
	}
	err = r.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tasks WHERE owner_id=? AND active=1 AND status NOT IN ('completed') AND scheduled_date < ?`,
		ownerID, nowRFC3339).Scan(&counts.Overdue)
	if err != nil {
		return counts, err
	}
	err = r.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM assets WHERE owner_id=? AND active=1`, ownerID).Scan(&counts.Assets)
	return counts, err
}

// --- helpers ---

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func oneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
