package engine

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"upkeep/internal/auth"
	"upkeep/internal/domain"
	"upkeep/internal/events"
	"upkeep/internal/repo"
)

// Engine implements the maintenance workflow on top of the store. All
// mutations run in a transaction together with their audit event.
type Engine struct {
	DB     *sql.DB
	Repo   *repo.Repo
	Events events.Writer
	Log    *zap.Logger

	// TrustedEvidencePrefix is the URL prefix evidence links must carry to
	// be accepted at submission.
	TrustedEvidencePrefix string

	Now func() time.Time
}

func New(db *sql.DB, log *zap.Logger, trustedEvidencePrefix string) *Engine {
	e := &Engine{
		DB:                    db,
		Repo:                  repo.New(db),
		Log:                   log,
		TrustedEvidencePrefix: strings.TrimSuffix(trustedEvidencePrefix, "/"),
		Now:                   time.Now,
	}
	// The writer reads through the engine so overriding Now covers event
	// timestamps too.
	e.Events = events.Writer{DB: db, Now: func() time.Time { return e.Now() }}
	return e
}

func (e *Engine) now() string {
	return e.Now().UTC().Format(time.RFC3339)
}

// StateConflictError reports a transition attempted from the wrong state.
// It names the current status so clients can resync.
type StateConflictError struct {
	Current string
}

func (e StateConflictError) Error() string {
	return fmt.Sprintf("entity is in status %q", e.Current)
}

// InvalidReferenceError reports a referenced entity that does not exist in
// the caller's tenant scope.
type InvalidReferenceError struct {
	Kind string
	ID   string
}

func (e InvalidReferenceError) Error() string {
	return fmt.Sprintf("%s %q does not exist", e.Kind, e.ID)
}

// ValidationError reports a request payload that fails a domain rule.
type ValidationError struct {
	Msg string
}

func (e ValidationError) Error() string {
	return e.Msg
}

// --- accounts ---

type CreateOwnerParams struct {
	Email    string
	Name     string
	Password string
}

type CreateOperatorParams struct {
	Email    string
	Name     string
	Password string
}

func hashPassword(password string) (string, error) {
	if len(password) < 8 {
		return "", ValidationError{Msg: "password must be at least 8 characters"}
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// CheckPassword compares a candidate password against a stored hash.
func CheckPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// CreateOwner provisions a new owning tenant. It is unauthenticated setup,
// reachable from the CLI bootstrap and the signup route.
func (e *Engine) CreateOwner(ctx context.Context, params CreateOwnerParams) (domain.Account, error) {
	if params.Email == "" || params.Name == "" {
		return domain.Account{}, ValidationError{Msg: "email and name are required"}
	}
	hash, err := hashPassword(params.Password)
	if err != nil {
		return domain.Account{}, err
	}
	now := e.now()
	account := domain.Account{
		ID:           uuid.NewString(),
		Email:        strings.ToLower(params.Email),
		Name:         params.Name,
		Role:         domain.RoleOwner,
		PasswordHash: hash,
		Active:       true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Account{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertAccount(ctx, tx, account); err != nil {
		return domain.Account{}, err
	}
	if err := e.Events.Append(ctx, tx, "account.created", account.ID, "account", account.ID, account.ID, events.EventPayload{"role": "owner"}); err != nil {
		return domain.Account{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Account{}, err
	}
	e.Log.Info("owner created", zap.String("account_id", account.ID))
	return account, nil
}

// CreateOperator provisions an operator employed by the calling owner.
func (e *Engine) CreateOperator(ctx context.Context, p *auth.Principal, params CreateOperatorParams) (domain.Account, error) {
	if err := auth.RequireRole(p, domain.RoleOwner); err != nil {
		return domain.Account{}, err
	}
	if params.Email == "" || params.Name == "" {
		return domain.Account{}, ValidationError{Msg: "email and name are required"}
	}
	hash, err := hashPassword(params.Password)
	if err != nil {
		return domain.Account{}, err
	}
	now := e.now()
	employer := p.AccountID
	account := domain.Account{
		ID:           uuid.NewString(),
		Email:        strings.ToLower(params.Email),
		Name:         params.Name,
		Role:         domain.RoleOperator,
		EmployerID:   &employer,
		PasswordHash: hash,
		Active:       true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Account{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertAccount(ctx, tx, account); err != nil {
		return domain.Account{}, err
	}
	if err := e.Events.Append(ctx, tx, "account.created", p.AccountID, "account", account.ID, p.AccountID, events.EventPayload{"role": "operator"}); err != nil {
		return domain.Account{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Account{}, err
	}
	e.Log.Info("operator created", zap.String("account_id", account.ID), zap.String("employer_id", p.AccountID))
	return account, nil
}

// Authenticate resolves an account by email and password.
func (e *Engine) Authenticate(ctx context.Context, email, password string) (domain.Account, error) {
	account, err := e.Repo.GetAccountByEmail(ctx, strings.ToLower(email))
	if err != nil {
		return domain.Account{}, auth.ErrUnauthenticated
	}
	if !account.Active || !CheckPassword(account.PasswordHash, password) {
		return domain.Account{}, auth.ErrUnauthenticated
	}
	return account, nil
}

// ListOperators returns the calling owner's active operators.
func (e *Engine) ListOperators(ctx context.Context, p *auth.Principal) ([]domain.Account, error) {
	if err := auth.RequireRole(p, domain.RoleOwner); err != nil {
		return nil, err
	}
	return e.Repo.ListOperators(ctx, p.AccountID)
}

// DeactivateOperator soft-disables one of the calling owner's operators.
// Existing task assignments keep their history; the account can no longer
// authenticate or receive new assignments.
func (e *Engine) DeactivateOperator(ctx context.Context, p *auth.Principal, id string) (domain.Account, error) {
	if err := auth.RequireRole(p, domain.RoleOwner); err != nil {
		return domain.Account{}, err
	}
	account, err := e.Repo.GetOperator(ctx, p.AccountID, id)
	if err != nil {
		return domain.Account{}, err
	}
	account.Active = false
	account.UpdatedAt = e.now()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Account{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateAccount(ctx, tx, account); err != nil {
		return domain.Account{}, err
	}
	if err := e.Events.Append(ctx, tx, "account.deactivated", p.AccountID, "account", account.ID, p.AccountID, nil); err != nil {
		return domain.Account{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Account{}, err
	}
	e.Log.Info("operator deactivated", zap.String("account_id", account.ID))
	return account, nil
}

// CreateAPIKey mints a raw key for the calling account and stores its hash.
// The raw key is only ever returned here.
func (e *Engine) CreateAPIKey(ctx context.Context, p *auth.Principal, name string) (domain.APIKey, string, error) {
	if err := auth.RequireRole(p, domain.RoleOwner, domain.RoleOperator); err != nil {
		return domain.APIKey{}, "", err
	}
	raw := "uk_" + strings.ReplaceAll(uuid.NewString(), "-", "") + strings.ReplaceAll(uuid.NewString(), "-", "")
	key := domain.APIKey{
		ID:        uuid.NewString(),
		AccountID: p.AccountID,
		Name:      name,
		KeyHash:   repo.HashAPIKey(raw),
		CreatedAt: e.now(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.APIKey{}, "", err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertAPIKey(ctx, tx, key); err != nil {
		return domain.APIKey{}, "", err
	}
	if err := e.Events.Append(ctx, tx, "apikey.created", auth.Scope(*p), "api_key", key.ID, p.AccountID, nil); err != nil {
		return domain.APIKey{}, "", err
	}
	if err := tx.Commit(); err != nil {
		return domain.APIKey{}, "", err
	}
	return key, raw, nil
}

func (e *Engine) ListAPIKeys(ctx context.Context, p *auth.Principal) ([]domain.APIKey, error) {
	if err := auth.RequireRole(p, domain.RoleOwner, domain.RoleOperator); err != nil {
		return nil, err
	}
	return e.Repo.ListAPIKeys(ctx, p.AccountID)
}

func (e *Engine) DeleteAPIKey(ctx context.Context, p *auth.Principal, id string) error {
	if err := auth.RequireRole(p, domain.RoleOwner, domain.RoleOperator); err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.DeleteAPIKey(ctx, tx, p.AccountID, id); err != nil {
		return err
	}
	return tx.Commit()
}
