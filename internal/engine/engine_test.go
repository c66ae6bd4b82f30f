package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"upkeep/internal/auth"
	"upkeep/internal/db"
	"upkeep/internal/domain"
	"upkeep/internal/engine"
	"upkeep/internal/migrate"
	"upkeep/internal/repo"
)

const trustedBase = "http://127.0.0.1:8080/evidence"

type testEnv struct {
	Engine   *engine.Engine
	Ctx      context.Context
	Owner    *auth.Principal
	Operator *auth.Principal
	Property domain.Property
	Asset    domain.Asset
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, zap.NewNop(), trustedBase)
	ctx := context.Background()

	owner, err := eng.CreateOwner(ctx, engine.CreateOwnerParams{
		Email: "owner@example.com", Name: "Owner", Password: "password123",
	})
	if err != nil {
		t.Fatalf("create owner: %v", err)
	}
	ownerP := &auth.Principal{AccountID: owner.ID, Role: domain.RoleOwner, Source: "test"}

	operator, err := eng.CreateOperator(ctx, ownerP, engine.CreateOperatorParams{
		Email: "op@example.com", Name: "Op", Password: "password123",
	})
	if err != nil {
		t.Fatalf("create operator: %v", err)
	}
	opP := &auth.Principal{AccountID: operator.ID, Role: domain.RoleOperator, EmployerID: owner.ID, Source: "test"}

	prop, err := eng.CreateProperty(ctx, ownerP, engine.PropertyParams{Name: "Main Street 1"})
	if err != nil {
		t.Fatalf("create property: %v", err)
	}
	assetType, err := eng.CreateAssetType(ctx, ownerP, engine.AssetTypeParams{Name: "Boiler", Category: "hvac"})
	if err != nil {
		t.Fatalf("create asset type: %v", err)
	}
	asset, err := eng.CreateAsset(ctx, ownerP, engine.AssetParams{
		TypeID: assetType.ID, PropertyID: prop.ID, Name: "Basement boiler",
	})
	if err != nil {
		t.Fatalf("create asset: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx, Owner: ownerP, Operator: opP, Property: prop, Asset: asset}
}

func (env testEnv) createTask(t *testing.T) domain.Task {
	t.Helper()
	task, err := env.Engine.CreateTask(env.Ctx, env.Owner, engine.CreateTaskParams{
		Title:         "Inspect boiler",
		AssetID:       env.Asset.ID,
		AssigneeID:    env.Operator.AccountID,
		ScheduledDate: time.Now().UTC().Add(24 * time.Hour).Format(time.RFC3339),
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return task
}

func TestTaskLifecycleApproval(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t)
	if task.Status != domain.StatusPending {
		t.Fatalf("new task status = %s", task.Status)
	}
	if task.PropertyID != env.Property.ID {
		t.Fatalf("property not derived from asset")
	}

	task, err := env.Engine.StartTask(env.Ctx, env.Operator, task.ID)
	if err != nil || task.Status != domain.StatusInProgress {
		t.Fatalf("start: %v status=%s", err, task.Status)
	}
	if task.ActualStart == nil {
		t.Fatalf("actual_start not stamped")
	}

	notes := "replaced valve"
	task, err = env.Engine.SubmitForVerification(env.Ctx, env.Operator, task.ID, engine.SubmitParams{
		EvidenceURL:     trustedBase + "/tasks/x/photo.jpg",
		CompletionNotes: &notes,
	})
	if err != nil || task.Status != domain.StatusPendingVerification {
		t.Fatalf("submit: %v status=%s", err, task.Status)
	}
	if task.EvidenceURL == nil || task.ActualEnd == nil {
		t.Fatalf("evidence or actual_end missing after submit")
	}

	task, err = env.Engine.VerifyTask(env.Ctx, env.Owner, task.ID, engine.VerifyParams{Approve: true})
	if err != nil || task.Status != domain.StatusCompleted {
		t.Fatalf("approve: %v status=%s", err, task.Status)
	}
	if task.VerifiedBy == nil || *task.VerifiedBy != env.Owner.AccountID {
		t.Fatalf("verified_by not recorded")
	}
}

func TestTaskRejectionAndRework(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t)
	if _, err := env.Engine.StartTask(env.Ctx, env.Operator, task.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.SubmitForVerification(env.Ctx, env.Operator, task.ID, engine.SubmitParams{
		EvidenceURL: trustedBase + "/tasks/x/photo.jpg",
	}); err != nil {
		t.Fatal(err)
	}

	// rejection without a reason is refused
	_, err := env.Engine.VerifyTask(env.Ctx, env.Owner, task.ID, engine.VerifyParams{Approve: false})
	var ve engine.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected validation error, got %v", err)
	}

	verifierNotes := "compare against last month's photo"
	rejected, err := env.Engine.VerifyTask(env.Ctx, env.Owner, task.ID, engine.VerifyParams{
		Approve: false, Notes: &verifierNotes, Reason: "photo is blurry",
	})
	if err != nil || rejected.Status != domain.StatusRequiresAttention {
		t.Fatalf("reject: %v status=%s", err, rejected.Status)
	}
	if rejected.RejectionReason == nil || *rejected.RejectionReason != "photo is blurry" {
		t.Fatalf("rejection reason not recorded")
	}
	if rejected.VerificationNotes == nil || *rejected.VerificationNotes != verifierNotes {
		t.Fatalf("verification notes not recorded on rejection: %v", rejected.VerificationNotes)
	}
	if rejected.VerifiedBy == nil || *rejected.VerifiedBy != env.Owner.AccountID {
		t.Fatalf("verifier not recorded on rejection")
	}

	// rework round: resume, resubmit, approve clears the old reason
	resumed, err := env.Engine.ResumeTask(env.Ctx, env.Operator, task.ID)
	if err != nil || resumed.Status != domain.StatusInProgress {
		t.Fatalf("resume: %v status=%s", err, resumed.Status)
	}
	if _, err := env.Engine.SubmitForVerification(env.Ctx, env.Operator, task.ID, engine.SubmitParams{
		EvidenceURL: trustedBase + "/tasks/x/photo2.jpg",
	}); err != nil {
		t.Fatal(err)
	}
	approved, err := env.Engine.VerifyTask(env.Ctx, env.Owner, task.ID, engine.VerifyParams{Approve: true})
	if err != nil || approved.Status != domain.StatusCompleted {
		t.Fatalf("approve after rework: %v", err)
	}
	if approved.RejectionReason != nil {
		t.Fatalf("rejection reason not cleared on approval")
	}
}

func TestTransitionGuards(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t)

	// submit from pending conflicts
	_, err := env.Engine.SubmitForVerification(env.Ctx, env.Operator, task.ID, engine.SubmitParams{
		EvidenceURL: trustedBase + "/tasks/x/photo.jpg",
	})
	var sce engine.StateConflictError
	if !errors.As(err, &sce) || sce.Current != string(domain.StatusPending) {
		t.Fatalf("expected state conflict naming pending, got %v", err)
	}

	// verify from pending conflicts
	_, err = env.Engine.VerifyTask(env.Ctx, env.Owner, task.ID, engine.VerifyParams{Approve: true})
	if !errors.As(err, &sce) || sce.Current != string(domain.StatusPending) {
		t.Fatalf("expected state conflict, got %v", err)
	}

	// starting twice conflicts
	if _, err := env.Engine.StartTask(env.Ctx, env.Operator, task.ID); err != nil {
		t.Fatal(err)
	}
	_, err = env.Engine.StartTask(env.Ctx, env.Operator, task.ID)
	if !errors.As(err, &sce) || sce.Current != string(domain.StatusInProgress) {
		t.Fatalf("expected state conflict naming in_progress, got %v", err)
	}
}

func TestUntrustedEvidenceRejected(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t)
	if _, err := env.Engine.StartTask(env.Ctx, env.Operator, task.ID); err != nil {
		t.Fatal(err)
	}
	_, err := env.Engine.SubmitForVerification(env.Ctx, env.Operator, task.ID, engine.SubmitParams{
		EvidenceURL: "https://evil.example.com/photo.jpg",
	})
	var ve engine.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected validation error for untrusted url, got %v", err)
	}
}

func TestAssignmentReadsAsNotFound(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t)

	other, err := env.Engine.CreateOperator(env.Ctx, env.Owner, engine.CreateOperatorParams{
		Email: "other@example.com", Name: "Other", Password: "password123",
	})
	if err != nil {
		t.Fatal(err)
	}
	otherP := &auth.Principal{AccountID: other.ID, Role: domain.RoleOperator, EmployerID: env.Owner.AccountID, Source: "test"}

	// an unassigned operator cannot see or start the task; both read as missing
	if _, err := env.Engine.GetTask(env.Ctx, otherP, task.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found for unassigned get, got %v", err)
	}
	_, err = env.Engine.StartTask(env.Ctx, otherP, task.ID)
	if !errors.Is(err, auth.ErrNotAssigned) && !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not-found style error, got %v", err)
	}

	// listings are pinned to own assignments
	tasks, err := env.Engine.ListTasks(env.Ctx, otherP, repo.TaskFilters{})
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 0 {
		t.Fatalf("unassigned operator sees %d tasks", len(tasks))
	}
}

func TestCrossTenantReferencesRejected(t *testing.T) {
	env := newTestEnv(t)

	otherOwner, err := env.Engine.CreateOwner(env.Ctx, engine.CreateOwnerParams{
		Email: "owner2@example.com", Name: "Owner2", Password: "password123",
	})
	if err != nil {
		t.Fatal(err)
	}
	otherP := &auth.Principal{AccountID: otherOwner.ID, Role: domain.RoleOwner, Source: "test"}

	// another tenant's asset is an invalid reference, not a leak
	_, err = env.Engine.CreateTask(env.Ctx, otherP, engine.CreateTaskParams{
		Title:         "Steal work",
		AssetID:       env.Asset.ID,
		AssigneeID:    env.Operator.AccountID,
		ScheduledDate: time.Now().UTC().Format(time.RFC3339),
	})
	var ire engine.InvalidReferenceError
	if !errors.As(err, &ire) || ire.Kind != "asset" {
		t.Fatalf("expected invalid asset reference, got %v", err)
	}

	// own asset but another tenant's operator
	prop, err := env.Engine.CreateProperty(env.Ctx, otherP, engine.PropertyParams{Name: "Elsewhere 2"})
	if err != nil {
		t.Fatal(err)
	}
	at, err := env.Engine.CreateAssetType(env.Ctx, otherP, engine.AssetTypeParams{Name: "Roof"})
	if err != nil {
		t.Fatal(err)
	}
	asset, err := env.Engine.CreateAsset(env.Ctx, otherP, engine.AssetParams{TypeID: at.ID, PropertyID: prop.ID, Name: "Flat roof"})
	if err != nil {
		t.Fatal(err)
	}
	_, err = env.Engine.CreateTask(env.Ctx, otherP, engine.CreateTaskParams{
		Title:         "Fix roof",
		AssetID:       asset.ID,
		AssigneeID:    env.Operator.AccountID,
		ScheduledDate: time.Now().UTC().Format(time.RFC3339),
	})
	if !errors.As(err, &ire) || ire.Kind != "operator" {
		t.Fatalf("expected invalid operator reference, got %v", err)
	}
}

func TestUpdateNeverMovesStatus(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t)
	if _, err := env.Engine.StartTask(env.Ctx, env.Operator, task.ID); err != nil {
		t.Fatal(err)
	}

	title := "Inspect boiler thoroughly"
	updated, err := env.Engine.UpdateTask(env.Ctx, env.Owner, task.ID, engine.UpdateTaskParams{Title: &title})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Status != domain.StatusInProgress {
		t.Fatalf("update moved status to %s", updated.Status)
	}
	if updated.Title != title {
		t.Fatalf("title not updated")
	}
	if updated.ActualStart == nil {
		t.Fatalf("update cleared actual_start")
	}
}

func TestConcurrentStartSingleWinner(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.Engine.StartTask(env.Ctx, env.Operator, task.ID)
		}(i)
	}
	wg.Wait()

	var conflicts, wins int
	for _, err := range errs {
		var sce engine.StateConflictError
		switch {
		case err == nil:
			wins++
		case errors.As(err, &sce):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 || conflicts != 1 {
		t.Fatalf("wins=%d conflicts=%d, want exactly one winner", wins, conflicts)
	}
	got, err := env.Engine.GetTask(env.Ctx, env.Operator, task.ID)
	if err != nil || got.Status != domain.StatusInProgress {
		t.Fatalf("final status = %s (%v)", got.Status, err)
	}
	if got.ActualStart == nil {
		t.Fatalf("actual_start missing after winning start")
	}
}

func TestIssueConversion(t *testing.T) {
	env := newTestEnv(t)
	issue, err := env.Engine.ReportIssue(env.Ctx, engine.ReportIssueParams{
		OwnerID:      env.Owner.AccountID,
		PropertyID:   env.Property.ID,
		Title:        "Radiator leaking",
		ReporterName: "Resident A",
	})
	if err != nil {
		t.Fatalf("report issue: %v", err)
	}
	if issue.Status != domain.IssueOpen {
		t.Fatalf("new issue status = %s", issue.Status)
	}

	task, err := env.Engine.ConvertIssue(env.Ctx, env.Owner, issue.ID, engine.ConvertIssueParams{
		AssetID:       env.Asset.ID,
		AssigneeID:    env.Operator.AccountID,
		ScheduledDate: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if task.IssueID == nil || *task.IssueID != issue.ID {
		t.Fatalf("task not linked to issue")
	}
	converted, err := env.Engine.GetIssue(env.Ctx, env.Owner, issue.ID)
	if err != nil {
		t.Fatal(err)
	}
	if converted.Status != domain.IssueConverted || converted.TaskID == nil || *converted.TaskID != task.ID {
		t.Fatalf("issue not flipped to converted with task link")
	}

	// converting again conflicts
	_, err = env.Engine.ConvertIssue(env.Ctx, env.Owner, issue.ID, engine.ConvertIssueParams{
		AssetID:       env.Asset.ID,
		AssigneeID:    env.Operator.AccountID,
		ScheduledDate: time.Now().UTC().Format(time.RFC3339),
	})
	var sce engine.StateConflictError
	if !errors.As(err, &sce) {
		t.Fatalf("expected state conflict, got %v", err)
	}
}

func TestSoftDeleteHidesTask(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t)
	if err := env.Engine.DeleteTask(env.Ctx, env.Owner, task.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := env.Engine.GetTask(env.Ctx, env.Owner, task.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("deleted task still readable: %v", err)
	}
	tasks, err := env.Engine.ListTasks(env.Ctx, env.Owner, repo.TaskFilters{})
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 0 {
		t.Fatalf("deleted task still listed")
	}
}

func TestEventTimestampsUseEngineClock(t *testing.T) {
	env := newTestEnv(t)
	pinned := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	env.Engine.Now = func() time.Time { return pinned }

	task := env.createTask(t)
	evts, err := env.Engine.ListEvents(env.Ctx, env.Owner, "task", task.ID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(evts) != 1 {
		t.Fatalf("events = %d", len(evts))
	}
	if evts[0].TS != pinned.Format(time.RFC3339) {
		t.Fatalf("event ts = %s, want the pinned clock", evts[0].TS)
	}
}

func TestDeactivateOperator(t *testing.T) {
	env := newTestEnv(t)

	deactivated, err := env.Engine.DeactivateOperator(env.Ctx, env.Owner, env.Operator.AccountID)
	if err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if deactivated.Active {
		t.Fatalf("operator still active")
	}

	if _, err := env.Engine.Authenticate(env.Ctx, "op@example.com", "password123"); !errors.Is(err, auth.ErrUnauthenticated) {
		t.Fatalf("deactivated operator can still log in: %v", err)
	}
	ops, err := env.Engine.ListOperators(env.Ctx, env.Owner)
	if err != nil {
		t.Fatal(err)
	}
	if len(ops) != 0 {
		t.Fatalf("deactivated operator still listed")
	}

	// new assignments to the deactivated operator are invalid references
	_, err = env.Engine.CreateTask(env.Ctx, env.Owner, engine.CreateTaskParams{
		Title:         "Inspect boiler",
		AssetID:       env.Asset.ID,
		AssigneeID:    env.Operator.AccountID,
		ScheduledDate: time.Now().UTC().Format(time.RFC3339),
	})
	var ire engine.InvalidReferenceError
	if !errors.As(err, &ire) || ire.Kind != "operator" {
		t.Fatalf("expected invalid operator reference, got %v", err)
	}
}

func TestRoleGates(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t)

	// operators cannot create tasks or verify
	_, err := env.Engine.CreateTask(env.Ctx, env.Operator, engine.CreateTaskParams{
		Title:         "nope",
		AssetID:       env.Asset.ID,
		AssigneeID:    env.Operator.AccountID,
		ScheduledDate: time.Now().UTC().Format(time.RFC3339),
	})
	var fe auth.ForbiddenError
	if !errors.As(err, &fe) {
		t.Fatalf("expected forbidden for operator create, got %v", err)
	}
	_, err = env.Engine.VerifyTask(env.Ctx, env.Operator, task.ID, engine.VerifyParams{Approve: true})
	if !errors.As(err, &fe) {
		t.Fatalf("expected forbidden for operator verify, got %v", err)
	}

	// owners may start work on their own tasks
	started, err := env.Engine.StartTask(env.Ctx, env.Owner, task.ID)
	if err != nil || started.Status != domain.StatusInProgress {
		t.Fatalf("owner start: %v status=%s", err, started.Status)
	}
}
