package storage

import (
	"bytes"
	"context"
	"errors"
	"net/url"
	"strings"
	"testing"
	"time"

	"upkeep/internal/auth"
	"upkeep/internal/domain"
)

func newTestStore(t *testing.T) *DiskStore {
	t.Helper()
	store, err := NewDiskStore(t.TempDir(), "http://127.0.0.1:8080/evidence", "http://127.0.0.1:8080/evidence/put", []byte("test-secret"))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store
}

func TestPutObjectWriteOnce(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	publicURL, err := store.PutObject(ctx, "tasks/t1/op1/1_photo.jpg", strings.NewReader("image-bytes"))
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if publicURL != "http://127.0.0.1:8080/evidence/tasks/t1/op1/1_photo.jpg" {
		t.Fatalf("public url = %s", publicURL)
	}

	_, err = store.PutObject(ctx, "tasks/t1/op1/1_photo.jpg", strings.NewReader("other"))
	if !errors.Is(err, ErrObjectExists) {
		t.Fatalf("expected ErrObjectExists, got %v", err)
	}

	f, err := store.Open("tasks/t1/op1/1_photo.jpg")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(f); err != nil {
		t.Fatal(err)
	}
	if buf.String() != "image-bytes" {
		t.Fatalf("stored content = %q", buf.String())
	}
}

func TestKeyTraversalRejected(t *testing.T) {
	store := newTestStore(t)
	for _, key := range []string{"../escape.jpg", "/abs.jpg", "a/../../b.jpg", ""} {
		if _, err := store.PutObject(context.Background(), key, strings.NewReader("x")); err == nil {
			t.Fatalf("key %q accepted", key)
		}
	}
}

func TestSignedWriteURLRoundTrip(t *testing.T) {
	store := newTestStore(t)
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	store.Now = func() time.Time { return now }

	slot, err := store.IssueSignedWriteURL("owner/acc1/1_photo.png", time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	u, err := url.Parse(slot.UploadURL)
	if err != nil {
		t.Fatal(err)
	}
	q := u.Query()
	if err := store.VerifyWriteURL(q.Get("key"), q.Get("exp"), q.Get("sig")); err != nil {
		t.Fatalf("verify fresh slot: %v", err)
	}

	// expired slot fails
	store.Now = func() time.Time { return now.Add(2 * time.Hour) }
	if err := store.VerifyWriteURL(q.Get("key"), q.Get("exp"), q.Get("sig")); !errors.Is(err, ErrSlotExpired) {
		t.Fatalf("expected ErrSlotExpired, got %v", err)
	}

	// tampered key fails
	store.Now = func() time.Time { return now }
	if err := store.VerifyWriteURL("owner/acc2/1_photo.png", q.Get("exp"), q.Get("sig")); !errors.Is(err, ErrSlotExpired) {
		t.Fatalf("expected signature failure, got %v", err)
	}
}

func TestValidateImage(t *testing.T) {
	if err := ValidateImage("photo.jpg", ""); err != nil {
		t.Fatalf("jpg extension rejected: %v", err)
	}
	if err := ValidateImage("whatever.bin", "image/png"); err != nil {
		t.Fatalf("image content type rejected: %v", err)
	}
	err := ValidateImage("report.pdf", "application/pdf")
	var ipe InvalidPayloadError
	if !errors.As(err, &ipe) {
		t.Fatalf("expected InvalidPayloadError, got %v", err)
	}
}

func testTask(ownerID, assigneeID string) domain.Task {
	return domain.Task{ID: "t1", OwnerID: ownerID, AssigneeID: assigneeID, Active: true}
}

func TestUploadEvidenceAssignmentGate(t *testing.T) {
	store := newTestStore(t)
	m := NewMediator(store, time.Hour, 1<<20)
	ctx := context.Background()
	task := testTask("owner1", "op1")

	assigned := &auth.Principal{AccountID: "op1", Role: domain.RoleOperator, EmployerID: "owner1"}
	if _, err := m.UploadEvidence(ctx, assigned, task, "a.jpg", "image/jpeg", strings.NewReader("x")); err != nil {
		t.Fatalf("assigned operator rejected: %v", err)
	}

	owner := &auth.Principal{AccountID: "owner1", Role: domain.RoleOwner}
	if _, err := m.UploadEvidence(ctx, owner, task, "b.jpg", "image/jpeg", strings.NewReader("x")); err != nil {
		t.Fatalf("owning owner rejected: %v", err)
	}

	stranger := &auth.Principal{AccountID: "op2", Role: domain.RoleOperator, EmployerID: "owner1"}
	if _, err := m.UploadEvidence(ctx, stranger, task, "c.jpg", "image/jpeg", strings.NewReader("x")); !errors.Is(err, auth.ErrNotAssigned) {
		t.Fatalf("expected not-assigned, got %v", err)
	}

	// assigned elsewhere: right assignee id, wrong employer
	foreign := &auth.Principal{AccountID: "op1", Role: domain.RoleOperator, EmployerID: "owner2"}
	if _, err := m.UploadEvidence(ctx, foreign, task, "d.jpg", "image/jpeg", strings.NewReader("x")); !errors.Is(err, auth.ErrNotAssigned) {
		t.Fatalf("expected not-assigned for cross-tenant operator, got %v", err)
	}
}

func TestUploadEvidenceSizeCap(t *testing.T) {
	store := newTestStore(t)
	m := NewMediator(store, time.Hour, 16)
	ctx := context.Background()
	task := testTask("owner1", "op1")
	p := &auth.Principal{AccountID: "op1", Role: domain.RoleOperator, EmployerID: "owner1"}

	// exactly at the cap passes
	if _, err := m.UploadEvidence(ctx, p, task, "ok.jpg", "image/jpeg", strings.NewReader(strings.Repeat("a", 16))); err != nil {
		t.Fatalf("at-cap upload rejected: %v", err)
	}

	// one byte over fails and leaves no object behind
	_, err := m.UploadEvidence(ctx, p, task, "big.jpg", "image/jpeg", strings.NewReader(strings.Repeat("a", 17)))
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
}

func TestRequestUploadSlotPolicy(t *testing.T) {
	store := newTestStore(t)
	m := NewMediator(store, time.Hour, 1<<20)

	p := &auth.Principal{AccountID: "op1", Role: domain.RoleOperator, EmployerID: "owner1"}
	slot, err := m.RequestUploadSlot(p, "before after.jpg", "image/jpeg")
	if err != nil {
		t.Fatalf("slot: %v", err)
	}
	if !strings.Contains(slot.ObjectKey, "operator/op1/") {
		t.Fatalf("key not bound to caller: %s", slot.ObjectKey)
	}
	if strings.Contains(slot.ObjectKey, " ") {
		t.Fatalf("filename not sanitized: %s", slot.ObjectKey)
	}

	if _, err := m.RequestUploadSlot(p, "notes.txt", "text/plain"); err == nil {
		t.Fatalf("non-image slot accepted")
	}
	if _, err := m.RequestUploadSlot(nil, "a.jpg", "image/jpeg"); !errors.Is(err, auth.ErrUnauthenticated) {
		t.Fatalf("expected unauthenticated, got %v", err)
	}
}
