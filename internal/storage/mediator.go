package storage

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"upkeep/internal/auth"
	"upkeep/internal/domain"
)

var imageExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".gif":  true,
	".webp": true,
	".bmp":  true,
}

// Mediator applies the evidence upload policy on top of an EvidenceStore:
// who may upload, what counts as an image, how large it may be, and where
// in the store the object lands.
type Mediator struct {
	Store          EvidenceStore
	SlotTTL        time.Duration
	MaxUploadBytes int64
	Now            func() time.Time
}

func NewMediator(store EvidenceStore, slotTTL time.Duration, maxUploadBytes int64) *Mediator {
	return &Mediator{
		Store:          store,
		SlotTTL:        slotTTL,
		MaxUploadBytes: maxUploadBytes,
		Now:            time.Now,
	}
}

// ValidateImage accepts a payload when either the content type has an image/
// prefix or the filename carries a recognized image extension.
func ValidateImage(filename, contentType string) error {
	if strings.HasPrefix(strings.ToLower(contentType), "image/") {
		return nil
	}
	if imageExtensions[strings.ToLower(path.Ext(filename))] {
		return nil
	}
	return InvalidPayloadError{Reason: "file is not a recognized image"}
}

func sanitizeFilename(name string) string {
	name = path.Base(name)
	name = strings.ReplaceAll(name, " ", "_")
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return "upload"
	}
	return b.String()
}

// RequestUploadSlot issues a signed client-direct write URL. Any
// authenticated owner or operator may request one; the slot is bound to the
// caller's identity through the object key, not to a task.
func (m *Mediator) RequestUploadSlot(p *auth.Principal, filename, contentType string) (SignedSlot, error) {
	if err := auth.RequireRole(p, domain.RoleOwner, domain.RoleOperator); err != nil {
		return SignedSlot{}, err
	}
	if err := ValidateImage(filename, contentType); err != nil {
		return SignedSlot{}, err
	}
	key := fmt.Sprintf("%s/%s/%d_%s", p.Role, p.AccountID, m.Now().UTC().Unix(), sanitizeFilename(filename))
	slot, err := m.Store.IssueSignedWriteURL(key, m.SlotTTL)
	if err != nil {
		return SignedSlot{}, err
	}
	return slot, nil
}

// UploadEvidence performs a server-proxied upload for a task. Only the
// assigned operator or the owning owner may upload; the size cap is enforced
// while streaming so oversized bodies are cut off, not buffered.
func (m *Mediator) UploadEvidence(ctx context.Context, p *auth.Principal, t domain.Task, filename, contentType string, body io.Reader) (string, error) {
	if p == nil || p.AccountID == "" {
		return "", auth.ErrUnauthenticated
	}
	if err := auth.RequireAssignment(*p, t); err != nil {
		return "", err
	}
	if err := ValidateImage(filename, contentType); err != nil {
		return "", err
	}
	key := fmt.Sprintf("tasks/%s/%s/%d_%s", t.ID, p.AccountID, m.Now().UTC().Unix(), sanitizeFilename(filename))
	limited := &limitedReader{r: body, remaining: m.MaxUploadBytes}
	url, err := m.Store.PutObject(ctx, key, limited)
	if err != nil {
		return "", err
	}
	if limited.exceeded {
		_ = m.Store.DeleteObject(ctx, key)
		return "", ErrPayloadTooLarge
	}
	return url, nil
}

// limitedReader reads at most remaining bytes plus one probe byte; reading
// past the cap marks the stream exceeded.
type limitedReader struct {
	r         io.Reader
	remaining int64
	exceeded  bool
}

func (l *limitedReader) Read(p []byte) (int, error) {
	if l.remaining <= 0 {
		// probe one byte to distinguish exactly-at-cap from over-cap
		var probe [1]byte
		n, err := l.r.Read(probe[:])
		if n > 0 {
			l.exceeded = true
			return 0, io.EOF
		}
		return 0, err
	}
	if int64(len(p)) > l.remaining {
		p = p[:l.remaining]
	}
	n, err := l.r.Read(p)
	l.remaining -= int64(n)
	return n, err
}
