package storage

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// SignedSlot is a pre-authorized write destination handed to a client for a
// direct upload.
type SignedSlot struct {
	UploadURL string `json:"upload_url"`
	PublicURL string `json:"public_url"`
	ObjectKey string `json:"object_key"`
	ExpiresAt string `json:"expires_at" format:"date-time"`
}

// EvidenceStore is the object-store contract for verification photos.
// Objects are write-once; PutObject fails when the key already exists.
type EvidenceStore interface {
	IssueSignedWriteURL(key string, ttl time.Duration) (SignedSlot, error)
	PutObject(ctx context.Context, key string, r io.Reader) (string, error)
	GetPublicURL(key string) string
	DeleteObject(ctx context.Context, key string) error
}

// DiskStore keeps evidence objects on the local filesystem and serves them
// through the API's own routes. Signed write URLs carry an HMAC over the
// object key and expiry so the PUT route can admit uploads without a session.
type DiskStore struct {
	Root          string
	PublicBaseURL string // absolute base under which objects are readable
	UploadBaseURL string // absolute base of the signed PUT route
	Secret        []byte
	Now           func() time.Time
}

func NewDiskStore(root, publicBaseURL, uploadBaseURL string, secret []byte) (*DiskStore, error) {
	if len(secret) == 0 {
		return nil, errors.New("evidence signing secret is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, UnavailableError{Err: err}
	}
	return &DiskStore{
		Root:          root,
		PublicBaseURL: strings.TrimSuffix(publicBaseURL, "/"),
		UploadBaseURL: strings.TrimSuffix(uploadBaseURL, "/"),
		Secret:        secret,
		Now:           time.Now,
	}, nil
}

func (s *DiskStore) sign(key string, exp int64) string {
	mac := hmac.New(sha256.New, s.Secret)
	fmt.Fprintf(mac, "%s|%d", key, exp)
	return hex.EncodeToString(mac.Sum(nil))
}

// IssueSignedWriteURL returns a time-bounded PUT destination for key.
func (s *DiskStore) IssueSignedWriteURL(key string, ttl time.Duration) (SignedSlot, error) {
	if err := validateKey(key); err != nil {
		return SignedSlot{}, err
	}
	exp := s.Now().Add(ttl).UTC()
	q := url.Values{}
	q.Set("key", key)
	q.Set("exp", strconv.FormatInt(exp.Unix(), 10))
	q.Set("sig", s.sign(key, exp.Unix()))
	return SignedSlot{
		UploadURL: s.UploadBaseURL + "?" + q.Encode(),
		PublicURL: s.GetPublicURL(key),
		ObjectKey: key,
		ExpiresAt: exp.Format(time.RFC3339),
	}, nil
}

// VerifyWriteURL checks the signature and expiry of a signed PUT request.
func (s *DiskStore) VerifyWriteURL(key, expStr, sig string) error {
	exp, err := strconv.ParseInt(expStr, 10, 64)
	if err != nil {
		return ErrSlotExpired
	}
	if s.Now().Unix() > exp {
		return ErrSlotExpired
	}
	expected := s.sign(key, exp)
	if !hmac.Equal([]byte(expected), []byte(sig)) {
		return ErrSlotExpired
	}
	return validateKey(key)
}

// PutObject writes the object at key and returns its public URL. The write
// fails when the key already holds an object.
func (s *DiskStore) PutObject(ctx context.Context, key string, r io.Reader) (string, error) {
	if err := validateKey(key); err != nil {
		return "", err
	}
	dst := filepath.Join(s.Root, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", UnavailableError{Err: err}
	}
	f, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return "", ErrObjectExists
		}
		return "", UnavailableError{Err: err}
	}
	_, copyErr := io.Copy(f, r)
	closeErr := f.Close()
	if copyErr != nil {
		os.Remove(dst)
		return "", UnavailableError{Err: copyErr}
	}
	if closeErr != nil {
		os.Remove(dst)
		return "", UnavailableError{Err: closeErr}
	}
	return s.GetPublicURL(key), nil
}

func (s *DiskStore) GetPublicURL(key string) string {
	return s.PublicBaseURL + "/" + key
}

func (s *DiskStore) DeleteObject(ctx context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	err := os.Remove(filepath.Join(s.Root, filepath.FromSlash(key)))
	if err != nil && !os.IsNotExist(err) {
		return UnavailableError{Err: err}
	}
	return nil
}

// Open returns a reader for a stored object, for the read route.
func (s *DiskStore) Open(key string) (io.ReadCloser, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	f, err := os.Open(filepath.Join(s.Root, filepath.FromSlash(key)))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, os.ErrNotExist
		}
		return nil, UnavailableError{Err: err}
	}
	return f, nil
}

// validateKey rejects traversal and absolute keys.
func validateKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return InvalidPayloadError{Reason: "invalid object key"}
	}
	clean := path.Clean(key)
	if clean != key || strings.HasPrefix(clean, "..") {
		return InvalidPayloadError{Reason: "invalid object key"}
	}
	return nil
}
