package server

import (
	"encoding/json"
	"io"
	"mime"
	"net/http"
	"os"
	"path"
	"strings"

	"github.com/go-chi/chi/v5"

	"upkeep/internal/engine"
	"upkeep/internal/storage"
)

// registerEvidenceUpload mounts the server-proxied upload route. It is a raw
// chi handler because the body is a binary stream, not JSON; the auth
// middleware still applies since it lives under the API base path.
func registerEvidenceUpload(router chi.Router, basePath string, e *engine.Engine, m *storage.Mediator) {
	router.Put(path.Join(basePath, "tasks/{id}/evidence"), func(w http.ResponseWriter, r *http.Request) {
		p, authErr := principalFromRequest(r.Context())
		if authErr != nil {
			respondStatusError(w, authErr)
			return
		}
		task, err := e.GetTask(r.Context(), p, chi.URLParam(r, "id"))
		if err != nil {
			respondStatusError(w, handleError(err))
			return
		}
		filename := r.URL.Query().Get("filename")
		if filename == "" {
			filename = r.Header.Get("X-Filename")
		}
		contentType := r.Header.Get("Content-Type")
		url, err := m.UploadEvidence(r.Context(), p, task, filename, contentType, r.Body)
		if err != nil {
			respondStatusError(w, handleError(err))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]string{"evidence_url": url})
	})
}

// registerEvidenceStore mounts the object routes outside the API base path:
// a signed PUT for client-direct uploads and a public GET for verification
// photos.
func registerEvidenceStore(router chi.Router, store *storage.DiskStore) {
	router.Put("/evidence/put", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		key := q.Get("key")
		if err := store.VerifyWriteURL(key, q.Get("exp"), q.Get("sig")); err != nil {
			respondStatusError(w, handleError(err))
			return
		}
		url, err := store.PutObject(r.Context(), key, r.Body)
		if err != nil {
			respondStatusError(w, handleError(err))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]string{"public_url": url})
	})

	router.Get("/evidence/*", func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimPrefix(r.URL.Path, "/evidence/")
		if key == "put" || key == "" {
			http.NotFound(w, r)
			return
		}
		f, err := store.Open(key)
		if err != nil {
			if err == os.ErrNotExist {
				http.NotFound(w, r)
				return
			}
			respondStatusError(w, handleError(err))
			return
		}
		defer f.Close()
		if ct := mime.TypeByExtension(path.Ext(key)); ct != "" {
			w.Header().Set("Content-Type", ct)
		}
		_, _ = io.Copy(w, f)
	})
}
