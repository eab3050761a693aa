package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/atinyakov/PluginRepo/internal/middleware"
	"github.com/atinyakov/PluginRepo/internal/models"
	"github.com/atinyakov/PluginRepo/internal/service"
	"go.uber.org/zap"
)

// DefaultMaxUploadSize bounds uploads when no limit is configured.
const DefaultMaxUploadSize = 64 << 20

// UploadService defines the ingestion operation required by the UploadHandler.
type UploadService interface {
	// Ingest validates data and records it in the catalog on behalf of p.
	Ingest(ctx context.Context, p *models.Principal, data []byte) (*service.IngestResult, error)
}

// UploadHandler handles plugin uploads.
type UploadHandler struct {
	Service UploadService
	// MaxSize bounds the request body in bytes.
	MaxSize int64
	Log     *zap.Logger
}

// Upload handles POST /upload. It expects a multipart form with a "file"
// field holding a .zip archive and answers with the ingestion result.
func (h *UploadHandler) Upload(w http.ResponseWriter, r *http.Request) {
	p := middleware.PrincipalFromContext(r.Context())
	if p.IsAnonymous() {
		middleware.Challenge(w)
		return
	}

	limit := h.MaxSize
	if limit <= 0 {
		limit = DefaultMaxUploadSize
	}
	if r.ContentLength > limit {
		http.Error(w, "upload too large", http.StatusRequestEntityTooLarge)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit)

	file, header, err := r.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "upload too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "missing file", http.StatusBadRequest)
		return
	}
	defer file.Close()

	if !strings.HasSuffix(strings.ToLower(header.Filename), ".zip") {
		http.Error(w, "only .zip files are accepted", http.StatusBadRequest)
		return
	}

	data, err := io.ReadAll(file)
	if err != nil {
		http.Error(w, "failed to read upload", http.StatusBadRequest)
		return
	}

	res, err := h.Service.Ingest(r.Context(), p, data)
	if err != nil {
		writeError(w, r, h.Log, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if res.Created {
		w.WriteHeader(http.StatusCreated)
	}
	_ = json.NewEncoder(w).Encode(res)
}
