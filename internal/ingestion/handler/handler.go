package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/itamittech/documentsearch/internal/document"
	"github.com/itamittech/documentsearch/internal/ingestion"
	"github.com/itamittech/documentsearch/pkg/api"
	apperrors "github.com/itamittech/documentsearch/pkg/errors"
	"github.com/itamittech/documentsearch/pkg/logger"
)

// maxBodyBytes bounds a create request body.
const maxBodyBytes = 12 << 20

// Service is the document operations the handler exposes.
type Service interface {
	Create(ctx context.Context, req *ingestion.CreateRequest) (*document.Document, error)
	Get(ctx context.Context, id string) (*document.Document, error)
	List(ctx context.Context, page, size int) (*ingestion.Page, error)
	Delete(ctx context.Context, id string) error
}

type Handler struct {
	svc    Service
	logger *slog.Logger
}

func New(svc Service) *Handler {
	return &Handler{
		svc:    svc,
		logger: slog.Default().With("component", "document-handler"),
	}
}

// Register mounts the document routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/documents", h.Create)
	mux.HandleFunc("GET /api/v1/documents", h.List)
	mux.HandleFunc("GET /api/v1/documents/{id}", h.Get)
	mux.HandleFunc("DELETE /api/v1/documents/{id}", h.Delete)
}

func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	var req ingestion.CreateRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		api.WriteError(w, r, apperrors.New(apperrors.ErrValidation, http.StatusBadRequest, "invalid JSON body"))
		return
	}

	doc, err := h.svc.Create(r.Context(), &req)
	if err != nil {
		h.fail(w, r, "create document failed", err)
		return
	}
	api.WriteJSON(w, http.StatusAccepted, "Document created successfully", ingestion.CreateResponse{
		DocumentID: doc.ID,
		Status:     doc.Status,
		Message:    "Document queued for indexing",
	})
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	doc, err := h.svc.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, r, "get document failed", err)
		return
	}
	api.WriteJSON(w, http.StatusOK, "", doc)
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	page, err := intParam(r, "page", 0)
	if err != nil {
		api.WriteError(w, r, err)
		return
	}
	size, err := intParam(r, "size", 10)
	if err != nil {
		api.WriteError(w, r, err)
		return
	}
	result, err := h.svc.List(r.Context(), page, size)
	if err != nil {
		h.fail(w, r, "list documents failed", err)
		return
	}
	api.WriteJSON(w, http.StatusOK, "", result)
}

func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.svc.Delete(r.Context(), id); err != nil {
		h.fail(w, r, "delete document failed", err)
		return
	}
	api.WriteJSON(w, http.StatusAccepted, "Document deletion initiated", ingestion.DeleteResponse{
		DocumentID: id,
		Status:     "deletion_queued",
		Message:    "Document queued for deletion",
	})
}

// fail logs server-side failures with context and writes the error envelope.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, msg string, err error) {
	status := apperrors.HTTPStatusCode(err)
	if status >= http.StatusInternalServerError {
		logger.FromContext(r.Context()).Error(msg, "error", err, "status_code", status)
	}
	api.WriteError(w, r, err)
}

func intParam(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, &apperrors.ValidationError{Fields: map[string]string{name: "must be a non-negative integer"}}
	}
	return n, nil
}
