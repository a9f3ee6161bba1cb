package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/mirkobrombin/go-lend/v1/model"
)

// Inventory is the part of inventory.Service the API needs.
type Inventory interface {
	Add(ctx context.Context, rec model.Record) error
	Remove(ctx context.Context, key string) error
	Borrow(ctx context.Context, key string) (model.Record, error)
	Return(ctx context.Context, key string) (model.Record, error)
	FindByKey(ctx context.Context, key string) (model.Record, error)
	FindByAuthor(ctx context.Context, author string) ([]model.Record, error)
}

// Handler serves the book endpoints.
type Handler struct {
	inv      Inventory
	logger   *zap.Logger
	validate *validator.Validate
}

// NewHandler returns a Handler over inv. A nil logger disables logging.
func NewHandler(inv Inventory, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{inv: inv, logger: logger, validate: newValidator()}
}

func (h *Handler) fail(w http.ResponseWriter, err error) {
	writeProblem(w, problemFor(err, h.logger))
}

// GET /api/v1/books/{isbn}
func (h *Handler) FindByISBN(w http.ResponseWriter, r *http.Request) {
	rec, err := h.inv.FindByKey(r.Context(), mux.Vars(r)["isbn"])
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// GET /api/v1/books/author/{author}
func (h *Handler) FindByAuthor(w http.ResponseWriter, r *http.Request) {
	recs, err := h.inv.FindByAuthor(r.Context(), mux.Vars(r)["author"])
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

// POST /api/v1/books
func (h *Handler) Add(w http.ResponseWriter, r *http.Request) {
	var p recordPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeProblem(w, Problem{
			Title:   "Malformed request body",
			Detail:  err.Error(),
			Status:  http.StatusBadRequest,
			Message: "The request body is not valid JSON",
		})
		return
	}
	if err := h.validate.Struct(p); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			h.fail(w, err)
			return
		}
		writeProblem(w, Problem{
			Title:   "Validation errors occurred",
			Detail:  describe(verrs),
			Status:  http.StatusBadRequest,
			Message: "Validation failed for one or more fields",
		})
		return
	}
	if err := h.inv.Add(r.Context(), p.record()); err != nil {
		h.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

// PUT /api/v1/books/{isbn}/borrow
func (h *Handler) Borrow(w http.ResponseWriter, r *http.Request) {
	rec, err := h.inv.Borrow(r.Context(), mux.Vars(r)["isbn"])
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// PUT /api/v1/books/{isbn}/return
func (h *Handler) Return(w http.ResponseWriter, r *http.Request) {
	rec, err := h.inv.Return(r.Context(), mux.Vars(r)["isbn"])
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// DELETE /api/v1/books/{isbn}
func (h *Handler) Remove(w http.ResponseWriter, r *http.Request) {
	if err := h.inv.Remove(r.Context(), mux.Vars(r)["isbn"]); err != nil {
		h.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
