package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/mirkobrombin/go-lend/v1/inventory"
	"github.com/mirkobrombin/go-lend/v1/model"
)

// Problem is the JSON body of every error response.
type Problem struct {
	Title   string `json:"title"`
	Detail  string `json:"detail,omitempty"`
	Status  int    `json:"status"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeProblem(w http.ResponseWriter, p Problem) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

// problemFor maps an inventory error to its response. Anything that is not a
// business outcome is a 500 and is logged.
func problemFor(err error, logger *zap.Logger) Problem {
	switch {
	case errors.Is(err, inventory.ErrNotFound):
		return Problem{
			Title:   "Book not found",
			Detail:  err.Error(),
			Status:  http.StatusNotFound,
			Message: "Book with the given ISBN was not found",
		}
	case errors.Is(err, inventory.ErrAlreadyExists):
		return Problem{
			Title:   "Book already exists",
			Detail:  err.Error(),
			Status:  http.StatusConflict,
			Message: "A book with the given ISBN already exists",
		}
	case errors.Is(err, inventory.ErrInsufficientCopies):
		return Problem{
			Title:   "Insufficient number of available copies of book",
			Detail:  err.Error(),
			Status:  http.StatusConflict,
			Message: "Not enough copies of the book are available",
		}
	case errors.Is(err, model.ErrEmptyKey), errors.Is(err, model.ErrNegativeCopies):
		return Problem{
			Title:   "Validation errors occurred",
			Detail:  err.Error(),
			Status:  http.StatusBadRequest,
			Message: "Validation failed for one or more fields",
		}
	}
	logger.Error("unexpected error", zap.Error(err))
	return Problem{
		Title:   "Internal Server Error",
		Detail:  "An unexpected error occurred: " + err.Error(),
		Status:  http.StatusInternalServerError,
		Message: "An unexpected error occurred",
	}
}

var notFoundProblem = Problem{
	Title:   "The requested resource was not found",
	Status:  http.StatusNotFound,
	Message: "The requested resource was not found",
}
