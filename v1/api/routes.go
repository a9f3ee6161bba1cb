package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// BasePath prefixes every book route.
const BasePath = "/api/v1/books"

// Options configures NewRouter.
type Options struct {
	Logger *zap.Logger
	// RequestsPerMinute per client IP; zero disables rate limiting.
	RequestsPerMinute int
	Burst             int
}

// NewRouter wires the book routes behind recovery, request logging and
// per-client rate limiting. The middleware also covers unmatched paths.
func NewRouter(inv Inventory, opts Options) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	h := NewHandler(inv, logger.Named("api"))

	r := mux.NewRouter()

	books := r.PathPrefix(BasePath).Subrouter()
	books.HandleFunc("", h.Add).Methods(http.MethodPost)
	books.HandleFunc("/", h.Add).Methods(http.MethodPost)
	books.HandleFunc("/author/{author}", h.FindByAuthor).Methods(http.MethodGet)
	books.HandleFunc("/{isbn}", h.FindByISBN).Methods(http.MethodGet)
	books.HandleFunc("/{isbn}", h.Remove).Methods(http.MethodDelete)
	books.HandleFunc("/{isbn}/borrow", h.Borrow).Methods(http.MethodPut)
	books.HandleFunc("/{isbn}/return", h.Return).Methods(http.MethodPut)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeProblem(w, notFoundProblem)
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeProblem(w, Problem{
			Title:   "Method not allowed",
			Status:  http.StatusMethodNotAllowed,
			Message: "The requested method is not supported for this resource",
		})
	})

	chain := []Middleware{RecoveryMiddleware(logger), LoggingMiddleware(logger)}
	if opts.RequestsPerMinute > 0 {
		chain = append(chain, NewRateLimiter(opts.RequestsPerMinute, opts.Burst).Middleware)
	}
	return Chain(r, chain...)
}
