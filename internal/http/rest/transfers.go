package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/italolelis/netxfer/internal/downloader"
	"github.com/italolelis/netxfer/internal/fault"
	"github.com/italolelis/netxfer/internal/logctx"
	"github.com/italolelis/netxfer/internal/storage"
	"github.com/italolelis/netxfer/internal/telemetry"
	"github.com/italolelis/netxfer/internal/transfer"
)

const maxRequestBody = 1 << 20

// Downloads starts and tracks running transfers.
type Downloads interface {
	Start(ctx context.Context, rawURL string) (*transfer.Handle, error)
	Get(id uuid.UUID) (*transfer.Handle, bool)
	Active() []*transfer.Handle
	Cancel(id uuid.UUID) bool
}

// StartRequest is the body of POST /transfers.
type StartRequest struct {
	URL string `json:"url" validate:"required,url"`
}

// TransferView is the JSON form of a running or journaled transfer.
type TransferView struct {
	ID           string     `json:"id"`
	URL          string     `json:"url"`
	Method       string     `json:"method,omitempty"`
	State        string     `json:"state"`
	Status       string     `json:"status,omitempty"`
	ResponseCode int        `json:"responseCode,omitempty"`
	ErrorDomain  string     `json:"errorDomain,omitempty"`
	ErrorCode    int        `json:"errorCode,omitempty"`
	Error        string     `json:"error,omitempty"`
	BytesDown    int64      `json:"bytesDown"`
	BytesUp      int64      `json:"bytesUp"`
	EntryPath    string     `json:"entryPath,omitempty"`
	StartedAt    *time.Time `json:"startedAt,omitempty"`
	FinishedAt   *time.Time `json:"finishedAt,omitempty"`
	Duration     string     `json:"duration,omitempty"`
}

type errorResponse struct {
	Error     string      `json:"error"`
	RequestID string      `json:"request_id,omitempty"`
	Fields    FieldErrors `json:"fields,omitempty"`
}

type TransferHandler struct {
	downloads Downloads
	journal   storage.TransferReadRepository
	username  string
	password  string
}

// NewTransferHandler creates the status API handler. Basic auth is enforced
// when username is not empty.
func NewTransferHandler(downloads Downloads, journal storage.TransferReadRepository, username, password string) *TransferHandler {
	return &TransferHandler{
		downloads: downloads,
		journal:   journal,
		username:  username,
		password:  password,
	}
}

func (h *TransferHandler) Routes() http.Handler {
	r := chi.NewRouter()

	if h.username != "" {
		r.Use(h.basicAuthMiddleware)
	}

	r.Get("/version", h.HandleVersion)

	r.Route("/transfers", func(r chi.Router) {
		r.Get("/", h.HandleList)
		r.Post("/", h.HandleStart)
		r.Get("/active", h.HandleActive)
		r.Get("/{id}", h.HandleGet)
		r.Delete("/{id}", h.HandleCancel)
	})

	return r
}

// HandleList returns journaled transfers, optionally filtered by ?status= and bounded by ?limit=.
func (h *TransferHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")

	switch status {
	case "", storage.StatusSucceeded, storage.StatusFailed, storage.StatusCancelled:
	default:
		writeError(w, r, http.StatusBadRequest, errors.New("unknown status "+strconv.Quote(status)))

		return
	}

	limit := 100

	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, r, http.StatusBadRequest, errors.New("limit must be a non-negative integer"))

			return
		}

		limit = n
	}

	records, err := h.journal.ListTransfers(r.Context(), status, limit)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, err)

		return
	}

	views := make([]TransferView, 0, len(records))
	for _, rec := range records {
		views = append(views, recordView(rec))
	}

	writeJSON(w, r, http.StatusOK, views)
}

func (h *TransferHandler) HandleActive(w http.ResponseWriter, r *http.Request) {
	active := h.downloads.Active()

	views := make([]TransferView, 0, len(active))
	for _, t := range active {
		views = append(views, handleView(t))
	}

	writeJSON(w, r, http.StatusOK, views)
}

// HandleGet returns a running transfer, or its journal entry once finished.
func (h *TransferHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}

	if t, ok := h.downloads.Get(id); ok {
		writeJSON(w, r, http.StatusOK, handleView(t))

		return
	}

	rec, err := h.journal.GetTransfer(r.Context(), id.String())
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, err)

		return
	}

	if err != nil {
		writeError(w, r, http.StatusInternalServerError, err)

		return
	}

	writeJSON(w, r, http.StatusOK, recordView(rec))
}

// HandleStart starts downloading the URL in the request body.
func (h *TransferHandler) HandleStart(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	var req StartRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		logger.Debug("failed to decode request", "err", err)
		writeError(w, r, http.StatusBadRequest, errors.New("invalid request body"))

		return
	}

	if err := Validate(req); err != nil {
		var fields FieldErrors
		if errors.As(err, &fields) {
			writeJSON(w, r, http.StatusBadRequest, errorResponse{
				Error:     "validation failed",
				RequestID: telemetry.GetRequestID(r.Context()),
				Fields:    fields,
			})

			return
		}

		writeError(w, r, http.StatusBadRequest, err)

		return
	}

	t, err := h.downloads.Start(r.Context(), req.URL)
	if err != nil {
		writeError(w, r, startStatus(err), err)

		return
	}

	w.Header().Set("Location", "/transfers/"+t.ID().String())
	writeJSON(w, r, http.StatusAccepted, handleView(t))
}

// HandleCancel cancels a running transfer.
func (h *TransferHandler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}

	if !h.downloads.Cancel(id) {
		writeError(w, r, http.StatusNotFound, errors.New("no running transfer with this id"))

		return
	}

	w.WriteHeader(http.StatusAccepted)
}

func (h *TransferHandler) HandleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]string{"version": transfer.Version()})
}

func (h *TransferHandler) basicAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if !ok {
			http.Error(w, "invalid authorization format", http.StatusUnauthorized)

			return
		}

		if username != h.username || password != h.password {
			http.Error(w, "invalid username or password", http.StatusUnauthorized)

			return
		}

		next.ServeHTTP(w, r)
	})
}

func parseID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, errors.New("invalid transfer id"))

		return uuid.Nil, false
	}

	return id, true
}

// startStatus maps construction errors of a transfer to a response status.
func startStatus(err error) int {
	if errors.Is(err, downloader.ErrInvalidURL) || errors.Is(err, fault.ErrNilRequest) {
		return http.StatusBadRequest
	}

	if _, code, ok := fault.DomainOf(err); ok && code == fault.CodeUnsupportedProtocol {
		return http.StatusBadRequest
	}

	return http.StatusServiceUnavailable
}

func handleView(t *transfer.Handle) TransferView {
	v := TransferView{
		ID:    t.ID().String(),
		URL:   t.RedactedURL(),
		State: t.State().String(),
	}

	if resp := t.Response(); resp != nil {
		v.ResponseCode = resp.StatusCode
	}

	if err := t.Err(); err != nil {
		v.Error = err.Error()
	}

	return v
}

func recordView(rec storage.TransferRecord) TransferView {
	started, finished := rec.StartedAt, rec.FinishedAt

	return TransferView{
		ID:           rec.ID,
		URL:          rec.URL,
		Method:       rec.Method,
		State:        transfer.StateCompleted.String(),
		Status:       rec.Status,
		ResponseCode: rec.ResponseCode,
		ErrorDomain:  rec.ErrorDomain,
		ErrorCode:    rec.ErrorCode,
		Error:        rec.Error,
		BytesDown:    rec.BytesDown,
		BytesUp:      rec.BytesUp,
		EntryPath:    rec.EntryPath,
		StartedAt:    &started,
		FinishedAt:   &finished,
		Duration:     rec.Duration().String(),
	}
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		logctx.LoggerFromContext(r.Context()).Error("failed to encode response", "err", err)
	}
}

func writeError(w http.ResponseWriter, r *http.Request, status int, err error) {
	if status >= http.StatusInternalServerError {
		logctx.LoggerFromContext(r.Context()).Error("request failed", "path", r.URL.Path, "err", err)
	}

	writeJSON(w, r, status, errorResponse{Error: err.Error(), RequestID: telemetry.GetRequestID(r.Context())})
}
