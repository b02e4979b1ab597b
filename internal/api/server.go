// Package api exposes the job-source trigger over HTTP: submit a snipe job,
// read its status, or request cancellation. Callers authenticate with a
// bearer API key; per-job access is gated by a signed handle token returned
// at submit time, so one caller cannot touch another's jobs.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/securecookie"

	"github.com/example/resy-sniper/internal/db"
	"github.com/example/resy-sniper/internal/jobs"
	"github.com/example/resy-sniper/internal/snipe"
)

// JobStore is the slice of the jobs repo the API needs.
type JobStore interface {
	Create(ctx context.Context, rec jobs.Record) (uuid.UUID, error)
	Get(ctx context.Context, id uuid.UUID) (jobs.Record, error)
	RequestCancel(ctx context.Context, id uuid.UUID) (string, error)
}

// KeyVerifier authenticates presented API keys.
type KeyVerifier interface {
	VerifyAPIKey(ctx context.Context, raw string) (bool, error)
}

type Server struct {
	Store    JobStore
	Keys     KeyVerifier
	Logger   *slog.Logger
	Location *time.Location // platform-local zone for drop time parsing

	handles *securecookie.SecureCookie
}

// NewServer builds the API surface. hashKey/blockKey sign and encrypt the
// job handle tokens.
func NewServer(store JobStore, keys KeyVerifier, hashKey, blockKey []byte, logger *slog.Logger, loc *time.Location) *Server {
	sc := securecookie.New(hashKey, blockKey)
	sc.MaxAge(0) // handles stay valid for the job's whole lifetime
	return &Server{
		Store:    store,
		Keys:     keys,
		Logger:   logger,
		Location: loc,
		handles:  sc,
	}
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(s.logRequests)
	r.Use(s.recoverPanics)

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.authenticate)
		r.Post("/jobs", s.handleSubmit)
		r.Get("/jobs/{handle}", s.handleStatus)
		r.Delete("/jobs/{handle}", s.handleCancel)
	})

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return r
}

// submitRequest mirrors the job fields; exactly one of ideal_date and
// days_in_advance must be set, enforced by job validation.
type submitRequest struct {
	VenueID       string  `json:"venue_id"`
	PartySize     int     `json:"party_size"`
	IdealDate     string  `json:"ideal_date,omitempty"`
	DaysInAdvance int     `json:"days_in_advance,omitempty"`
	IdealTime     string  `json:"ideal_time"`
	WindowHours   float64 `json:"window_hours"`
	PreferEarlier bool    `json:"prefer_earlier"`
	SeatingType   string  `json:"seating_type,omitempty"`
	DropDate      string  `json:"drop_date"` // YYYY-MM-DD, platform-local
	DropTime      string  `json:"drop_time"` // HH:MM, platform-local
}

type submitResponse struct {
	ID     string `json:"id"`
	Handle string `json:"handle"`
	Status string `json:"status"`
}

type statusResponse struct {
	ID           string     `json:"id"`
	Status       string     `json:"status"`
	VenueID      string     `json:"venue_id"`
	BookDate     string     `json:"book_date"`
	DropTime     time.Time  `json:"drop_time"`
	Confirmation *string    `json:"confirmation,omitempty"`
	FailureKind  *string    `json:"failure_kind,omitempty"`
	Reason       *string    `json:"failure_reason,omitempty"`
	SlotsSeen    int        `json:"slots_seen"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	drop, err := time.ParseInLocation("2006-01-02 15:04", req.DropDate+" "+req.DropTime, s.Location)
	if err != nil {
		writeError(w, http.StatusBadRequest, "drop_date/drop_time must be YYYY-MM-DD and HH:MM")
		return
	}

	// Validate through the same constructor the manager trusts; rejects
	// contradictory date fields before anything is persisted.
	job, err := snipe.NewJob(snipe.JobParams{
		VenueID:              req.VenueID,
		PartySize:            req.PartySize,
		IdealDate:            req.IdealDate,
		DaysInAdvance:        req.DaysInAdvance,
		IdealTime:            req.IdealTime,
		WindowHours:          req.WindowHours,
		PreferEarlier:        req.PreferEarlier,
		PreferredSeatingType: req.SeatingType,
		DropTime:             drop,
	}, time.Now())
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	id, err := s.Store.Create(r.Context(), jobs.Record{
		VenueID:       job.VenueID,
		PartySize:     job.PartySize,
		BookDate:      job.BookDate,
		IdealTime:     job.IdealTime.String(),
		WindowMinutes: int(job.Window / time.Minute),
		PreferEarlier: job.PreferEarlier,
		SeatingType:   job.SeatingType,
		DropTime:      job.DropTime,
		Timezone:      s.Location.String(),
	})
	if err != nil {
		if db.IsConflict(err) {
			writeError(w, http.StatusConflict, "a job for this venue, date and drop already exists")
			return
		}
		s.Logger.Error("job create failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	handle, err := s.handles.Encode("job", id.String())
	if err != nil {
		s.Logger.Error("handle encode failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusCreated, submitResponse{ID: id.String(), Handle: handle, Status: jobs.StatusScheduled})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := s.decodeHandle(w, r)
	if !ok {
		return
	}
	rec, err := s.Store.Get(r.Context(), id)
	if err != nil {
		if db.IsNotFound(err) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		s.Logger.Error("job lookup failed", "job", id, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{
		ID:           rec.ID.String(),
		Status:       rec.Status,
		VenueID:      rec.VenueID,
		BookDate:     rec.BookDate.Format("2006-01-02"),
		DropTime:     rec.DropTime,
		Confirmation: rec.Confirmation,
		FailureKind:  rec.FailureKind,
		Reason:       rec.FailureReason,
		SlotsSeen:    len(rec.LastSlots),
		FinishedAt:   rec.FinishedAt,
	})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id, ok := s.decodeHandle(w, r)
	if !ok {
		return
	}
	status, err := s.Store.RequestCancel(r.Context(), id)
	if err != nil {
		if db.IsNotFound(err) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		s.Logger.Error("cancel failed", "job", id, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id.String(), "status": status})
}

func (s *Server) decodeHandle(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	var idStr string
	if err := s.handles.Decode("job", chi.URLParam(r, "handle"), &idStr); err != nil {
		writeError(w, http.StatusForbidden, "invalid job handle")
		return uuid.Nil, false
	}
	id, err := uuid.Parse(idStr)
	if err != nil {
		writeError(w, http.StatusForbidden, "invalid job handle")
		return uuid.Nil, false
	}
	return id, true
}

// --- middleware ---

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		const prefix = "Bearer "
		auth := r.Header.Get("Authorization")
		if len(auth) <= len(prefix) || auth[:len(prefix)] != prefix {
			writeError(w, http.StatusUnauthorized, "missing bearer API key")
			return
		}
		ok, err := s.Keys.VerifyAPIKey(r.Context(), auth[len(prefix):])
		if err != nil {
			s.Logger.Error("api key verification failed", "err", err)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		if !ok {
			writeError(w, http.StatusUnauthorized, "invalid API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.Logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

func (s *Server) recoverPanics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				s.Logger.Error("handler panic", "path", r.URL.Path, "panic", fmt.Sprint(v))
				writeError(w, http.StatusInternalServerError, "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
