package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"dispatchd/internal/audience"
	"dispatchd/internal/dispatch"
	"dispatchd/internal/store"
	logx "dispatchd/pkg/logx"
)

// Handler builds the route table. Exposed separately from Start so tests
// can drive it with httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("POST /v1/jobs", s.handleCreateJob)
	mux.HandleFunc("GET /v1/jobs", s.handleListJobs)
	mux.HandleFunc("GET /v1/jobs/{id}", s.handleJobStatus)
	mux.HandleFunc("POST /v1/jobs/{id}/commands", s.handleJobCommand)
	mux.HandleFunc("POST /v1/sweep", s.handleSweep)
	mux.HandleFunc("PUT /v1/segments/{name}", s.handleReplaceSegment)
	return mux
}

type jobJSON struct {
	ID              string `json:"id"`
	Channel         string `json:"channel"`
	Segment         string `json:"segment"`
	Subject         string `json:"subject,omitempty"`
	IntervalSeconds int    `json:"interval_seconds"`

	TotalCandidates int `json:"total_candidates"`
	ValidCandidates int `json:"valid_candidates"`
	SentCount       int `json:"sent_count"`
	FailedCount     int `json:"failed_count"`
	Remaining       int `json:"remaining"`

	Status           string `json:"status"`
	CurrentRecipient string `json:"current_recipient,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

type errorEntryJSON struct {
	RecipientID string    `json:"recipient_id"`
	Label       string    `json:"label"`
	Reason      string    `json:"reason"`
	At          time.Time `json:"at"`
}

func toJobJSON(j *store.Job) jobJSON {
	out := jobJSON{
		ID:               j.ID,
		Channel:          string(j.Channel),
		Segment:          j.Selector,
		Subject:          j.Subject,
		IntervalSeconds:  j.IntervalSeconds,
		TotalCandidates:  j.TotalCandidates,
		ValidCandidates:  j.ValidCandidates,
		SentCount:        j.SentCount,
		FailedCount:      j.FailedCount,
		Remaining:        j.Remaining(),
		Status:           string(j.Status),
		CurrentRecipient: j.CurrentRecipient,
		CreatedAt:        j.CreatedAt,
	}
	if !j.CompletedAt.IsZero() {
		t := j.CompletedAt
		out.CompletedAt = &t
	}
	return out
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type createJobRequest struct {
	Channel         string `json:"channel"`
	Segment         string `json:"segment"`
	Subject         string `json:"subject,omitempty"`
	Body            string `json:"body"`
	IntervalSeconds int    `json:"interval_seconds,omitempty"`
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	job, err := s.svc.CreateJob(r.Context(), dispatch.CreateParams{
		Channel:         store.Channel(strings.TrimSpace(req.Channel)),
		Selector:        strings.TrimSpace(req.Segment),
		Subject:         req.Subject,
		Body:            req.Body,
		IntervalSeconds: req.IntervalSeconds,
	})
	if err != nil {
		switch {
		case errors.Is(err, audience.ErrInvalidSelector):
			writeError(w, http.StatusNotFound, err)
		case errors.Is(err, dispatch.ErrEmptyAudience):
			writeError(w, http.StatusUnprocessableEntity, err)
		case errors.Is(err, dispatch.ErrInvalidParams):
			writeError(w, http.StatusBadRequest, err)
		default:
			// Resolution or persistence broke, not the request.
			writeError(w, http.StatusInternalServerError, err)
		}
		return
	}
	writeJSON(w, http.StatusCreated, toJobJSON(job))
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.svc.ListJobs(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	out := make([]jobJSON, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, toJobJSON(j))
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": out})
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	view, err := s.svc.JobStatus(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	errs := make([]errorEntryJSON, 0, len(view.Errors))
	for _, e := range view.Errors {
		errs = append(errs, errorEntryJSON{
			RecipientID: e.RecipientID,
			Label:       e.Label,
			Reason:      e.Reason,
			At:          e.At,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"job":    toJobJSON(view.Job),
		"errors": errs,
	})
}

type commandRequest struct {
	Command string `json:"command"`
}

func (s *Server) handleJobCommand(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	cmd := dispatch.Command(strings.ToLower(strings.TrimSpace(req.Command)))
	switch cmd {
	case dispatch.CommandPause, dispatch.CommandResume, dispatch.CommandCancel:
	default:
		writeError(w, http.StatusBadRequest, errors.New("unknown command"))
		return
	}
	status, err := s.svc.Apply(r.Context(), r.PathValue("id"), cmd)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			writeError(w, http.StatusNotFound, err)
		case errors.Is(err, dispatch.ErrInvalidTransition):
			writeError(w, http.StatusConflict, err)
		default:
			writeError(w, http.StatusInternalServerError, err)
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(status)})
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	summary, err := s.svc.Sweep(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

type segmentMemberJSON struct {
	ID     string            `json:"id"`
	Label  string            `json:"label,omitempty"`
	Email  string            `json:"email,omitempty"`
	ChatID int64             `json:"chat_id,omitempty"`
	Vars   map[string]string `json:"vars,omitempty"`
}

type replaceSegmentRequest struct {
	Members []segmentMemberJSON `json:"members"`
}

func (s *Server) handleReplaceSegment(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(r.PathValue("name"))
	if name == "" {
		writeError(w, http.StatusBadRequest, errors.New("segment name required"))
		return
	}
	var req replaceSegmentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	members := make([]store.Recipient, 0, len(req.Members))
	for _, m := range req.Members {
		if strings.TrimSpace(m.ID) == "" {
			writeError(w, http.StatusBadRequest, errors.New("member id required"))
			return
		}
		members = append(members, store.Recipient{
			ID:     m.ID,
			Label:  m.Label,
			Email:  m.Email,
			ChatID: m.ChatID,
			Vars:   m.Vars,
		})
	}
	if err := s.st.ReplaceSegment(r.Context(), name, members); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.log.Info("segment replaced", logx.String("segment", name), logx.Int("members", len(members)))
	writeJSON(w, http.StatusOK, map[string]any{"segment": name, "members": len(members)})
}

func decodeJSON(r *http.Request, dst any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("invalid request: trailing data")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
