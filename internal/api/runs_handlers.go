package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/serialcrawler/internal/store"
)

const (
	defaultRunLimit      = 50
	maxRunLimit          = 500
	defaultFragmentLimit = 100
	maxFragmentLimit     = 1000
	runsTimeout          = 3 * time.Second
)

// RunHandler exposes read-only session run history.
type RunHandler struct {
	repo    store.SessionRunRepository
	timeout time.Duration
	logger  *zap.Logger
}

// NewRunHandler wires the repository and logger.
func NewRunHandler(repo store.SessionRunRepository, logger *zap.Logger) *RunHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RunHandler{
		repo:    repo,
		timeout: runsTimeout,
		logger:  logger,
	}
}

// ListRuns handles GET /v1/runs?status=&limit=&offset=. It returns
// {"runs": [...]}, 400 for invalid filters, 503 when the repository is
// unavailable, or 500 if the repository call fails.
func (h *RunHandler) ListRuns(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "run history unavailable")
		return
	}
	limit, offset, err := parseLimitOffset(r, defaultRunLimit, maxRunLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var status *store.RunStatus
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		parsed, parseErr := parseStatus(raw)
		if parseErr != nil {
			writeError(w, http.StatusBadRequest, parseErr.Error())
			return
		}
		status = &parsed
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	runs, err := h.repo.ListRuns(ctx, status, limit, offset)
	if err != nil {
		h.logger.Error("list runs failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": toRunDTOs(runs)})
}

// GetRun handles GET /v1/runs/{session_id}.
func (h *RunHandler) GetRun(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "run history unavailable")
		return
	}
	id, err := parseSessionID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	run, err := h.repo.GetRun(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}
		h.logger.Error("get run failed", zap.String("session_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load run")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run": toRunDTO(run)})
}

// ListFragments handles GET /v1/runs/{session_id}/fragments?limit=&offset=.
func (h *RunHandler) ListFragments(w http.ResponseWriter, r *http.Request) {
	if h.repo == nil {
		writeError(w, http.StatusServiceUnavailable, "run history unavailable")
		return
	}
	id, err := parseSessionID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, offset, err := parseLimitOffset(r, defaultFragmentLimit, maxFragmentLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	frags, err := h.repo.ListFragments(ctx, id, limit, offset)
	if err != nil {
		h.logger.Error("list fragments failed", zap.String("session_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list fragments")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"fragments": toFragmentDTOs(frags)})
}

func parseSessionID(r *http.Request) (string, error) {
	id := strings.TrimSpace(chi.URLParam(r, "session_id"))
	if id == "" {
		return "", errors.New("session_id is required")
	}
	return id, nil
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		if val > maxLimit {
			val = maxLimit
		}
		limit = val
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}

func parseStatus(input string) (store.RunStatus, error) {
	switch strings.ToLower(input) {
	case "running":
		return store.RunRunning, nil
	case "completed", "success", "done":
		return store.RunCompleted, nil
	case "failed", "error", "failure":
		return store.RunFailed, nil
	case "canceled", "cancelled", "stopped":
		return store.RunCanceled, nil
	default:
		return "", errors.New("invalid status")
	}
}

type runDTO struct {
	SessionID   string     `json:"session_id"`
	Title       string     `json:"title"`
	OriginRef   string     `json:"origin_ref,omitempty"`
	TargetCount int        `json:"target_count"`
	Fragments   int        `json:"fragments"`
	StartedAt   time.Time  `json:"started_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	Status      string     `json:"status"`
	Note        *string    `json:"note,omitempty"`
}

type fragmentDTO struct {
	Sequence   int       `json:"sequence"`
	Locator    string    `json:"locator"`
	Bytes      int64     `json:"bytes"`
	DurationMs int64     `json:"duration_ms"`
	RecordedAt time.Time `json:"recorded_at"`
}

func toRunDTOs(in []store.SessionRun) []runDTO {
	out := make([]runDTO, 0, len(in))
	for _, run := range in {
		out = append(out, toRunDTO(run))
	}
	return out
}

func toRunDTO(run store.SessionRun) runDTO {
	return runDTO{
		SessionID:   run.SessionID,
		Title:       run.Title,
		OriginRef:   run.OriginRef,
		TargetCount: run.TargetCount,
		Fragments:   run.Fragments,
		StartedAt:   run.StartedAt,
		FinishedAt:  run.FinishedAt,
		Status:      string(run.Status),
		Note:        run.Note,
	}
}

func toFragmentDTOs(in []store.FragmentRecord) []fragmentDTO {
	out := make([]fragmentDTO, 0, len(in))
	for _, f := range in {
		out = append(out, fragmentDTO{
			Sequence:   f.Sequence,
			Locator:    f.Locator,
			Bytes:      f.Bytes,
			DurationMs: f.Duration.Milliseconds(),
			RecordedAt: f.RecordedAt,
		})
	}
	return out
}
