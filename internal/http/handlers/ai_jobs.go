package handlers

import (
	"net/http"
	"strings"
	"unicode/utf8"

	"r2v/internal/domain"
)

const maxPromptChars = 2000

type aiJobCreateIn struct {
	Prompt   string         `json:"prompt"`
	Settings map[string]any `json:"settings"`
}

// CreateAIJob handles POST /api/ai/jobs.
func (a *App) CreateAIJob(w http.ResponseWriter, r *http.Request) {
	var in aiJobCreateIn
	if !a.decode(w, r, &in) {
		return
	}
	n := utf8.RuneCountInString(in.Prompt)
	if strings.TrimSpace(in.Prompt) == "" || n > maxPromptChars {
		a.error(w, http.StatusBadRequest, "bad_request", "prompt must be 1-2000 characters")
		return
	}
	if in.Settings == nil {
		in.Settings = map[string]any{}
	}

	job := &domain.Job{
		Kind:     domain.JobKindAI,
		UserID:   a.currentUserID(r),
		Status:   domain.JobStatusQueued,
		Prompt:   in.Prompt,
		Settings: in.Settings,
		Metadata: map[string]any{},
	}
	if err := a.Jobs.Create(r.Context(), job); err != nil {
		a.internal(w, r, err, "create job failed")
		return
	}
	if !a.enqueue(w, r, job) {
		return
	}
	a.json(w, http.StatusCreated, toJobOut(job))
}

// ListAIJobs handles GET /api/ai/jobs.
func (a *App) ListAIJobs(w http.ResponseWriter, r *http.Request) {
	a.listJobs(w, r, domain.JobKindAI)
}

// GetAIJob handles GET /api/ai/jobs/{id}.
func (a *App) GetAIJob(w http.ResponseWriter, r *http.Request) {
	if job := a.ownedJob(w, r, domain.JobKindAI); job != nil {
		a.json(w, http.StatusOK, toJobOut(job))
	}
}

// DownloadAIJobGLB handles GET /api/ai/jobs/{id}/download/glb.
func (a *App) DownloadAIJobGLB(w http.ResponseWriter, r *http.Request) {
	a.downloadJobGLB(w, r, domain.JobKindAI)
}
