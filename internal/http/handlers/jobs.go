package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"r2v/internal/domain"
	"r2v/internal/middleware"
	"r2v/internal/queue"
)

// jobOut is the wire shape of an AI or scan job.
type jobOut struct {
	ID             string         `json:"id"`
	Status         string         `json:"status"`
	Progress       int            `json:"progress"`
	CreatedAt      string         `json:"created_at"`
	UpdatedAt      string         `json:"updated_at"`
	Prompt         *string        `json:"prompt"`
	Metadata       map[string]any `json:"metadata"`
	OutputGLBKey   *string        `json:"output_glb_key"`
	OutputSTLKey   *string        `json:"output_stl_key"`
	OutputImageKey *string        `json:"output_image_key"`
	PreviewKeys    []string       `json:"preview_keys"`
	Error          *string        `json:"error"`
}

func toJobOut(j *domain.Job) jobOut {
	out := jobOut{
		ID:             j.ID,
		Status:         string(j.Status),
		Progress:       j.Progress,
		CreatedAt:      j.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:      j.UpdatedAt.UTC().Format(time.RFC3339),
		Metadata:       j.Metadata,
		OutputGLBKey:   j.OutputGLBKey,
		OutputSTLKey:   j.OutputSTLKey,
		OutputImageKey: j.OutputImageKey,
		PreviewKeys:    j.PreviewKeys,
		Error:          j.Error,
	}
	if j.Kind == domain.JobKindAI {
		prompt := j.Prompt
		out.Prompt = &prompt
	}
	if out.Metadata == nil {
		out.Metadata = map[string]any{}
	}
	if out.PreviewKeys == nil {
		out.PreviewKeys = []string{}
	}
	return out
}

func toJobOuts(jobs []*domain.Job) []jobOut {
	out := make([]jobOut, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, toJobOut(j))
	}
	return out
}

type downloadOut struct {
	URL       string `json:"url"`
	ExpiresIn int    `json:"expires_in"`
}

// ownedJob loads the job named by the {id} URL parameter and enforces
// ownership. Admins may read any job. It writes the error response itself and
// returns nil when the caller should stop.
func (a *App) ownedJob(w http.ResponseWriter, r *http.Request, kind domain.JobKind) *domain.Job {
	job, err := a.Jobs.Get(r.Context(), kind, chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			a.error(w, http.StatusNotFound, "not_found", "Not found")
			return nil
		}
		a.internal(w, r, err, "load job failed")
		return nil
	}
	if job.UserID != a.currentUserID(r) && !middleware.IsAdmin(r.Context()) {
		a.error(w, http.StatusForbidden, "forbidden", "Forbidden")
		return nil
	}
	return job
}

func (a *App) listJobs(w http.ResponseWriter, r *http.Request, kind domain.JobKind) {
	limit, offset := pagination(r)
	jobs, err := a.Jobs.ListByUser(r.Context(), kind, a.currentUserID(r), limit, offset)
	if err != nil {
		a.internal(w, r, err, "list jobs failed")
		return
	}
	a.json(w, http.StatusOK, toJobOuts(jobs))
}

func (a *App) downloadJobGLB(w http.ResponseWriter, r *http.Request, kind domain.JobKind) {
	job := a.ownedJob(w, r, kind)
	if job == nil {
		return
	}
	if job.OutputGLBKey == nil || *job.OutputGLBKey == "" {
		a.error(w, http.StatusNotFound, "not_found", "No GLB yet")
		return
	}
	expiry := a.downloadExpiry()
	url, err := a.Storage.PresignGet(r.Context(), a.Buckets.JobOutputs, *job.OutputGLBKey, expiry)
	if err != nil {
		a.internal(w, r, err, "presign download failed")
		return
	}
	a.json(w, http.StatusOK, downloadOut{URL: url, ExpiresIn: int(expiry / time.Second)})
}

// enqueue publishes the job. A job that cannot be handed to the queue is
// marked failed so it never sits queued forever.
func (a *App) enqueue(w http.ResponseWriter, r *http.Request, job *domain.Job) bool {
	err := a.Queue.Publish(r.Context(), queue.Task{Kind: job.Kind, JobID: job.ID})
	if err == nil {
		return true
	}
	a.Logger.Error().Err(err).Str("job_id", job.ID).Str("kind", string(job.Kind)).Msg("http: enqueue failed")
	msg := "enqueue failed"
	job.Status = domain.JobStatusFailed
	job.Error = &msg
	if saveErr := a.Jobs.Save(r.Context(), job); saveErr != nil {
		a.Logger.Error().Err(saveErr).Str("job_id", job.ID).Msg("http: mark unqueued job failed")
	}
	a.error(w, http.StatusServiceUnavailable, "unavailable", "Job queue unavailable")
	return false
}
