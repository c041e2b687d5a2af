package handlers

import (
	"errors"
	"net/http"
	"strings"

	"r2v/internal/domain"
	"r2v/internal/storage"
)

type scanJobCreateIn struct {
	Kind string `json:"kind"`
}

type presignIn struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
}

type presignedUpload struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers"`
	Key     string            `json:"key"`
}

// CreateScanJob handles POST /api/scan/jobs.
func (a *App) CreateScanJob(w http.ResponseWriter, r *http.Request) {
	var in scanJobCreateIn
	if !a.decode(w, r, &in) {
		return
	}
	kind := strings.ToLower(strings.TrimSpace(in.Kind))
	if kind == "" {
		kind = domain.ScanKindPhotos
	}
	if kind != domain.ScanKindPhotos && kind != domain.ScanKindZip {
		a.error(w, http.StatusBadRequest, "bad_request", "kind must be photos|zip")
		return
	}

	job := &domain.Job{
		Kind:      domain.JobKindScan,
		UserID:    a.currentUserID(r),
		Status:    domain.JobStatusCreated,
		InputKeys: []string{},
		Metadata:  map[string]any{"kind": kind},
	}
	if err := a.Jobs.Create(r.Context(), job); err != nil {
		a.internal(w, r, err, "create job failed")
		return
	}
	a.json(w, http.StatusCreated, toJobOut(job))
}

// PresignScanUpload handles POST /api/scan/jobs/{id}/presign. The key is
// recorded before the client uploads; a key whose upload never happens fails
// the job at download time.
func (a *App) PresignScanUpload(w http.ResponseWriter, r *http.Request) {
	job := a.ownedJob(w, r, domain.JobKindScan)
	if job == nil {
		return
	}
	var in presignIn
	if !a.decode(w, r, &in) {
		return
	}
	if strings.TrimSpace(in.Filename) == "" || strings.TrimSpace(in.ContentType) == "" {
		a.error(w, http.StatusBadRequest, "bad_request", "filename and content_type are required")
		return
	}

	key := storage.InputKey(job.UserID, job.ID, in.Filename)
	url, err := a.Storage.PresignPut(r.Context(), a.Buckets.ScansRaw, key, a.uploadExpiry(), in.ContentType)
	if err != nil {
		a.internal(w, r, err, "presign upload failed")
		return
	}
	if err := a.Jobs.AppendInputKey(r.Context(), job.ID, key); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			a.error(w, http.StatusNotFound, "not_found", "Not found")
			return
		}
		a.internal(w, r, err, "record input key failed")
		return
	}
	a.json(w, http.StatusOK, presignedUpload{
		URL:     url,
		Method:  http.MethodPut,
		Headers: map[string]string{"Content-Type": in.ContentType},
		Key:     key,
	})
}

// StartScanJob handles POST /api/scan/jobs/{id}/start.
func (a *App) StartScanJob(w http.ResponseWriter, r *http.Request) {
	job := a.ownedJob(w, r, domain.JobKindScan)
	if job == nil {
		return
	}
	if len(job.InputKeys) == 0 {
		a.error(w, http.StatusBadRequest, "bad_request", "Upload images first")
		return
	}
	queued, err := a.Jobs.MarkQueued(r.Context(), domain.JobKindScan, job.ID)
	if err != nil {
		a.internal(w, r, err, "queue job failed")
		return
	}
	if !a.enqueue(w, r, queued) {
		return
	}
	a.json(w, http.StatusOK, toJobOut(queued))
}

// ListScanJobs handles GET /api/scan/jobs.
func (a *App) ListScanJobs(w http.ResponseWriter, r *http.Request) {
	a.listJobs(w, r, domain.JobKindScan)
}

// GetScanJob handles GET /api/scan/jobs/{id}.
func (a *App) GetScanJob(w http.ResponseWriter, r *http.Request) {
	if job := a.ownedJob(w, r, domain.JobKindScan); job != nil {
		a.json(w, http.StatusOK, toJobOut(job))
	}
}

// DownloadScanJobGLB handles GET /api/scan/jobs/{id}/download/glb.
func (a *App) DownloadScanJobGLB(w http.ResponseWriter, r *http.Request) {
	a.downloadJobGLB(w, r, domain.JobKindScan)
}
