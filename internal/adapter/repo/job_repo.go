package repo

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"r2v/internal/domain"
	"r2v/internal/infra"
	"r2v/internal/sqlinline"
)

// JobRepositoryPG implements domain.JobRepository over the ai_jobs and
// scan_jobs tables.
type JobRepositoryPG struct {
	db infra.SQLExecutor
}

// NewJobRepository creates a new job repository backed by PostgreSQL.
func NewJobRepository(db infra.SQLExecutor) *JobRepositoryPG {
	return &JobRepositoryPG{db: db}
}

// Create inserts a new job record. A missing ID is generated.
func (r *JobRepositoryPG) Create(ctx context.Context, job *domain.Job) error {
	if job == nil {
		return fmt.Errorf("%w: job is required", domain.ErrInvalidInput)
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	metadata, err := marshalObject(job.Metadata)
	if err != nil {
		return err
	}
	var row scanner
	switch job.Kind {
	case domain.JobKindAI:
		settings, err := marshalObject(job.Settings)
		if err != nil {
			return err
		}
		row = r.db.QueryRow(ctx, sqlinline.QInsertAIJob,
			job.ID, job.UserID, string(job.Status), job.Progress, job.Prompt, settings, metadata)
	case domain.JobKindScan:
		inputs, err := marshalList(job.InputKeys)
		if err != nil {
			return err
		}
		row = r.db.QueryRow(ctx, sqlinline.QInsertScanJob,
			job.ID, job.UserID, string(job.Status), job.Progress, inputs, metadata)
	default:
		return fmt.Errorf("%w: unknown job kind %q", domain.ErrInvalidInput, job.Kind)
	}
	if err := row.Scan(&job.CreatedAt, &job.UpdatedAt); err != nil {
		return fmt.Errorf("insert %s job: %w", job.Kind, err)
	}
	return nil
}

// Get fetches a job by kind and id.
func (r *JobRepositoryPG) Get(ctx context.Context, kind domain.JobKind, id string) (*domain.Job, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, domain.ErrNotFound
	}
	var query string
	switch kind {
	case domain.JobKindAI:
		query = sqlinline.QGetAIJob
	case domain.JobKindScan:
		query = sqlinline.QGetScanJob
	default:
		return nil, fmt.Errorf("%w: unknown job kind %q", domain.ErrInvalidInput, kind)
	}
	job, err := scanJob(kind, r.db.QueryRow(ctx, query, id))
	if err != nil {
		if infra.IsNoRows(err) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return job, nil
}

// ListByUser returns the user's jobs, newest first.
func (r *JobRepositoryPG) ListByUser(ctx context.Context, kind domain.JobKind, userID string, limit, offset int) ([]*domain.Job, error) {
	var query string
	switch kind {
	case domain.JobKindAI:
		query = sqlinline.QListAIJobsByUser
	case domain.JobKindScan:
		query = sqlinline.QListScanJobsByUser
	default:
		return nil, fmt.Errorf("%w: unknown job kind %q", domain.ErrInvalidInput, kind)
	}
	rows, err := r.db.Query(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	jobs := make([]*domain.Job, 0, limit)
	for rows.Next() {
		job, err := scanJob(kind, rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// Save persists the run-owned fields of a job and refreshes UpdatedAt.
func (r *JobRepositoryPG) Save(ctx context.Context, job *domain.Job) error {
	timings, err := json.Marshal(nonNilTimings(job.Timings))
	if err != nil {
		return fmt.Errorf("encode timings: %w", err)
	}
	previews, err := marshalList(job.PreviewKeys)
	if err != nil {
		return err
	}
	var row scanner
	switch job.Kind {
	case domain.JobKindAI:
		row = r.db.QueryRow(ctx, sqlinline.QSaveAIJob,
			job.ID, string(job.Status), job.Progress, string(timings),
			job.OutputImageKey, job.OutputGLBKey, job.OutputSTLKey, previews, job.Error)
	case domain.JobKindScan:
		row = r.db.QueryRow(ctx, sqlinline.QSaveScanJob,
			job.ID, string(job.Status), job.Progress, string(timings),
			job.OutputGLBKey, job.OutputSTLKey, previews, job.Error)
	default:
		return fmt.Errorf("%w: unknown job kind %q", domain.ErrInvalidInput, job.Kind)
	}
	var updated time.Time
	if err := row.Scan(&updated); err != nil {
		if infra.IsNoRows(err) {
			return domain.ErrNotFound
		}
		return fmt.Errorf("save %s job %s: %w", job.Kind, job.ID, err)
	}
	job.UpdatedAt = updated
	return nil
}

// AppendInputKey adds key to the end of a scan job's input list.
func (r *JobRepositoryPG) AppendInputKey(ctx context.Context, id, key string) error {
	tag, err := r.db.Exec(ctx, sqlinline.QAppendScanInputKey, id, key)
	if err != nil {
		return fmt.Errorf("append input key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// MarkQueued resets the job to queued/0 and returns the fresh row.
func (r *JobRepositoryPG) MarkQueued(ctx context.Context, kind domain.JobKind, id string) (*domain.Job, error) {
	query := sqlinline.QQueueAIJob
	if kind == domain.JobKindScan {
		query = sqlinline.QQueueScanJob
	}
	tag, err := r.db.Exec(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("queue %s job: %w", kind, err)
	}
	if tag.RowsAffected() == 0 {
		return nil, domain.ErrNotFound
	}
	return r.Get(ctx, kind, id)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(kind domain.JobKind, row scanner) (*domain.Job, error) {
	job := &domain.Job{Kind: kind}
	var (
		status                      string
		settings, metadata, timings []byte
		inputs, previews            []byte
	)
	var err error
	switch kind {
	case domain.JobKindAI:
		err = row.Scan(&job.ID, &job.UserID, &status, &job.Progress, &job.Prompt, &settings, &metadata, &timings,
			&job.OutputImageKey, &job.OutputGLBKey, &job.OutputSTLKey, &previews, &job.Error, &job.CreatedAt, &job.UpdatedAt)
	default:
		err = row.Scan(&job.ID, &job.UserID, &status, &job.Progress, &inputs, &metadata, &timings,
			&job.OutputGLBKey, &job.OutputSTLKey, &previews, &job.Error, &job.CreatedAt, &job.UpdatedAt)
	}
	if err != nil {
		return nil, err
	}
	job.Status = domain.JobStatus(status)
	if err := unmarshalInto(settings, &job.Settings); err != nil {
		return nil, fmt.Errorf("decode settings: %w", err)
	}
	if err := unmarshalInto(metadata, &job.Metadata); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	if err := unmarshalInto(timings, &job.Timings); err != nil {
		return nil, fmt.Errorf("decode timings: %w", err)
	}
	if err := unmarshalInto(inputs, &job.InputKeys); err != nil {
		return nil, fmt.Errorf("decode input keys: %w", err)
	}
	if err := unmarshalInto(previews, &job.PreviewKeys); err != nil {
		return nil, fmt.Errorf("decode preview keys: %w", err)
	}
	return job, nil
}

func unmarshalInto(raw []byte, dest any) error {
	if len(strings.TrimSpace(string(raw))) == 0 {
		return nil
	}
	return json.Unmarshal(raw, dest)
}

func marshalObject(m map[string]any) (string, error) {
	if m == nil {
		return "{}", nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("%w: encode object: %v", domain.ErrInvalidInput, err)
	}
	return string(raw), nil
}

func marshalList(items []string) (string, error) {
	if items == nil {
		items = []string{}
	}
	raw, err := json.Marshal(items)
	if err != nil {
		return "", fmt.Errorf("encode list: %w", err)
	}
	return string(raw), nil
}

func nonNilTimings(t map[string]int64) map[string]int64 {
	if t == nil {
		return map[string]int64{}
	}
	return t
}

var _ domain.JobRepository = (*JobRepositoryPG)(nil)
