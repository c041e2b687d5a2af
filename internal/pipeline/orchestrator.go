package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"r2v/internal/domain"
	"r2v/internal/infra"
	"r2v/internal/storage"
	"r2v/pkg/zip"
)

const (
	glbContentType  = "model/gltf-binary"
	aiModelName     = "model.glb"
	scanModelName   = "scan.glb"
	leaseReleaseTTL = 5 * time.Second
)

// Config holds the run parameters the orchestrator needs from infra.Config.
type Config struct {
	BucketScansRaw   string
	BucketJobOutputs string
	MaxUploadBytes   int64
	ImageMaxEdge     int
	LeaseTTL         time.Duration
	// LeaseRenewEvery is the heartbeat period of a held lease. It defaults to
	// a third of LeaseTTL.
	LeaseRenewEvery time.Duration
}

// Deps are the collaborators injected by cmd/worker.
type Deps struct {
	Jobs          domain.JobRepository
	Objects       ObjectStore
	Scratch       *storage.ScratchRoot
	Lease         Lease
	Images        ImageSynthesizer
	Models        ModelGenerator
	Reconstructor Reconstructor
	Repairer      MeshRepairer
	Logger        *infra.Logger
	Now           func() time.Time
}

// Orchestrator drives a job from queued to a terminal state. One run is
// handled end to end by the calling goroutine.
type Orchestrator struct {
	cfg  Config
	deps Deps
	log  *infra.Logger
	now  func() time.Time
}

func NewOrchestrator(cfg Config, deps Deps) *Orchestrator {
	logger := deps.Logger
	if logger == nil {
		discard := zerolog.New(io.Discard)
		logger = &discard
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	if deps.Repairer == nil {
		deps.Repairer = IdentityRepairer{}
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 30 * time.Minute
	}
	if cfg.LeaseRenewEvery <= 0 || cfg.LeaseRenewEvery >= cfg.LeaseTTL {
		cfg.LeaseRenewEvery = cfg.LeaseTTL / 3
	}
	return &Orchestrator{cfg: cfg, deps: deps, log: logger, now: now}
}

// Run dispatches on kind.
func (o *Orchestrator) Run(ctx context.Context, kind domain.JobKind, jobID string) error {
	switch kind {
	case domain.JobKindAI:
		return o.RunAIJob(ctx, jobID)
	case domain.JobKindScan:
		return o.RunScanJob(ctx, jobID)
	default:
		return fmt.Errorf("%w: unknown job kind %q", domain.ErrInvalidInput, kind)
	}
}

// RunAIJob executes the generation pipeline. A missing or already settled
// job is a no-op. A held lease yields domain.ErrLeaseHeld and a lease lost
// mid-run yields domain.ErrLeaseLost without writing a terminal state. Any
// other error means the terminal state could not be written and the delivery
// should be retried.
func (o *Orchestrator) RunAIJob(ctx context.Context, jobID string) error {
	return o.run(ctx, domain.JobKindAI, jobID, o.aiStages)
}

// RunScanJob executes the reconstruction pipeline with the same contract as
// RunAIJob.
func (o *Orchestrator) RunScanJob(ctx context.Context, jobID string) error {
	return o.run(ctx, domain.JobKindScan, jobID, o.scanStages)
}

// jobRun is the mutable state of one execution.
type jobRun struct {
	job     *domain.Job
	scratch *storage.Scratch
	stage   string
}

func (o *Orchestrator) run(ctx context.Context, kind domain.JobKind, jobID string, body func(context.Context, *jobRun) error) error {
	logger := o.log.With().Str("kind", string(kind)).Str("job_id", jobID).Logger()

	runCtx := ctx
	var keeper *leaseKeeper
	if o.deps.Lease != nil {
		key := domain.LeaseKey(kind, jobID)
		token, ok, err := o.deps.Lease.Acquire(ctx, key, o.cfg.LeaseTTL)
		if err != nil {
			return fmt.Errorf("worker: acquire lease: %w", err)
		}
		if !ok {
			logger.Info().Msg("worker: lease held elsewhere, skipping")
			return domain.ErrLeaseHeld
		}
		var cancel context.CancelFunc
		runCtx, cancel = context.WithCancel(ctx)
		keeper = o.keepLease(runCtx, logger, key, token, cancel)
		defer func() {
			keeper.stop()
			cancel()
			releaseCtx, cancelRelease := context.WithTimeout(context.WithoutCancel(ctx), leaseReleaseTTL)
			defer cancelRelease()
			if err := o.deps.Lease.Release(releaseCtx, key, token); err != nil {
				logger.Warn().Err(err).Msg("worker: release lease")
			}
		}()
	}

	job, err := o.deps.Jobs.Get(runCtx, kind, jobID)
	if errors.Is(err, domain.ErrNotFound) {
		logger.Warn().Msg("worker: job not found, dropping")
		return nil
	}
	if err != nil {
		return fmt.Errorf("worker: load job: %w", err)
	}
	if job.Status != domain.JobStatusQueued && job.Status != domain.JobStatusRunning {
		logger.Info().Str("status", string(job.Status)).Msg("worker: job not runnable, dropping")
		return nil
	}

	r := &jobRun{job: job}
	job.Status = domain.JobStatusRunning
	job.Progress = domain.ProgressStarted
	job.Error = nil
	job.Timings = map[string]int64{}
	if err := o.deps.Jobs.Save(runCtx, job); err != nil {
		return fmt.Errorf("worker: mark running: %w", err)
	}
	logger.Info().Msg("worker: job started")
	start := o.now()

	runErr := o.guard(runCtx, r, body)
	job.Timings["total"] = o.now().Sub(start).Milliseconds()

	if keeper.lost() {
		logger.Warn().Err(runErr).Int("progress", job.Progress).Msg("worker: lease lost, leaving job to its new holder")
		return domain.ErrLeaseLost
	}
	if runErr != nil {
		msg := runErr.Error()
		job.Status = domain.JobStatusFailed
		job.Error = &msg
		logger.Error().Err(runErr).Str("stage", stageOf(runErr)).Int("progress", job.Progress).Msg("worker: job failed")
	} else {
		job.Status = domain.JobStatusSucceeded
		job.Progress = domain.ProgressDone
		logger.Info().Int64("took_ms", job.Timings["total"]).Msg("worker: job succeeded")
	}
	if err := o.deps.Jobs.Save(ctx, job); err != nil {
		return fmt.Errorf("worker: persist %s state: %w", job.Status, err)
	}
	return nil
}

// leaseKeeper renews a held lease until stopped. When a renewal is refused
// the run context is cancelled and lost reports true.
type leaseKeeper struct {
	done    chan struct{}
	stopped chan struct{}
	gone    atomic.Bool
}

func (o *Orchestrator) keepLease(ctx context.Context, logger zerolog.Logger, key, token string, cancel context.CancelFunc) *leaseKeeper {
	k := &leaseKeeper{done: make(chan struct{}), stopped: make(chan struct{})}
	go func() {
		defer close(k.stopped)
		ticker := time.NewTicker(o.cfg.LeaseRenewEvery)
		defer ticker.Stop()
		for {
			select {
			case <-k.done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				ok, err := o.deps.Lease.Extend(ctx, key, token, o.cfg.LeaseTTL)
				if err != nil {
					logger.Warn().Err(err).Msg("worker: renew lease")
					continue
				}
				if !ok {
					k.gone.Store(true)
					logger.Error().Msg("worker: lease lost, cancelling run")
					cancel()
					return
				}
			}
		}
	}()
	return k
}

func (k *leaseKeeper) stop() {
	close(k.done)
	<-k.stopped
}

func (k *leaseKeeper) lost() bool {
	return k != nil && k.gone.Load()
}

// guard runs body inside a private scratch workspace and turns panics into
// stage errors.
func (o *Orchestrator) guard(ctx context.Context, r *jobRun, body func(context.Context, *jobRun) error) (err error) {
	scratch, err := o.deps.Scratch.NewRun(r.job.ID)
	if err != nil {
		return &StageError{Stage: "scratch", Err: err}
	}
	r.scratch = scratch
	defer func() {
		if rec := recover(); rec != nil {
			o.log.Error().Str("job_id", r.job.ID).Str("stack", string(debug.Stack())).Msg("worker: panic in run")
			err = &StageError{Stage: r.stage, Err: fmt.Errorf("panic: %v", rec)}
		}
		if releaseErr := scratch.Release(); releaseErr != nil {
			o.log.Warn().Err(releaseErr).Str("dir", scratch.Dir()).Msg("worker: release scratch")
		}
	}()
	return body(ctx, r)
}

// step times fn under name and wraps its failure.
func (o *Orchestrator) step(r *jobRun, name string, fn func() error) error {
	r.stage = name
	start := o.now()
	err := fn()
	r.job.Timings[name] = o.now().Sub(start).Milliseconds()
	if err != nil {
		var stageErr *StageError
		if errors.As(err, &stageErr) {
			return err
		}
		return &StageError{Stage: name, Err: err}
	}
	return nil
}

// checkpoint persists progress. Progress never moves backwards within a run.
func (o *Orchestrator) checkpoint(ctx context.Context, r *jobRun, progress int) error {
	if progress > r.job.Progress {
		r.job.Progress = progress
	}
	if err := o.deps.Jobs.Save(ctx, r.job); err != nil {
		return &StageError{Stage: r.stage, Err: fmt.Errorf("persist progress: %w", err)}
	}
	return nil
}

func (o *Orchestrator) aiStages(ctx context.Context, r *jobRun) error {
	job := r.job
	rawGLB := filepath.Join(r.scratch.Dir(), "raw.glb")

	var (
		imagePath string
		imageMIME string
	)
	switch {
	case job.SettingString(domain.SettingImageBase64) != "":
		filename := storage.SanitizeFilename(job.SettingString(domain.SettingImageFilename))
		if job.SettingString(domain.SettingImageFilename) == "" {
			filename = "upload.png"
		}
		err := o.step(r, "image_decode", func() error {
			data, err := decodeReference(job.SettingString(domain.SettingImageBase64), o.cfg.MaxUploadBytes)
			if err != nil {
				return err
			}
			imagePath, err = r.scratch.Write(ctx, filename, data)
			return err
		})
		if err != nil {
			return err
		}
		imageMIME = referenceMIME(job.SettingString(domain.SettingImageMIME), filename)
		if err := o.checkpoint(ctx, r, domain.ProgressImageReady); err != nil {
			return err
		}
	case job.SettingString(domain.SettingMode) == domain.ModeTextToImageTo3D:
		err := o.step(r, "image_synthesis", func() error {
			if o.deps.Images == nil {
				return errors.New("image synthesis is not configured")
			}
			data, mimeType, err := o.deps.Images.Synthesize(ctx, job.Prompt)
			if err != nil {
				return err
			}
			imageMIME = referenceMIME(mimeType, "")
			imagePath, err = r.scratch.Write(ctx, referenceFilename(imageMIME), data)
			return err
		})
		if err != nil {
			return err
		}
		if err := o.checkpoint(ctx, r, domain.ProgressImageReady); err != nil {
			return err
		}
	}

	if imagePath != "" {
		modelInput := o.scaledReference(r, imagePath)
		if err := o.step(r, "image_to_3d", func() error {
			glb, err := o.deps.Models.ImageTo3D(ctx, modelInput)
			if err != nil {
				return err
			}
			return writeFile(rawGLB, glb)
		}); err != nil {
			return err
		}
	} else {
		if err := o.step(r, "prompt_to_3d", func() error {
			glb, err := o.deps.Models.PromptTo3D(ctx, job.Prompt)
			if err != nil {
				return err
			}
			return writeFile(rawGLB, glb)
		}); err != nil {
			return err
		}
	}
	if err := o.checkpoint(ctx, r, domain.ProgressModelReady); err != nil {
		return err
	}

	if imagePath != "" {
		imageKey := storage.OutputKey(job.UserID, job.ID, filepath.Base(imagePath))
		if err := o.step(r, "upload_image", func() error {
			return o.deps.Objects.Upload(ctx, imagePath, o.cfg.BucketJobOutputs, imageKey, imageMIME)
		}); err != nil {
			return err
		}
		job.OutputImageKey = domain.StringPtr(imageKey)
		job.PreviewKeys = []string{imageKey}
	} else {
		job.PreviewKeys = nil
	}

	fixedGLB := filepath.Join(r.scratch.Dir(), "fixed.glb")
	if err := o.step(r, "repair", func() error {
		return o.deps.Repairer.Repair(ctx, rawGLB, fixedGLB)
	}); err != nil {
		return err
	}
	if err := o.checkpoint(ctx, r, domain.ProgressAIRepaired); err != nil {
		return err
	}

	glbKey := storage.OutputKey(job.UserID, job.ID, aiModelName)
	if err := o.step(r, "upload_glb", func() error {
		return o.deps.Objects.Upload(ctx, fixedGLB, o.cfg.BucketJobOutputs, glbKey, glbContentType)
	}); err != nil {
		return err
	}
	job.OutputGLBKey = domain.StringPtr(glbKey)
	if len(job.PreviewKeys) == 0 {
		job.PreviewKeys = []string{glbKey}
	}
	return nil
}

// scaledReference returns the image to send to image-to-3D: a downscaled copy
// when the reference exceeds ImageMaxEdge, else the reference itself. The
// reference stays byte-for-byte what was received so it can be published.
func (o *Orchestrator) scaledReference(r *jobRun, imagePath string) string {
	dir, err := r.scratch.Mkdir("scaled")
	if err != nil {
		o.log.Debug().Err(err).Str("job_id", r.job.ID).Msg("worker: reference image left as uploaded")
		return imagePath
	}
	scaled := filepath.Join(dir, filepath.Base(imagePath))
	resized, err := normalizeReference(imagePath, scaled, o.cfg.ImageMaxEdge)
	if err != nil {
		o.log.Debug().Err(err).Str("job_id", r.job.ID).Msg("worker: reference image left as uploaded")
		return imagePath
	}
	if !resized {
		return imagePath
	}
	o.log.Debug().Str("job_id", r.job.ID).Int("max_edge", o.cfg.ImageMaxEdge).Msg("worker: reference image downscaled")
	return scaled
}

func (o *Orchestrator) scanStages(ctx context.Context, r *jobRun) error {
	job := r.job

	var inputsDir string
	if err := o.step(r, "download_inputs", func() error {
		var err error
		inputsDir, err = r.scratch.Mkdir("inputs")
		if err != nil {
			return err
		}
		for i, key := range job.InputKeys {
			name := fmt.Sprintf("%03d_%s", i, storage.SanitizeFilename(filepath.Base(key)))
			if !zip.IsArchive(name) {
				if err := o.deps.Objects.Download(ctx, o.cfg.BucketScansRaw, key, filepath.Join(inputsDir, name)); err != nil {
					return fmt.Errorf("download input %s: %w", key, err)
				}
				continue
			}
			if err := o.unpackArchive(ctx, r, key, name, inputsDir, fmt.Sprintf("%03d_", i)); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return err
	}

	rawGLB := filepath.Join(r.scratch.Dir(), "scan.glb")
	if err := o.step(r, "reconstruct", func() error {
		glb, err := o.deps.Reconstructor.Reconstruct(ctx, inputsDir)
		if err != nil {
			return err
		}
		return writeFile(rawGLB, glb)
	}); err != nil {
		return err
	}
	if err := o.checkpoint(ctx, r, domain.ProgressReconstruct); err != nil {
		return err
	}

	fixedGLB := filepath.Join(r.scratch.Dir(), "scan_fixed.glb")
	if err := o.step(r, "repair", func() error {
		return o.deps.Repairer.Repair(ctx, rawGLB, fixedGLB)
	}); err != nil {
		return err
	}
	if err := o.checkpoint(ctx, r, domain.ProgressScanRepaired); err != nil {
		return err
	}

	glbKey := storage.OutputKey(job.UserID, job.ID, scanModelName)
	if err := o.step(r, "upload_glb", func() error {
		return o.deps.Objects.Upload(ctx, fixedGLB, o.cfg.BucketJobOutputs, glbKey, glbContentType)
	}); err != nil {
		return err
	}
	job.OutputGLBKey = domain.StringPtr(glbKey)
	job.PreviewKeys = []string{glbKey}
	return nil
}

// unpackArchive downloads a zip input outside inputsDir and flattens its
// images into inputsDir.
func (o *Orchestrator) unpackArchive(ctx context.Context, r *jobRun, key, name, inputsDir, prefix string) error {
	archivesDir, err := r.scratch.Mkdir("archives")
	if err != nil {
		return err
	}
	archive := filepath.Join(archivesDir, name)
	if err := o.deps.Objects.Download(ctx, o.cfg.BucketScansRaw, key, archive); err != nil {
		return fmt.Errorf("download input %s: %w", key, err)
	}
	if _, err := zip.ExtractImages(archive, inputsDir, prefix, o.cfg.MaxUploadBytes); err != nil {
		return fmt.Errorf("unpack input %s: %w", key, err)
	}
	return os.Remove(archive)
}

func writeFile(path string, data []byte) error {
	if len(data) == 0 {
		return errors.New("stage produced an empty model")
	}
	return os.WriteFile(path, data, 0o644)
}

func stageOf(err error) string {
	var stageErr *StageError
	if errors.As(err, &stageErr) {
		return stageErr.Stage
	}
	return ""
}
