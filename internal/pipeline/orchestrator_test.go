package pipeline

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/disintegration/imaging"

	"r2v/internal/domain"
	"r2v/internal/providers/modal"
	"r2v/internal/storage"
)

type memJobs struct {
	mu       sync.Mutex
	jobs     map[string]*domain.Job
	progress map[string][]int
	saves    int
}

func newMemJobs(jobs ...*domain.Job) *memJobs {
	m := &memJobs{jobs: map[string]*domain.Job{}, progress: map[string][]int{}}
	for _, job := range jobs {
		m.jobs[string(job.Kind)+":"+job.ID] = job.Clone()
	}
	return m
}

func (m *memJobs) Create(ctx context.Context, job *domain.Job) error {
	return errors.New("not used")
}

func (m *memJobs) Get(ctx context.Context, kind domain.JobKind, id string) (*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[string(kind)+":"+id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return job.Clone(), nil
}

func (m *memJobs) ListByUser(ctx context.Context, kind domain.JobKind, userID string, limit, offset int) ([]*domain.Job, error) {
	return nil, errors.New("not used")
}

func (m *memJobs) Save(ctx context.Context, job *domain.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	job.UpdatedAt = time.Now()
	m.jobs[string(job.Kind)+":"+job.ID] = job.Clone()
	m.progress[job.ID] = append(m.progress[job.ID], job.Progress)
	return nil
}

func (m *memJobs) AppendInputKey(ctx context.Context, id, key string) error {
	return errors.New("not used")
}

func (m *memJobs) MarkQueued(ctx context.Context, kind domain.JobKind, id string) (*domain.Job, error) {
	return nil, errors.New("not used")
}

func (m *memJobs) stored(t *testing.T, kind domain.JobKind, id string) *domain.Job {
	t.Helper()
	job, err := m.Get(context.Background(), kind, id)
	if err != nil {
		t.Fatalf("stored job: %v", err)
	}
	return job
}

type upload struct {
	bucket      string
	key         string
	contentType string
}

type fakeObjects struct {
	objects    map[string][]byte
	uploads    []upload
	failUpload map[string]error
}

func newFakeObjects() *fakeObjects {
	return &fakeObjects{objects: map[string][]byte{}, failUpload: map[string]error{}}
}

func (f *fakeObjects) Upload(ctx context.Context, localPath, bucket, key, contentType string) error {
	if err := f.failUpload[key]; err != nil {
		return err
	}
	data, err := os.ReadFile(localPath)
	if err != nil {
		return err
	}
	f.objects[bucket+"/"+key] = data
	f.uploads = append(f.uploads, upload{bucket: bucket, key: key, contentType: contentType})
	return nil
}

func (f *fakeObjects) Download(ctx context.Context, bucket, key, destPath string) error {
	data, ok := f.objects[bucket+"/"+key]
	if !ok {
		return fmt.Errorf("storage: object %s not found", key)
	}
	return os.WriteFile(destPath, data, 0o644)
}

type fakeModels struct {
	glb        []byte
	err        error
	panicMsg   string
	imageCalls []string
	imageBytes []byte
	prompts    []string
}

func (f *fakeModels) ImageTo3D(ctx context.Context, imagePath string) ([]byte, error) {
	if f.panicMsg != "" {
		panic(f.panicMsg)
	}
	f.imageCalls = append(f.imageCalls, filepath.Base(imagePath))
	f.imageBytes, _ = os.ReadFile(imagePath)
	return f.glb, f.err
}

func (f *fakeModels) PromptTo3D(ctx context.Context, prompt string) ([]byte, error) {
	if f.panicMsg != "" {
		panic(f.panicMsg)
	}
	f.prompts = append(f.prompts, prompt)
	return f.glb, f.err
}

type fakeImages struct {
	data     []byte
	mimeType string
	err      error
}

func (f *fakeImages) Synthesize(ctx context.Context, prompt string) ([]byte, string, error) {
	return f.data, f.mimeType, f.err
}

type fakeReconstructor struct {
	glb  []byte
	err  error
	seen []string
}

func (f *fakeReconstructor) Reconstruct(ctx context.Context, inputsDir string) ([]byte, error) {
	entries, err := os.ReadDir(inputsDir)
	if err != nil {
		return nil, err
	}
	for _, entry := range entries {
		data, _ := os.ReadFile(filepath.Join(inputsDir, entry.Name()))
		f.seen = append(f.seen, string(data))
	}
	if len(f.seen) == 0 {
		return nil, errors.New("no input images to reconstruct")
	}
	return f.glb, f.err
}

type fakeLease struct {
	mu       sync.Mutex
	held     map[string]string
	released []string
}

func (f *fakeLease) Acquire(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.held[key]; ok {
		return "", false, nil
	}
	f.held[key] = "token-" + key
	return f.held[key], true, nil
}

func (f *fakeLease) Extend(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.held[key] == token, nil
}

func (f *fakeLease) Release(ctx context.Context, key, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.held[key] == token {
		delete(f.held, key)
		f.released = append(f.released, key)
	}
	return nil
}

const (
	ownerID = "u1"
	jobID   = "j1"
)

type harness struct {
	jobs    *memJobs
	objects *fakeObjects
	models  *fakeModels
	images  *fakeImages
	recon   *fakeReconstructor
	lease   *fakeLease
	scratch string
	orch    *Orchestrator
}

func newHarness(t *testing.T, cfg Config, jobs ...*domain.Job) *harness {
	t.Helper()
	base := t.TempDir()
	root, err := storage.NewScratchRoot(base)
	if err != nil {
		t.Fatalf("scratch root: %v", err)
	}
	h := &harness{
		jobs:    newMemJobs(jobs...),
		objects: newFakeObjects(),
		models:  &fakeModels{glb: []byte("glTF-model")},
		images:  &fakeImages{data: []byte("synth-png"), mimeType: "image/png"},
		recon:   &fakeReconstructor{glb: []byte("glTF-scan")},
		lease:   &fakeLease{held: map[string]string{}},
		scratch: base,
	}
	if cfg.BucketJobOutputs == "" {
		cfg.BucketJobOutputs = "outputs"
	}
	if cfg.BucketScansRaw == "" {
		cfg.BucketScansRaw = "scans"
	}
	h.orch = NewOrchestrator(cfg, Deps{
		Jobs:          h.jobs,
		Objects:       h.objects,
		Scratch:       root,
		Lease:         h.lease,
		Images:        h.images,
		Models:        h.models,
		Reconstructor: h.recon,
	})
	return h
}

func (h *harness) assertScratchReleased(t *testing.T) {
	t.Helper()
	entries, err := os.ReadDir(h.scratch)
	if err != nil {
		t.Fatalf("read scratch: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("scratch not released: %d entries left", len(entries))
	}
}

func assertProgress(t *testing.T, got []int, want ...int) {
	t.Helper()
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("progress history = %v, want %v", got, want)
	}
	for i := 1; i < len(got); i++ {
		if got[i] < got[i-1] {
			t.Fatalf("progress decreased: %v", got)
		}
	}
}

func aiJob(settings map[string]any) *domain.Job {
	return &domain.Job{
		ID:       jobID,
		Kind:     domain.JobKindAI,
		UserID:   ownerID,
		Status:   domain.JobStatusQueued,
		Prompt:   "a red mug",
		Settings: settings,
	}
}

func TestAIJobWithReferenceImage(t *testing.T) {
	h := newHarness(t, Config{}, aiJob(map[string]any{
		"image_base64":   base64.StdEncoding.EncodeToString([]byte("raw-shoe-bytes")),
		"image_filename": "shoe.png",
	}))

	if err := h.orch.RunAIJob(context.Background(), jobID); err != nil {
		t.Fatalf("RunAIJob returned error: %v", err)
	}
	job := h.jobs.stored(t, domain.JobKindAI, jobID)
	if job.Status != domain.JobStatusSucceeded || job.Progress != 100 {
		t.Fatalf("job = %s/%d, want succeeded/100", job.Status, job.Progress)
	}
	if job.OutputImageKey == nil || *job.OutputImageKey != "u1/j1/outputs/shoe.png" {
		t.Fatalf("output image key = %v", job.OutputImageKey)
	}
	if job.OutputGLBKey == nil || *job.OutputGLBKey != "u1/j1/outputs/model.glb" {
		t.Fatalf("output glb key = %v", job.OutputGLBKey)
	}
	if len(job.PreviewKeys) != 1 || job.PreviewKeys[0] != "u1/j1/outputs/shoe.png" {
		t.Fatalf("preview keys = %v", job.PreviewKeys)
	}
	if job.Error != nil {
		t.Fatalf("unexpected error %q", *job.Error)
	}
	assertProgress(t, h.jobs.progress[jobID], 5, 20, 60, 80, 100)

	if string(h.models.imageBytes) != "raw-shoe-bytes" {
		t.Fatalf("image sent to model = %q", h.models.imageBytes)
	}
	if string(h.objects.objects["outputs/u1/j1/outputs/model.glb"]) != "glTF-model" {
		t.Fatalf("model not uploaded")
	}
	if h.objects.uploads[0].contentType != "image/png" || h.objects.uploads[1].contentType != "model/gltf-binary" {
		t.Fatalf("uploads = %+v", h.objects.uploads)
	}
	for _, stage := range []string{"image_decode", "image_to_3d", "upload_image", "repair", "upload_glb", "total"} {
		if _, ok := job.Timings[stage]; !ok {
			t.Fatalf("timings missing %s: %v", stage, job.Timings)
		}
	}
	h.assertScratchReleased(t)
	if len(h.lease.released) != 1 || h.lease.released[0] != "r2v:lease:ai:j1" {
		t.Fatalf("lease released = %v", h.lease.released)
	}
}

func TestAIJobPromptOnly(t *testing.T) {
	h := newHarness(t, Config{}, aiJob(nil))

	if err := h.orch.RunAIJob(context.Background(), jobID); err != nil {
		t.Fatalf("RunAIJob returned error: %v", err)
	}
	job := h.jobs.stored(t, domain.JobKindAI, jobID)
	if job.Status != domain.JobStatusSucceeded {
		t.Fatalf("status = %s", job.Status)
	}
	if job.OutputImageKey != nil {
		t.Fatalf("unexpected image key %q", *job.OutputImageKey)
	}
	if len(job.PreviewKeys) != 1 || job.PreviewKeys[0] != "u1/j1/outputs/model.glb" {
		t.Fatalf("preview keys = %v", job.PreviewKeys)
	}
	if len(h.models.prompts) != 1 || h.models.prompts[0] != "a red mug" {
		t.Fatalf("prompts = %v", h.models.prompts)
	}
	assertProgress(t, h.jobs.progress[jobID], 5, 60, 80, 100)
}

func TestAIJobUpstreamFailure(t *testing.T) {
	h := newHarness(t, Config{}, aiJob(nil))
	h.models.err = errors.New("modal: status 500 from https://modal.example.com/prompt-to-3d: boom")

	if err := h.orch.RunAIJob(context.Background(), jobID); err != nil {
		t.Fatalf("RunAIJob returned error: %v", err)
	}
	job := h.jobs.stored(t, domain.JobKindAI, jobID)
	if job.Status != domain.JobStatusFailed {
		t.Fatalf("status = %s, want failed", job.Status)
	}
	if job.Progress != 5 {
		t.Fatalf("progress = %d, want last checkpoint 5", job.Progress)
	}
	if job.Error == nil || !strings.Contains(*job.Error, "500") {
		t.Fatalf("error = %v", job.Error)
	}
	if job.OutputGLBKey != nil {
		t.Fatalf("glb key should be unset")
	}
	h.assertScratchReleased(t)
}

func TestTextToImageMode(t *testing.T) {
	h := newHarness(t, Config{}, aiJob(map[string]any{"mode": "text_to_image_to_3d"}))

	if err := h.orch.RunAIJob(context.Background(), jobID); err != nil {
		t.Fatalf("RunAIJob returned error: %v", err)
	}
	job := h.jobs.stored(t, domain.JobKindAI, jobID)
	if job.Status != domain.JobStatusSucceeded {
		t.Fatalf("status = %s (%v)", job.Status, job.Error)
	}
	if job.OutputImageKey == nil || *job.OutputImageKey != "u1/j1/outputs/reference.png" {
		t.Fatalf("output image key = %v", job.OutputImageKey)
	}
	if len(h.models.prompts) != 0 || len(h.models.imageCalls) != 1 {
		t.Fatalf("expected image-to-3d only, prompts=%v images=%v", h.models.prompts, h.models.imageCalls)
	}
	assertProgress(t, h.jobs.progress[jobID], 5, 20, 60, 80, 100)
}

func TestFailureKeepsOutputsRecordedEarlierInRun(t *testing.T) {
	h := newHarness(t, Config{}, aiJob(map[string]any{
		"image_base64":   base64.StdEncoding.EncodeToString([]byte("img")),
		"image_filename": "chair.jpg",
	}))
	h.objects.failUpload["u1/j1/outputs/model.glb"] = errors.New("bucket unavailable")

	if err := h.orch.RunAIJob(context.Background(), jobID); err != nil {
		t.Fatalf("RunAIJob returned error: %v", err)
	}
	job := h.jobs.stored(t, domain.JobKindAI, jobID)
	if job.Status != domain.JobStatusFailed || job.Progress != 80 {
		t.Fatalf("job = %s/%d, want failed/80", job.Status, job.Progress)
	}
	if job.OutputImageKey == nil || *job.OutputImageKey != "u1/j1/outputs/chair.jpg" {
		t.Fatalf("image key lost: %v", job.OutputImageKey)
	}
	if h.objects.uploads[0].contentType != "image/jpeg" {
		t.Fatalf("image content type = %q", h.objects.uploads[0].contentType)
	}
	if job.Error == nil || *job.Error != "bucket unavailable" {
		t.Fatalf("error = %v", job.Error)
	}
}

func TestRetryFromScratchKeepsStaleOutputsUntilOverwritten(t *testing.T) {
	previous := aiJob(nil)
	previous.Status = domain.JobStatusQueued
	previous.OutputGLBKey = domain.StringPtr("u1/j1/outputs/model.glb")
	previous.Error = domain.StringPtr("old failure")
	h := newHarness(t, Config{}, previous)
	h.models.err = errors.New("prompt endpoint not found: https://modal.example.com/text-to-3d")

	if err := h.orch.RunAIJob(context.Background(), jobID); err != nil {
		t.Fatalf("RunAIJob returned error: %v", err)
	}
	job := h.jobs.stored(t, domain.JobKindAI, jobID)
	if job.Status != domain.JobStatusFailed {
		t.Fatalf("status = %s", job.Status)
	}
	if job.OutputGLBKey == nil || *job.OutputGLBKey != "u1/j1/outputs/model.glb" {
		t.Fatalf("stale glb key should remain: %v", job.OutputGLBKey)
	}
	if job.Error == nil || !strings.HasPrefix(*job.Error, "prompt endpoint not found") {
		t.Fatalf("error = %v", job.Error)
	}
}

func TestOversizedReferenceImageFails(t *testing.T) {
	h := newHarness(t, Config{MaxUploadBytes: 4}, aiJob(map[string]any{
		"image_base64": base64.StdEncoding.EncodeToString([]byte("0123456789")),
	}))

	if err := h.orch.RunAIJob(context.Background(), jobID); err != nil {
		t.Fatalf("RunAIJob returned error: %v", err)
	}
	job := h.jobs.stored(t, domain.JobKindAI, jobID)
	if job.Status != domain.JobStatusFailed || job.Progress != 5 {
		t.Fatalf("job = %s/%d", job.Status, job.Progress)
	}
	if job.Error == nil || !strings.Contains(*job.Error, "exceeds 4 bytes") {
		t.Fatalf("error = %v", job.Error)
	}
	if len(h.models.imageCalls) != 0 {
		t.Fatalf("model should not be called")
	}
}

func TestScanJobDownloadsInputsBeforeReconstruction(t *testing.T) {
	scan := &domain.Job{
		ID:        jobID,
		Kind:      domain.JobKindScan,
		UserID:    ownerID,
		Status:    domain.JobStatusQueued,
		InputKeys: []string{"u1/j1/inputs/aaa_front.jpg", "u1/j1/inputs/bbb_back.jpg"},
	}
	h := newHarness(t, Config{}, scan)
	h.objects.objects["scans/u1/j1/inputs/aaa_front.jpg"] = []byte("front")
	h.objects.objects["scans/u1/j1/inputs/bbb_back.jpg"] = []byte("back")

	if err := h.orch.RunScanJob(context.Background(), jobID); err != nil {
		t.Fatalf("RunScanJob returned error: %v", err)
	}
	job := h.jobs.stored(t, domain.JobKindScan, jobID)
	if job.Status != domain.JobStatusSucceeded || job.Progress != 100 {
		t.Fatalf("job = %s/%d (%v)", job.Status, job.Progress, job.Error)
	}
	if fmt.Sprint(h.recon.seen) != "[front back]" {
		t.Fatalf("reconstructor saw %v", h.recon.seen)
	}
	if job.OutputGLBKey == nil || *job.OutputGLBKey != "u1/j1/outputs/scan.glb" {
		t.Fatalf("glb key = %v", job.OutputGLBKey)
	}
	if len(job.PreviewKeys) != 1 || job.PreviewKeys[0] != "u1/j1/outputs/scan.glb" {
		t.Fatalf("preview keys = %v", job.PreviewKeys)
	}
	if string(h.objects.objects["outputs/u1/j1/outputs/scan.glb"]) != "glTF-scan" {
		t.Fatalf("scan glb not uploaded")
	}
	assertProgress(t, h.jobs.progress[jobID], 5, 70, 85, 100)
	h.assertScratchReleased(t)
}

func zipBytes(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, body := range files {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("zip entry: %v", err)
		}
		_, _ = w.Write([]byte(body))
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zip close: %v", err)
	}
	return buf.Bytes()
}

func TestScanJobUnpacksZipInputs(t *testing.T) {
	scan := &domain.Job{
		ID:        jobID,
		Kind:      domain.JobKindScan,
		UserID:    ownerID,
		Status:    domain.JobStatusQueued,
		InputKeys: []string{"u1/j1/inputs/aaa_front.jpg", "u1/j1/inputs/bbb_set.zip"},
		Metadata:  map[string]any{"kind": "zip"},
	}
	h := newHarness(t, Config{}, scan)
	h.objects.objects["scans/u1/j1/inputs/aaa_front.jpg"] = []byte("front")
	h.objects.objects["scans/u1/j1/inputs/bbb_set.zip"] = zipBytes(t, map[string]string{
		"photos/left.png":  "left",
		"photos/right.png": "right",
		"photos/notes.txt": "ignored",
	})

	if err := h.orch.RunScanJob(context.Background(), jobID); err != nil {
		t.Fatalf("RunScanJob returned error: %v", err)
	}
	job := h.jobs.stored(t, domain.JobKindScan, jobID)
	if job.Status != domain.JobStatusSucceeded {
		t.Fatalf("job = %s (%v)", job.Status, job.Error)
	}
	if fmt.Sprint(h.recon.seen) != "[front left right]" {
		t.Fatalf("reconstructor saw %v", h.recon.seen)
	}
	h.assertScratchReleased(t)
}

func TestScanJobZipWithoutImagesFails(t *testing.T) {
	scan := &domain.Job{
		ID:        jobID,
		Kind:      domain.JobKindScan,
		UserID:    ownerID,
		Status:    domain.JobStatusQueued,
		InputKeys: []string{"u1/j1/inputs/bbb_set.zip"},
	}
	h := newHarness(t, Config{}, scan)
	h.objects.objects["scans/u1/j1/inputs/bbb_set.zip"] = zipBytes(t, map[string]string{"readme.md": "hi"})

	if err := h.orch.RunScanJob(context.Background(), jobID); err != nil {
		t.Fatalf("RunScanJob returned error: %v", err)
	}
	job := h.jobs.stored(t, domain.JobKindScan, jobID)
	if job.Status != domain.JobStatusFailed || job.Error == nil || !strings.Contains(*job.Error, "no images") {
		t.Fatalf("job = %s (%v)", job.Status, job.Error)
	}
}

func TestScanJobMissingInputFails(t *testing.T) {
	scan := &domain.Job{
		ID:        jobID,
		Kind:      domain.JobKindScan,
		UserID:    ownerID,
		Status:    domain.JobStatusQueued,
		InputKeys: []string{"u1/j1/inputs/gone.jpg"},
	}
	h := newHarness(t, Config{}, scan)

	if err := h.orch.RunScanJob(context.Background(), jobID); err != nil {
		t.Fatalf("RunScanJob returned error: %v", err)
	}
	job := h.jobs.stored(t, domain.JobKindScan, jobID)
	if job.Status != domain.JobStatusFailed || job.Progress != 5 {
		t.Fatalf("job = %s/%d", job.Status, job.Progress)
	}
	if job.Error == nil || !strings.Contains(*job.Error, "gone.jpg") {
		t.Fatalf("error = %v", job.Error)
	}
	h.assertScratchReleased(t)
}

func TestMissingJobIsNoop(t *testing.T) {
	h := newHarness(t, Config{})

	if err := h.orch.RunAIJob(context.Background(), "absent"); err != nil {
		t.Fatalf("RunAIJob returned error: %v", err)
	}
	if h.jobs.saves != 0 {
		t.Fatalf("saves = %d, want 0", h.jobs.saves)
	}
	if len(h.lease.held) != 0 {
		t.Fatalf("lease not released")
	}
}

func TestPanicInStageBecomesFailure(t *testing.T) {
	h := newHarness(t, Config{}, aiJob(nil))
	h.models.panicMsg = "nil mesh"

	if err := h.orch.RunAIJob(context.Background(), jobID); err != nil {
		t.Fatalf("RunAIJob returned error: %v", err)
	}
	job := h.jobs.stored(t, domain.JobKindAI, jobID)
	if job.Status != domain.JobStatusFailed {
		t.Fatalf("status = %s", job.Status)
	}
	if job.Error == nil || *job.Error != "panic: nil mesh" {
		t.Fatalf("error = %v", job.Error)
	}
	h.assertScratchReleased(t)
}

func TestHeldLeaseSkipsRun(t *testing.T) {
	h := newHarness(t, Config{}, aiJob(nil))
	h.lease.held[domain.LeaseKey(domain.JobKindAI, jobID)] = "other-worker"

	err := h.orch.RunAIJob(context.Background(), jobID)
	if !errors.Is(err, domain.ErrLeaseHeld) {
		t.Fatalf("err = %v, want ErrLeaseHeld", err)
	}
	if h.jobs.saves != 0 || len(h.models.prompts) != 0 {
		t.Fatalf("run should be skipped: saves=%d prompts=%d", h.jobs.saves, len(h.models.prompts))
	}
	if h.lease.held[domain.LeaseKey(domain.JobKindAI, jobID)] != "other-worker" {
		t.Fatalf("foreign lease must not be released")
	}
}

func TestRunDispatchesOnKind(t *testing.T) {
	h := newHarness(t, Config{})
	if err := h.orch.Run(context.Background(), domain.JobKind("video"), jobID); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("err = %v, want ErrInvalidInput", err)
	}
}

func TestEmptyModelFailsTheStage(t *testing.T) {
	h := newHarness(t, Config{}, aiJob(nil))
	h.models.glb = nil

	if err := h.orch.RunAIJob(context.Background(), jobID); err != nil {
		t.Fatalf("RunAIJob returned error: %v", err)
	}
	job := h.jobs.stored(t, domain.JobKindAI, jobID)
	if job.Error == nil || *job.Error != "stage produced an empty model" {
		t.Fatalf("error = %v", job.Error)
	}
	keys := make([]string, 0, len(job.Timings))
	for k := range job.Timings {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if strings.Join(keys, ",") != "prompt_to_3d,total" {
		t.Fatalf("timings = %v", keys)
	}
}

func TestSettledJobIsNotRerun(t *testing.T) {
	job := aiJob(nil)
	job.Status = domain.JobStatusSucceeded
	job.Progress = domain.ProgressDone
	h := newHarness(t, Config{}, job)

	if err := h.orch.RunAIJob(context.Background(), jobID); err != nil {
		t.Fatalf("RunAIJob returned error: %v", err)
	}
	if h.jobs.saves != 0 || len(h.models.prompts) != 0 {
		t.Fatalf("settled job rerun: saves=%d prompts=%d", h.jobs.saves, len(h.models.prompts))
	}
	if len(h.lease.held) != 0 {
		t.Fatalf("lease not released")
	}
}

func TestUpstreamErrorBodyReachesJob(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		if r.URL.Path != "/prompt-to-3d" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		http.Error(w, "GPU quota exhausted", http.StatusInternalServerError)
	}))
	defer srv.Close()

	h := newHarness(t, Config{}, aiJob(nil))
	root, err := storage.NewScratchRoot(h.scratch)
	if err != nil {
		t.Fatalf("scratch root: %v", err)
	}
	orch := NewOrchestrator(Config{BucketJobOutputs: "outputs"}, Deps{
		Jobs:    h.jobs,
		Objects: h.objects,
		Scratch: root,
		Lease:   h.lease,
		Models:  modal.NewClient(modal.Options{BaseURL: srv.URL, PromptTo3DPath: "prompt-to-3d"}),
	})

	if err := orch.RunAIJob(context.Background(), jobID); err != nil {
		t.Fatalf("RunAIJob returned error: %v", err)
	}
	job := h.jobs.stored(t, domain.JobKindAI, jobID)
	if job.Status != domain.JobStatusFailed || job.Progress != 5 {
		t.Fatalf("job = %s/%d, want failed/5", job.Status, job.Progress)
	}
	if job.Error == nil || !strings.Contains(*job.Error, "status 500") || !strings.Contains(*job.Error, "GPU quota exhausted") {
		t.Fatalf("error = %v, want upstream status and body", job.Error)
	}
	if hits != 1 {
		t.Fatalf("upstream hit %d times, want 1", hits)
	}
	assertProgress(t, h.jobs.progress[jobID], 5)
	h.assertScratchReleased(t)
}

func TestLargeReferenceIsScaledForModelOnly(t *testing.T) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, imaging.New(64, 32, color.NRGBA{R: 200, A: 255})); err != nil {
		t.Fatalf("encode: %v", err)
	}
	original := buf.Bytes()
	h := newHarness(t, Config{ImageMaxEdge: 16}, aiJob(map[string]any{
		"image_base64":   base64.StdEncoding.EncodeToString(original),
		"image_filename": "poster.png",
	}))

	if err := h.orch.RunAIJob(context.Background(), jobID); err != nil {
		t.Fatalf("RunAIJob returned error: %v", err)
	}
	job := h.jobs.stored(t, domain.JobKindAI, jobID)
	if job.Status != domain.JobStatusSucceeded {
		t.Fatalf("status = %s (%v)", job.Status, job.Error)
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(h.models.imageBytes))
	if err != nil {
		t.Fatalf("model input not an image: %v", err)
	}
	if cfg.Width != 16 || cfg.Height != 8 {
		t.Fatalf("model input = %dx%d, want 16x8", cfg.Width, cfg.Height)
	}
	if !bytes.Equal(h.objects.objects["outputs/u1/j1/outputs/poster.png"], original) {
		t.Fatalf("published reference differs from the upload")
	}
	h.assertScratchReleased(t)
}
