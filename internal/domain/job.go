package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// JobKind distinguishes the two pipelines. Both share one record shape but
// live in separate tables.
type JobKind string

const (
	JobKindAI   JobKind = "ai"
	JobKindScan JobKind = "scan"
)

// Valid reports whether k names a known pipeline.
func (k JobKind) Valid() bool {
	return k == JobKindAI || k == JobKindScan
}

// LeaseKey names the per-job lease shared by workers and queue recovery.
func LeaseKey(kind JobKind, jobID string) string {
	return fmt.Sprintf("r2v:lease:%s:%s", kind, jobID)
}

// JobStatus enumerates job lifecycle states.
type JobStatus string

const (
	JobStatusCreated   JobStatus = "created"
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusFailed    JobStatus = "failed"
)

// Terminal reports whether no further transition happens without a new run.
func (s JobStatus) Terminal() bool {
	return s == JobStatusSucceeded || s == JobStatusFailed
}

// Progress checkpoints written by the orchestrator.
const (
	ProgressStarted      = 5
	ProgressImageReady   = 20
	ProgressModelReady   = 60
	ProgressAIRepaired   = 80
	ProgressReconstruct  = 70
	ProgressScanRepaired = 85
	ProgressDone         = 100
)

// Scan upload kinds accepted at creation.
const (
	ScanKindPhotos = "photos"
	ScanKindZip    = "zip"
)

// Settings keys understood by the AI pipeline.
const (
	SettingImageBase64   = "image_base64"
	SettingImageFilename = "image_filename"
	SettingImageMIME     = "image_mime"
	SettingMode          = "mode"

	ModeTextToImageTo3D = "text_to_image_to_3d"
)

// Job is one asynchronous generation or reconstruction request.
type Job struct {
	ID             string
	Kind           JobKind
	UserID         string
	Status         JobStatus
	Progress       int
	Prompt         string
	Settings       map[string]any
	InputKeys      []string
	Metadata       map[string]any
	Timings        map[string]int64
	OutputImageKey *string
	OutputGLBKey   *string
	OutputSTLKey   *string
	PreviewKeys    []string
	Error          *string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// SettingString returns a trimmed string setting or "".
func (j *Job) SettingString(key string) string {
	if j == nil || j.Settings == nil {
		return ""
	}
	if v, ok := j.Settings[key].(string); ok {
		return v
	}
	return ""
}

// HasOutputs reports whether any output key has been recorded.
func (j *Job) HasOutputs() bool {
	return j.OutputImageKey != nil || j.OutputGLBKey != nil || j.OutputSTLKey != nil || len(j.PreviewKeys) > 0
}

// Clone returns a deep copy so stores never share mutable state with callers.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	out := *j
	out.Settings = cloneMap(j.Settings)
	out.Metadata = cloneMap(j.Metadata)
	if j.Timings != nil {
		out.Timings = make(map[string]int64, len(j.Timings))
		for k, v := range j.Timings {
			out.Timings[k] = v
		}
	}
	out.InputKeys = append([]string(nil), j.InputKeys...)
	out.PreviewKeys = append([]string(nil), j.PreviewKeys...)
	out.OutputImageKey = cloneString(j.OutputImageKey)
	out.OutputGLBKey = cloneString(j.OutputGLBKey)
	out.OutputSTLKey = cloneString(j.OutputSTLKey)
	out.Error = cloneString(j.Error)
	return &out
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		out := make(map[string]any, len(m))
		for k, v := range m {
			out[k] = v
		}
		return out
	}
	var out map[string]any
	_ = json.Unmarshal(raw, &out)
	return out
}

// StringPtr is a small helper for optional string columns.
func StringPtr(s string) *string {
	return &s
}
