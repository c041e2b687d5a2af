package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"r2v/internal/domain"
	"r2v/internal/entitlement"
	"r2v/internal/infra"
	"r2v/internal/middleware"
	"r2v/internal/queue"
)

// Presigner issues time-limited object URLs.
type Presigner interface {
	PresignPut(ctx context.Context, bucket, key string, expiry time.Duration, contentType string) (string, error)
	PresignGet(ctx context.Context, bucket, key string, expiry time.Duration) (string, error)
}

// EntitlementChecker decides download access for one asset.
type EntitlementChecker interface {
	Check(ctx context.Context, userID string, asset *domain.Asset) (entitlement.Decision, error)
}

// Buckets names the object-store buckets the API signs against.
type Buckets struct {
	MarketModels string
	MarketThumbs string
	ScansRaw     string
	JobOutputs   string
}

// App carries the dependencies shared by all handlers.
type App struct {
	Jobs           domain.JobRepository
	Assets         domain.AssetRepository
	Downloads      domain.DownloadRepository
	Entitlement    EntitlementChecker
	Storage        Presigner
	Queue          queue.Publisher
	Buckets        Buckets
	UploadExpiry   time.Duration
	DownloadExpiry time.Duration
	DB             Pinger
	Logger         infra.Logger
}

const (
	defaultListLimit = 20
	maxListLimit     = 100
	// Reference images ride inside AI job settings as base64.
	maxBodyBytes = 32 << 20
)

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// error renders {"error": code, "detail": detail}.
func (a *App) error(w http.ResponseWriter, status int, code, detail string) {
	a.json(w, status, map[string]string{"error": code, "detail": detail})
}

func (a *App) internal(w http.ResponseWriter, r *http.Request, err error, detail string) {
	a.Logger.Error().Err(err).
		Str("request_id", middleware.RequestIDFromContext(r.Context())).
		Str("path", r.URL.Path).
		Msg("http: " + detail)
	a.error(w, http.StatusInternalServerError, "internal", detail)
}

func (a *App) currentUserID(r *http.Request) string {
	return middleware.UserIDFromContext(r.Context())
}

// decode reads a JSON body into dst. An empty body leaves dst untouched.
func (a *App) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.Body == nil {
		return true
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return false
	}
	return true
}

func (a *App) downloadExpiry() time.Duration {
	if a.DownloadExpiry > 0 {
		return a.DownloadExpiry
	}
	return 900 * time.Second
}

func (a *App) uploadExpiry() time.Duration {
	if a.UploadExpiry > 0 {
		return a.UploadExpiry
	}
	return time.Hour
}

// pagination reads limit/offset with defaults and bounds.
func pagination(r *http.Request) (int, int) {
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	offset, err := strconv.Atoi(r.URL.Query().Get("offset"))
	if err != nil || offset < 0 {
		offset = 0
	}
	return limit, offset
}
