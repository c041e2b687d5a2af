package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"r2v/internal/http/handlers"
	"r2v/internal/infra"
	"r2v/internal/middleware"
)

// Options configures the cross-cutting middleware around the handlers.
type Options struct {
	Auth            middleware.AuthConfig
	AllowedOrigins  []string
	CountryLookup   middleware.CountryLookup
	RateLimitPerMin int
	Logger          infra.Logger
}

func NewRouter(app *handlers.App, opts Options) http.Handler {
	r := chi.NewRouter()

	r.Use(
		middleware.RequestID,
		chimw.RealIP,
		chimw.Recoverer,
		middleware.Logger(opts.Logger),
		middleware.CORS(opts.AllowedOrigins),
		middleware.Geo(opts.CountryLookup),
	)

	r.Get("/healthz", app.Health)
	r.Get("/readyz", app.Ready)
	r.Get("/openapi.json", app.OpenAPIJSON)
	r.Get("/docs", app.OpenAPIDocs)

	limited := middleware.RateLimit(opts.RateLimitPerMin, time.Minute)

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.AuthJWT(opts.Auth))

		r.Route("/ai/jobs", func(r chi.Router) {
			r.With(limited).Post("/", app.CreateAIJob)
			r.Get("/", app.ListAIJobs)
			r.Get("/{id}", app.GetAIJob)
			r.Get("/{id}/download/glb", app.DownloadAIJobGLB)
		})

		r.Route("/scan/jobs", func(r chi.Router) {
			r.With(limited).Post("/", app.CreateScanJob)
			r.Get("/", app.ListScanJobs)
			r.Get("/{id}", app.GetScanJob)
			r.With(limited).Post("/{id}/presign", app.PresignScanUpload)
			r.Post("/{id}/start", app.StartScanJob)
			r.Get("/{id}/download/glb", app.DownloadScanJobGLB)
		})

		r.Route("/marketplace/assets", func(r chi.Router) {
			r.With(limited).Post("/", app.CreateAsset)
			r.With(limited).Post("/presign", app.PresignAsset)
			r.Post("/{id}/publish", app.PublishAsset)
			r.Get("/{id}/download", app.DownloadAsset)
			r.Get("/{id}/entitlement", app.AssetEntitlement)
		})
	})

	return r
}
