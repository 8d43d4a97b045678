package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouterOptions configure NewRouter.
type RouterOptions struct {
	AllowedOrigins []string
	RequestTimeout time.Duration
	// UploadsDir is served under UploadsPath when set.
	UploadsDir  string
	UploadsPath string
	Metrics     http.Handler
}

// NewRouter mounts the handlers on a chi router with the common middleware.
func NewRouter(h *Handlers, opts RouterOptions) http.Handler {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 60 * time.Second
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(opts.RequestTimeout))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", h.Health)
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics)
	}

	if opts.UploadsDir != "" {
		prefix := "/" + strings.Trim(opts.UploadsPath, "/")
		if prefix == "/" {
			prefix = "/uploads"
		}
		fs := http.StripPrefix(prefix+"/", http.FileServer(http.Dir(opts.UploadsDir)))
		r.Handle(prefix+"/*", fs)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/products", func(r chi.Router) {
			r.Get("/", h.ListProducts)
			r.Post("/", h.TrackProduct)
			r.Get("/{productID}", h.GetProduct)
			r.Post("/{productID}/alerts", h.Subscribe)
		})
	})

	return r
}
