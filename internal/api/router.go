package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/teerpro/result-engine/internal/auth"
	"github.com/teerpro/result-engine/internal/metrics"
)

// NewRouter mounts the service, the metrics endpoint and the WebSocket
// handler ws (may be nil) behind the common middleware stack.
func NewRouter(svc *Service, verifier *auth.Verifier, ws http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(svc.log))
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)
	r.Use(cors)

	r.Get("/health", svc.Health)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// Long-lived; kept out of the request timeout.
		if ws != nil {
			r.Handle("/ws", ws)
		}

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))

			r.Get("/results/today", svc.TodayResults)
			r.Get("/results/history", svc.ResultHistory)

			r.Group(func(r chi.Router) {
				r.Use(verifier.RequireUser)
				r.Get("/wagers", svc.ListWagers)
				r.Get("/wagers/stats", svc.WagerStats)
			})

			r.Route("/admin", func(r chi.Router) {
				r.Use(verifier.RequireAdmin)
				r.Post("/results", svc.DeclareResult)
				r.Post("/ingest", svc.TriggerIngest)
				r.Post("/settle", svc.Resettle)
			})
		})
	})

	return r
}

// cors allows the browser front end to call the API cross-origin.
func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func requestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}
