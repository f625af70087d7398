// Package api exposes the search HTTP surface: ranked queries, health
// probes, metrics, and an admin endpoint for manual reindex triggers.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/pkgdepot/pkgdepot/internal/task"
	"github.com/pkgdepot/pkgdepot/pkg/config"
	pkgerrors "github.com/pkgdepot/pkgdepot/pkg/errors"
	"github.com/pkgdepot/pkgdepot/pkg/health"
	"github.com/pkgdepot/pkgdepot/pkg/metrics"
	"github.com/pkgdepot/pkgdepot/pkg/middleware"
	"github.com/pkgdepot/pkgdepot/pkg/redis"
)

// Server is the search API HTTP server.
type Server struct {
	cfg     config.ServerConfig
	httpSrv *http.Server
	logger  *slog.Logger
}

// PackageLister enumerates every catalog package, for bulk reindex sweeps.
type PackageLister interface {
	PackageNames(ctx context.Context) ([]string, error)
}

// triggerPublisher is the pub/sub slice of the Redis client the reindex
// endpoint needs.
type triggerPublisher interface {
	Publish(ctx context.Context, channel string, payload any) error
}

// Deps carries the wired dependencies of the server.
type Deps struct {
	Search         *SearchHandler
	Checker        *health.Checker
	Metrics        *metrics.Metrics
	Redis          *redis.Client
	TriggerChannel string
	Packages       PackageLister    // optional, enables bulk reindex
	Stats          http.HandlerFunc // optional job-completion stats endpoint
}

// NewServer builds the router and HTTP server.
func NewServer(cfg config.ServerConfig, deps Deps) *Server {
	mux := http.NewServeMux()
	mux.Handle("/v1/search", deps.Search)
	var publisher triggerPublisher
	if deps.Redis != nil {
		publisher = deps.Redis
	}
	mux.HandleFunc("/v1/admin/reindex", reindexHandler(publisher, deps.TriggerChannel, deps.Packages))
	if deps.Stats != nil {
		mux.HandleFunc("/v1/admin/stats", deps.Stats)
	}
	mux.HandleFunc("/healthz", deps.Checker.LiveHandler())
	mux.HandleFunc("/readyz", deps.Checker.ReadyHandler())
	mux.Handle("/metrics", metrics.Handler())

	var handler http.Handler = mux
	if deps.Metrics != nil {
		handler = middleware.Metrics(deps.Metrics)(handler)
	}
	handler = middleware.TraceID(handler)

	return &Server{
		cfg: cfg,
		httpSrv: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		logger: slog.Default().With("component", "api-server"),
	}
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("api server listening", "addr", s.httpSrv.Addr)
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("api server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api server shutdown: %w", err)
	}
	s.logger.Info("api server stopped")
	return nil
}

type reindexRequest struct {
	All     bool      `json:"all"`
	Package string    `json:"package"`
	Version string    `json:"version"`
	Updated time.Time `json:"updated,omitempty"`
}

// reindexHandler publishes manual triggers on the Redis channel the manual
// task source listens to. A single-package request names the package (version
// optional); {"all": true} sweeps the whole catalog, one trigger per package.
func reindexHandler(client triggerPublisher, channel string, packages PackageLister) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, pkgerrors.New(pkgerrors.ErrInvalidQuery, http.StatusMethodNotAllowed, "method not allowed"))
			return
		}
		if client == nil {
			writeError(w, pkgerrors.New(pkgerrors.ErrInternal, http.StatusServiceUnavailable, "trigger channel unavailable"))
			return
		}
		var req reindexRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, pkgerrors.Newf(pkgerrors.ErrInvalidQuery, 400, "decoding trigger: %v", err))
			return
		}
		if req.Updated.IsZero() {
			req.Updated = time.Now()
		}

		if req.All {
			if packages == nil {
				writeError(w, pkgerrors.New(pkgerrors.ErrInternal, http.StatusServiceUnavailable, "bulk reindex unavailable"))
				return
			}
			names, err := packages.PackageNames(r.Context())
			if err != nil {
				writeError(w, fmt.Errorf("listing packages: %w", err))
				return
			}
			for _, name := range names {
				trigger := task.TriggerMessage{Package: name, Updated: req.Updated}
				if err := publishTrigger(r.Context(), client, channel, trigger); err != nil {
					writeError(w, err)
					return
				}
			}
			writeJSON(w, http.StatusAccepted, map[string]any{
				"status":   "accepted",
				"packages": len(names),
			})
			return
		}

		if req.Package == "" {
			writeError(w, pkgerrors.New(pkgerrors.ErrInvalidQuery, 400, "package is required"))
			return
		}
		trigger := task.TriggerMessage{Package: req.Package, Version: req.Version, Updated: req.Updated}
		if err := publishTrigger(r.Context(), client, channel, trigger); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{
			"status":  "accepted",
			"package": trigger.Package,
			"version": trigger.Version,
		})
	}
}

func publishTrigger(ctx context.Context, client triggerPublisher, channel string, trigger task.TriggerMessage) error {
	payload, err := json.Marshal(trigger)
	if err != nil {
		return err
	}
	if err := client.Publish(ctx, channel, payload); err != nil {
		return fmt.Errorf("publishing trigger: %w", err)
	}
	return nil
}
