// Package healthserver exposes the bridge's operational HTTP surface:
// liveness, per-guild readiness, and a debug dump of current bindings —
// supplementary to spec.md's bridge logic (§4 SUPPLEMENTED FEATURES), built
// the way the teacher's internal/server builds its chi router.
package healthserver

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/roomy-space/discord-bridge/internal/guildctx"
	"github.com/roomy-space/discord-bridge/internal/repo"
)

// Server serves /healthz, /readyz, and /debug/bindings.
type Server struct {
	router    *chi.Mux
	repo      *repo.Repo
	guilds    *guildctx.Factory
	startedAt time.Time
	boundGuilds func() []string
}

// New builds the health server's router. boundGuilds lists every currently
// bound guild id, used to report per-guild readiness.
func New(r *repo.Repo, guilds *guildctx.Factory, boundGuilds func() []string) *Server {
	s := &Server{repo: r, guilds: guilds, startedAt: time.Now(), boundGuilds: boundGuilds}
	s.router = s.buildRouter()
	return s
}

// Start runs the HTTP server on addr until ctx is cancelled.
func (s *Server) Start(ctx context.Context, addr string) {
	srv := &http.Server{
		Addr:         ":" + addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	slog.Info("starting health server", "addr", srv.Addr)

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutCtx); err != nil {
			slog.Error("health server shutdown error", "error", err)
		}
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("health server error", "error", err)
	}
}

func (s *Server) buildRouter() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		jsonResponse(w, map[string]string{"status": "ok", "uptime": time.Since(s.startedAt).String()}, http.StatusOK)
	})

	r.Get("/readyz", func(w http.ResponseWriter, req *http.Request) {
		guilds := s.boundGuilds()
		statuses := make(map[string]string, len(guilds))
		allLive := true
		for _, g := range guilds {
			state := s.guilds.State(g)
			statuses[g] = state.String()
			if state != guildctx.StateLive {
				allLive = false
			}
		}
		status := http.StatusOK
		if !allLive {
			status = http.StatusServiceUnavailable
		}
		jsonResponse(w, map[string]interface{}{"guilds": statuses}, status)
	})

	r.Get("/debug/bindings", func(w http.ResponseWriter, req *http.Request) {
		guilds := s.boundGuilds()
		out := make([]map[string]interface{}, 0, len(guilds))
		for _, g := range guilds {
			space, err := s.repo.SpaceForGuild(g)
			if err != nil {
				continue
			}
			cursor, _ := s.repo.GetCursor(g)
			out = append(out, map[string]interface{}{
				"guildId": g, "spaceDid": space,
				"state": s.guilds.State(g).String(), "cursor": cursor,
			})
		}
		jsonResponse(w, out, http.StatusOK)
	})

	return r
}

func jsonResponse(w http.ResponseWriter, v interface{}, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode health response", "error", err)
	}
}
