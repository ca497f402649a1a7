// Package web is the HTTP face of the gateway: a JSON API over the tool
// dispatcher plus read-only views of swarms, agents, and metrics, and a
// websocket feed of bus events. Programmatic access uses Basic Auth; there is
// no session or UI layer.
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"golang.org/x/time/rate"

	"github.com/hivegate/hivegate/internal/config"
	"github.com/hivegate/hivegate/internal/hive"
	"github.com/hivegate/hivegate/internal/natsbus"
	"github.com/hivegate/hivegate/internal/saga"
	"github.com/hivegate/hivegate/internal/scheduler"
	"github.com/hivegate/hivegate/internal/tools"
	"github.com/hivegate/hivegate/internal/vault"
)

type Server struct {
	gateway   *tools.Gateway
	prov      *saga.Provisioner
	pool      *hive.Pool
	sched     *scheduler.Scheduler
	keeper    *vault.Keeper
	bus       *natsbus.Bus
	nats      *natsbus.Client
	hub       *Hub
	cfg       config.WebConfig
	version   string
	startedAt time.Time

	limitMu  sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewServer wires the HTTP layer. sched, keeper, and bus may be nil; the
// matching endpoints then answer 503.
func NewServer(gateway *tools.Gateway, prov *saga.Provisioner, pool *hive.Pool, sched *scheduler.Scheduler, keeper *vault.Keeper, bus *natsbus.Bus, cfg config.WebConfig, version string) *Server {
	return &Server{
		gateway:   gateway,
		prov:      prov,
		pool:      pool,
		sched:     sched,
		keeper:    keeper,
		bus:       bus,
		hub:       NewHub(),
		cfg:       cfg,
		version:   version,
		startedAt: time.Now(),
		limiters:  make(map[string]*rate.Limiter),
	}
}

func (s *Server) Start(ctx context.Context) error {
	go s.hub.Run(ctx)
	s.subscribeEvents()

	mux := http.NewServeMux()
	s.registerAPI(mux)
	mux.HandleFunc("/api/ws", s.handleWebSocket)

	handler := s.withMiddleware(mux)
	addr := fmt.Sprintf(":%d", s.cfg.Port)
	server := &http.Server{Addr: addr, Handler: handler}

	go func() {
		<-ctx.Done()
		server.Close()
	}()

	slog.Info("web server listening", "addr", addr)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		if !s.allow(r) {
			jsonError(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}

		if strings.HasPrefix(r.URL.Path, "/api/") && s.cfg.Auth != "" {
			if _, pass, ok := r.BasicAuth(); !ok || pass != s.cfg.Auth {
				w.Header().Set("WWW-Authenticate", `Basic realm="hivegate"`)
				jsonError(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}

		next.ServeHTTP(w, r)
	})
}

// allow applies the per-remote token bucket. A zero rate disables limiting.
func (s *Server) allow(r *http.Request) bool {
	if s.cfg.RatePerSecond <= 0 {
		return true
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}

	s.limitMu.Lock()
	lim, ok := s.limiters[host]
	if !ok {
		burst := s.cfg.RateBurst
		if burst < 1 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(s.cfg.RatePerSecond), burst)
		s.limiters[host] = lim
	}
	s.limitMu.Unlock()

	return lim.Allow()
}

// subscribeEvents forwards every bus event to connected websocket clients.
func (s *Server) subscribeEvents() {
	if s.bus == nil {
		return
	}
	client, err := natsbus.NewClient(s.bus)
	if err != nil {
		slog.Error("web server nats client failed", "error", err)
		return
	}
	s.nats = client

	_, _ = client.Subscribe(natsbus.EventsWildcard, func(msg *nats.Msg) {
		if !json.Valid(msg.Data) {
			slog.Warn("invalid event payload", "subject", msg.Subject)
			return
		}
		s.hub.Broadcast(Event{Subject: msg.Subject, Payload: json.RawMessage(msg.Data)})
	})
}

func jsonResponse(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func jsonError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
