// Package web serves the gateway HTTP API and a websocket feed of cluster events.
package web

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/mtzanidakis/conclave/internal/cluster"
	"github.com/mtzanidakis/conclave/internal/config"
	"github.com/mtzanidakis/conclave/internal/natsbus"
	"github.com/mtzanidakis/conclave/internal/registry"
	"github.com/mtzanidakis/conclave/internal/scheduler"
	"github.com/mtzanidakis/conclave/internal/store"
	"github.com/nats-io/nats.go"
	"golang.org/x/crypto/bcrypt"
)

const (
	sessionCookieName = "session"
	sessionMaxAge     = 7 * 24 * time.Hour
)

type Server struct {
	orch      *cluster.Orchestrator
	registry  *registry.Registry
	scheduler *scheduler.Scheduler
	store     *store.Store
	bus       *natsbus.Bus
	nats      *natsbus.Client
	hub       *Hub
	cfg       config.WebConfig
	version   string
	startedAt time.Time

	sessionMu sync.Mutex
	sessions  map[string]time.Time // token -> expiry
}

// NewServer wires the API. sched and bus may be nil.
func NewServer(orch *cluster.Orchestrator, reg *registry.Registry, sched *scheduler.Scheduler, st *store.Store, bus *natsbus.Bus, cfg config.WebConfig, version string) *Server {
	return &Server{
		orch:      orch,
		registry:  reg,
		scheduler: sched,
		store:     st,
		bus:       bus,
		hub:       NewHub(),
		cfg:       cfg,
		version:   version,
		startedAt: time.Now(),
		sessions:  make(map[string]time.Time),
	}
}

// Handler returns the API with auth middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/login", s.handleLogin)
	mux.HandleFunc("POST /api/logout", s.handleLogout)

	s.registerAPI(mux)
	mux.HandleFunc("/api/ws", s.handleWebSocket)

	return s.withMiddleware(mux)
}

func (s *Server) Start(ctx context.Context) error {
	go s.hub.Run(ctx)

	if err := s.subscribeEvents(); err != nil {
		return err
	}

	addr := fmt.Sprintf(":%d", s.cfg.Port)
	server := &http.Server{Addr: addr, Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		if s.nats != nil {
			s.nats.Close()
		}
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
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		if strings.HasPrefix(r.URL.Path, "/api/") && s.cfg.Auth != "" && r.URL.Path != "/api/login" {
			if !s.checkAuth(w, r) {
				return
			}
		}

		next.ServeHTTP(w, r)
	})
}

// checkAuth accepts a live session cookie or Basic Auth with the configured password.
func (s *Server) checkAuth(w http.ResponseWriter, r *http.Request) bool {
	if cookie, err := r.Cookie(sessionCookieName); err == nil {
		s.sessionMu.Lock()
		expiry, ok := s.sessions[cookie.Value]
		if ok && time.Now().Before(expiry) {
			s.sessions[cookie.Value] = time.Now().Add(sessionMaxAge)
			s.sessionMu.Unlock()
			return true
		}
		if ok {
			delete(s.sessions, cookie.Value)
		}
		s.sessionMu.Unlock()
	}

	if _, pass, ok := r.BasicAuth(); ok && s.passwordMatches(pass) {
		return true
	}

	w.Header().Set("WWW-Authenticate", `Basic realm="conclave"`)
	jsonError(w, "unauthorized", http.StatusUnauthorized)
	return false
}

// passwordMatches compares against the configured value, which may be a bcrypt hash.
func (s *Server) passwordMatches(pass string) bool {
	if isBcryptHash(s.cfg.Auth) {
		return bcrypt.CompareHashAndPassword([]byte(s.cfg.Auth), []byte(pass)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(pass), []byte(s.cfg.Auth)) == 1
}

func isBcryptHash(v string) bool {
	return len(v) == 60 && (strings.HasPrefix(v, "$2a$") || strings.HasPrefix(v, "$2b$") || strings.HasPrefix(v, "$2y$"))
}

func (s *Server) createSession() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	token := hex.EncodeToString(b)

	s.sessionMu.Lock()
	s.sessions[token] = time.Now().Add(sessionMaxAge)
	s.sessionMu.Unlock()

	return token, nil
}

func setSessionCookie(w http.ResponseWriter, token string, maxAge int) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Auth == "" {
		jsonResponse(w, map[string]string{"status": "ok"})
		return
	}

	var body struct {
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if !s.passwordMatches(body.Password) {
		jsonError(w, "invalid password", http.StatusUnauthorized)
		return
	}

	token, err := s.createSession()
	if err != nil {
		jsonError(w, "session creation failed", http.StatusInternalServerError)
		return
	}
	setSessionCookie(w, token, int(sessionMaxAge.Seconds()))
	jsonResponse(w, map[string]string{"status": "ok"})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(sessionCookieName); err == nil {
		s.sessionMu.Lock()
		delete(s.sessions, cookie.Value)
		s.sessionMu.Unlock()
	}
	setSessionCookie(w, "", -1)
	jsonResponse(w, map[string]string{"status": "ok"})
}

// subscribeEvents forwards mirrored bus events and state changes to websocket clients.
func (s *Server) subscribeEvents() error {
	if s.bus == nil {
		return nil
	}
	client, err := natsbus.NewClient(s.bus)
	if err != nil {
		return fmt.Errorf("web nats client: %w", err)
	}
	s.nats = client

	forward := func(kind string) nats.MsgHandler {
		return func(msg *nats.Msg) {
			s.hub.Broadcast(Event{Type: kind, Payload: json.RawMessage(msg.Data)})
		}
	}
	if _, err := client.Subscribe(natsbus.TopicClusterEventsAll, forward("event")); err != nil {
		return fmt.Errorf("subscribe events: %w", err)
	}
	if _, err := client.Subscribe(natsbus.TopicClusterStateAll, forward("state")); err != nil {
		return fmt.Errorf("subscribe states: %w", err)
	}
	if _, err := client.Subscribe(natsbus.TopicScheduleFired, forward("schedule")); err != nil {
		return fmt.Errorf("subscribe schedules: %w", err)
	}
	return client.Flush()
}
