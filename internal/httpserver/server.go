package httpserver

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/EchoPBX/echopbx-rtcbridge/internal/channel"
	"github.com/EchoPBX/echopbx-rtcbridge/internal/config"
	"github.com/EchoPBX/echopbx-rtcbridge/internal/jwt"
	"github.com/EchoPBX/echopbx-rtcbridge/internal/metrics"
	"github.com/EchoPBX/echopbx-rtcbridge/internal/texture"
	"github.com/EchoPBX/echopbx-rtcbridge/pkg/sdk"
)

const maxBody = 64 << 10

// Snapshotter is implemented by render targets that can describe their last frame.
type Snapshotter interface {
	Snapshot() texture.Snapshot
}

type Server struct {
	log      *zap.Logger
	bus      sdk.Bus
	methods  channel.Handler
	textures *texture.Registry
	r        *chi.Mux
	started  time.Time

	mu  sync.RWMutex
	cfg *config.Config
	jwt *jwt.Validator
}

func New(cfg *config.Config, log *zap.Logger, bus sdk.Bus, methods channel.Handler, textures *texture.Registry) (*Server, error) {
	v, err := jwt.NewValidator(cfg.Auth.JWTPublicKeys, cfg.Auth.Issuer, cfg.Auth.Audience)
	if err != nil {
		return nil, err
	}
	if !v.Enabled() {
		log.Warn("no jwt keys configured; authentication disabled")
	}
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
	}))
	s := &Server{
		cfg:      cfg,
		log:      log,
		bus:      bus,
		methods:  methods,
		textures: textures,
		r:        r,
		jwt:      v,
		started:  time.Now().UTC(),
	}
	s.routes()
	return s, nil
}

func (s *Server) Router() http.Handler { return s.r }

// Reload swaps the config and the JWT keys. On error the old keys stay.
func (s *Server) Reload(cfg *config.Config) error {
	v, err := jwt.NewValidator(cfg.Auth.JWTPublicKeys, cfg.Auth.Issuer, cfg.Auth.Audience)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.cfg, s.jwt = cfg, v
	s.mu.Unlock()
	return nil
}

func (s *Server) routes() {
	s.r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	s.r.Handle("/metrics", metrics.Handler())

	s.r.Get("/v1/info", s.auth(func(w http.ResponseWriter, r *http.Request) {
		s.mu.RLock()
		driver := s.cfg.Engine.Driver
		s.mu.RUnlock()
		writeJSON(w, http.StatusOK, map[string]any{
			"name":    "echopbx-rtcbridge",
			"driver":  driver,
			"started": s.started,
			"time":    time.Now().UTC(),
		})
	}))

	s.r.Post("/v1/methods/{method}", s.auth(s.invoke))
	s.r.Get("/v1/textures/{id}", s.auth(s.texture))

	up := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	s.r.Get("/v1/channel", s.auth(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			s.log.Warn("ws upgrade failed", zap.Error(err))
			return
		}
		defer conn.Close()
		log := s.session("method", r)
		defer s.track("method")()
		if err := channel.Serve(r.Context(), conn, s.methods, log); err != nil {
			log.Debug("method channel closed", zap.Error(err))
		}
	}))
	s.r.Get("/v1/events", s.auth(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			s.log.Warn("ws upgrade failed", zap.Error(err))
			return
		}
		log := s.session("events", r)
		defer s.track("events")()
		channel.Push(r.Context(), conn, s.bus, log)
		log.Debug("message channel closed")
	}))
}

func (s *Server) session(kind string, r *http.Request) *zap.Logger {
	log := s.log.With(zap.String("session", uuid.NewString()), zap.String("channel", kind))
	log.Info("ws session opened", zap.String("remote", r.RemoteAddr))
	return log
}

func (s *Server) track(kind string) func() {
	g := metrics.Sessions.WithLabelValues(kind)
	g.Inc()
	return g.Dec
}

// invoke runs one method call; the JSON body, if any, is the argument map.
func (s *Server) invoke(w http.ResponseWriter, r *http.Request) {
	method := chi.URLParam(r, "method")
	var args map[string]any
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	if len(strings.TrimSpace(string(body))) > 0 {
		if err := json.Unmarshal(body, &args); err != nil {
			writeJSON(w, http.StatusBadRequest, channel.MethodResult{
				Error: &channel.MethodError{Code: "malformed", Message: "arguments must be a JSON object"},
			})
			return
		}
	}
	res := channel.Invoke(r.Context(), s.methods, channel.MethodCall{Method: method, Arguments: args})
	writeJSON(w, statusFor(res), res)
}

func statusFor(res channel.MethodResult) int {
	switch {
	case res.NotImplemented:
		return http.StatusNotImplemented
	case res.Error == nil:
		return http.StatusOK
	}
	switch res.Error.Code {
	case "invalid_argument":
		return http.StatusBadRequest
	case "not_initialized":
		return http.StatusConflict
	case "unknown_texture":
		return http.StatusNotFound
	case "canceled":
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) texture(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "bad texture id", http.StatusBadRequest)
		return
	}
	sink, ok := s.textures.Lookup(id)
	if !ok {
		http.Error(w, texture.ErrUnknownTexture.Error(), http.StatusNotFound)
		return
	}
	resp := map[string]any{"id": id}
	if snap, ok := sink.(Snapshotter); ok {
		resp["frame"] = snap.Snapshot()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.RLock()
		v := s.jwt
		s.mu.RUnlock()
		if !v.Enabled() {
			next(w, r)
			return
		}
		tok := bearer(r)
		if tok == "" {
			http.Error(w, "missing token", http.StatusUnauthorized)
			return
		}
		if _, err := v.Verify(tok); err != nil {
			if !errors.Is(err, jwt.ErrInvalidToken) {
				s.log.Warn("token verification", zap.Error(err))
			}
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

// bearer reads the Authorization header, falling back to the access_token
// query parameter for browser WebSocket clients.
func bearer(r *http.Request) string {
	if tok := r.Header.Get("Authorization"); tok != "" {
		return strings.TrimPrefix(tok, "Bearer ")
	}
	return r.URL.Query().Get("access_token")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
