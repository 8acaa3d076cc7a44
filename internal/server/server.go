// Package server is the request router and connection core: it serves
// the REST credential façade, authenticates WebSocket upgrades, and
// runs the per-connection state machine.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/cipherbase/internal/auth"
	"github.com/adred-codev/cipherbase/internal/config"
	"github.com/adred-codev/cipherbase/internal/dispatch"
	"github.com/adred-codev/cipherbase/internal/monitoring"
	"github.com/adred-codev/cipherbase/internal/relay"
	"github.com/adred-codev/cipherbase/internal/session"
	"github.com/adred-codev/cipherbase/internal/store"
	"github.com/adred-codev/cipherbase/internal/txlog"
	"github.com/adred-codev/cipherbase/internal/wire"
)

// hstsValue is added to every HTTP response: two years, subdomains,
// preload.
const hstsValue = "max-age=63072000; includeSubDomains; preload"

// heartbeatInterval drives the liveness timer; a connection gets a
// two-interval grace before forced termination.
const heartbeatInterval = 30 * time.Second

// Server wires the store, user/session repositories, log engine,
// dispatcher, and registry behind one HTTP surface.
type Server struct {
	cfg    *config.Config
	logger zerolog.Logger

	store      store.Store
	users      *auth.Users
	sessions   *auth.Sessions
	keys       *auth.ServerKeys
	registry   *session.Registry
	engine     *txlog.Engine
	dispatcher *dispatch.Dispatcher
	relay      *relay.Relay
	guard      *Guard

	listener     net.Listener
	httpServer   *http.Server
	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	shuttingDown atomic.Bool
}

// New assembles a server. The store is owned by the caller until Start
// succeeds.
func New(cfg *config.Config, st store.Store, logger zerolog.Logger) (*Server, error) {
	keys, err := auth.NewServerKeys(cfg.ServerKeySeed)
	if err != nil {
		return nil, err
	}
	signingKey := []byte(cfg.SessionSigningKey)
	if len(signingKey) == 0 {
		return nil, errors.New("server: CB_SESSION_SIGNING_KEY is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:        cfg,
		logger:     logger,
		store:      st,
		users:      auth.NewUsers(st),
		sessions:   auth.NewSessions(st, signingKey, cfg.SessionTTL),
		keys:       keys,
		registry:   session.NewRegistry(logger),
		engine:     txlog.NewEngine(st, logger),
		dispatcher: dispatch.NewDispatcher(logger),
		guard:      NewGuard(cfg, logger),
		ctx:        ctx,
		cancel:     cancel,
	}
	s.engine.AddFanout(s.dispatcher)

	if cfg.NATSURL != "" {
		r, err := relay.Connect(cfg.NATSURL, s.dispatcher, logger)
		if err != nil {
			cancel()
			return nil, err
		}
		s.relay = r
		s.engine.AddFanout(r)
	}
	return s, nil
}

// Start binds the listener and launches the heartbeat and guard loops.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.listener = listener

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/api/", s.handleUpgrade)
	mux.HandleFunc("POST /v1/api/auth/sign-up", s.handleSignUp)
	mux.HandleFunc("POST /v1/api/auth/sign-in", s.handleSignIn)
	mux.HandleFunc("POST /v1/api/auth/sign-in-with-session", s.handleSignInWithSession)
	mux.HandleFunc("GET /v1/api/auth/server-public-key", s.handleServerPublicKey)
	mux.HandleFunc("GET /v1/api/auth/get-password-salts", s.handleGetPasswordSalts)
	mux.HandleFunc("GET /ping", s.handlePing)
	mux.Handle("GET /metrics", monitoring.MetricsHandler())

	s.httpServer = &http.Server{
		Handler:      hsts(mux),
		ReadTimeout:  30 * time.Second,
		IdleTimeout:  120 * time.Second,
		// No WriteTimeout: hijacked WebSocket connections outlive any
		// sane HTTP deadline.
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		var err error
		if s.cfg.TLSEnabled() {
			err = s.httpServer.ServeTLS(listener, s.cfg.HTTPSCert, s.cfg.HTTPSKey)
		} else {
			err = s.httpServer.Serve(listener)
		}
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Server accept loop error")
		}
	}()

	s.wg.Add(1)
	go s.heartbeatLoop()

	s.guard.Start(s.ctx, s.cfg.MetricsInterval)

	s.logger.Info().
		Str("addr", s.cfg.Addr()).
		Bool("tls", s.cfg.TLSEnabled()).
		Msg("Server listening")
	return nil
}

// Shutdown stops accepting upgrades, drains connections briefly, then
// force-closes the rest.
func (s *Server) Shutdown() error {
	s.logger.Info().Msg("Initiating graceful shutdown")
	s.shuttingDown.Store(true)

	if s.listener != nil {
		s.listener.Close()
	}

	deadline := time.After(10 * time.Second)
	tick := time.NewTicker(500 * time.Millisecond)
	defer tick.Stop()
drain:
	for {
		select {
		case <-deadline:
			break drain
		case <-tick.C:
			if s.registry.Len() == 0 {
				break drain
			}
		}
	}

	for _, c := range s.registry.Snapshot() {
		c.Terminate(session.ReasonServerShutdown)
	}

	s.cancel()
	if s.relay != nil {
		s.relay.Close()
	}
	s.wg.Wait()
	s.logger.Info().Msg("Graceful shutdown completed")
	return nil
}

func hsts(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Strict-Transport-Security", hstsValue)
		next.ServeHTTP(w, r)
	})
}

// --- REST credential façade ---

type signUpRequest struct {
	Username            string             `json:"username"`
	PasswordToken       []byte             `json:"passwordToken"`
	PublicKey           []byte             `json:"publicKey"`
	KeySalts            wire.KeySalts      `json:"keySalts"`
	PasswordSalts       wire.PasswordSalts `json:"passwordSalts"`
	PasswordBasedBackup []byte             `json:"passwordBasedBackup,omitempty"`
	Email               string             `json:"email,omitempty"`
	Profile             json.RawMessage    `json:"profile,omitempty"`
	RememberMe          string             `json:"rememberMe,omitempty"`
}

type authResponse struct {
	UserID       string `json:"userId"`
	SessionToken string `json:"sessionToken"`
	CreatedAt    string `json:"creationDate"`
}

func (s *Server) handleSignUp(w http.ResponseWriter, r *http.Request) {
	appID := appIDFrom(r)
	if appID == "" {
		httpError(w, http.StatusBadRequest, "App ID missing")
		return
	}
	var req signUpRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, wire.MaxFrameSize)).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	user, err := s.users.Create(r.Context(), auth.NewUserParams{
		AppID:               appID,
		Username:            req.Username,
		PasswordToken:       req.PasswordToken,
		PublicKey:           req.PublicKey,
		KeySalts:            req.KeySalts,
		PasswordSalts:       req.PasswordSalts,
		PasswordBasedBackup: req.PasswordBasedBackup,
		Email:               req.Email,
		Profile:             req.Profile,
	})
	if err != nil {
		if errors.Is(err, auth.ErrUsernameTaken) {
			httpError(w, http.StatusConflict, "Username already exists")
			return
		}
		s.logger.Error().Err(err).Msg("Sign-up failed")
		httpError(w, http.StatusInternalServerError, "Unknown error")
		return
	}
	_, token, err := s.sessions.Create(r.Context(), user.UserID, appID, auth.RememberMe(req.RememberMe))
	if err != nil {
		s.logger.Error().Err(err).Msg("Session creation failed")
		httpError(w, http.StatusInternalServerError, "Unknown error")
		return
	}
	writeJSON(w, http.StatusOK, authResponse{
		UserID:       user.UserID,
		SessionToken: token,
		CreatedAt:    user.CreatedAt.Format(time.RFC3339),
	})
}

type signInRequest struct {
	Username      string `json:"username"`
	PasswordToken []byte `json:"passwordToken"`
	RememberMe    string `json:"rememberMe,omitempty"`
}

func (s *Server) handleSignIn(w http.ResponseWriter, r *http.Request) {
	appID := appIDFrom(r)
	if appID == "" {
		httpError(w, http.StatusBadRequest, "App ID missing")
		return
	}
	var req signInRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, wire.MaxFrameSize)).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	user, err := s.users.GetByUsername(r.Context(), appID, req.Username)
	if err == nil {
		err = s.users.VerifyPassword(user, req.PasswordToken)
	}
	if err != nil {
		// One message for unknown user and bad password.
		httpError(w, http.StatusUnauthorized, "Invalid username or password")
		return
	}
	_, token, err := s.sessions.Create(r.Context(), user.UserID, appID, auth.RememberMe(req.RememberMe))
	if err != nil {
		s.logger.Error().Err(err).Msg("Session creation failed")
		httpError(w, http.StatusInternalServerError, "Unknown error")
		return
	}
	writeJSON(w, http.StatusOK, authResponse{
		UserID:       user.UserID,
		SessionToken: token,
		CreatedAt:    user.CreatedAt.Format(time.RFC3339),
	})
}

func (s *Server) handleSignInWithSession(w http.ResponseWriter, r *http.Request) {
	id, err := s.sessions.Verify(r.Context(), bearerToken(r))
	if err != nil {
		httpError(w, http.StatusUnauthorized, "Session invalid")
		return
	}
	if _, err := s.users.Get(r.Context(), id.UserID); err != nil {
		httpError(w, http.StatusUnauthorized, "Session invalid")
		return
	}
	token, err := s.sessions.Refresh(id)
	if err != nil {
		s.logger.Error().Err(err).Msg("Token refresh failed")
		httpError(w, http.StatusInternalServerError, "Unknown error")
		return
	}
	writeJSON(w, http.StatusOK, authResponse{
		UserID:       id.UserID,
		SessionToken: token,
		CreatedAt:    id.Session.CreatedAt.Format(time.RFC3339),
	})
}

func (s *Server) handleServerPublicKey(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	w.Write(s.keys.PublicKey())
}

func (s *Server) handleGetPasswordSalts(w http.ResponseWriter, r *http.Request) {
	appID := appIDFrom(r)
	username := r.URL.Query().Get("username")
	if appID == "" || username == "" {
		httpError(w, http.StatusBadRequest, "App ID and username are required")
		return
	}
	user, err := s.users.GetByUsername(r.Context(), appID, username)
	if err != nil {
		httpError(w, http.StatusNotFound, "User not found")
		return
	}
	writeJSON(w, http.StatusOK, user.PasswordSalts)
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("Healthy"))
}

// --- helpers ---

func appIDFrom(r *http.Request) string {
	if id := r.Header.Get("App-ID"); id != "" {
		return id
	}
	return r.URL.Query().Get("appId")
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if len(h) > len(prefix) && h[:len(prefix)] == prefix {
		return h[len(prefix):]
	}
	if t := r.URL.Query().Get("sessionToken"); t != "" {
		return t
	}
	if c, err := r.Cookie("sessionToken"); err == nil {
		return c.Value
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, status int, msg string) {
	http.Error(w, msg, status)
}
