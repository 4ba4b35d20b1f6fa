package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"go.uber.org/zap"

	"chatcore/internal/auth"
	"chatcore/internal/config"
	"chatcore/internal/database"
	"chatcore/internal/message"
	"chatcore/internal/server"
)

// App is the HTTP boundary: account and session endpoints, room and message
// CRUD, and the websocket upgrade. Everything stateful lives behind the
// injected services.
type App struct {
	log            *zap.SugaredLogger
	db             database.Repository
	auth           *auth.Service
	messages       *message.Service
	cs             *server.ChatServer
	srv            *http.Server
	sessionTTL     time.Duration
	allowedOrigins []string
}

func NewApp(logger *zap.SugaredLogger, mux *http.ServeMux, cs *server.ChatServer, db database.Repository,
	authSvc *auth.Service, msgSvc *message.Service, cfg *config.Config) *App {
	s := &App{
		log:            logger,
		db:             db,
		auth:           authSvc,
		messages:       msgSvc,
		cs:             cs,
		sessionTTL:     cfg.SessionTTL,
		allowedOrigins: cfg.AllowedOrigins,
	}

	mux.HandleFunc("POST /api/auth/register", s.register)
	mux.HandleFunc("POST /api/auth/login", s.login)
	mux.Handle("GET /api/auth/session", s.authMiddleware(s.session))
	mux.Handle("GET /api/auth/logout", s.authMiddleware(s.logout))
	mux.Handle("POST /api/rooms", s.authMiddleware(s.createRoom))
	mux.Handle("GET /api/rooms", s.authMiddleware(s.getRoom))
	mux.Handle("DELETE /api/rooms", s.authMiddleware(s.deleteRoom))
	mux.Handle("GET /api/memberships", s.authMiddleware(s.listMemberships))
	mux.Handle("GET /api/messages", s.authMiddleware(s.getMessages))
	mux.Handle("GET /ws", s.authMiddleware(s.serveWs))

	h := handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept"}),
		handlers.AllowCredentials(),
	)(mux)

	h = s.recoveryHandler(h)

	s.srv = &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: h,
	}

	return s
}

func (s *App) Start() error {
	s.log.Infow("starting http server", "addr", s.srv.Addr)
	return s.srv.ListenAndServe()
}

func (s *App) Shutdown(ctx context.Context) error {
	s.log.Info("shutting down http server")
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	return nil
}

func (s *App) writeJson(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Errorw("json encode", "error", err)
	}
}

func (s *App) writeError(w http.ResponseWriter, errResp *ApiError) {
	if errResp.Err != nil {
		s.log.Errorw("request failed", "status", errResp.StatusCode, "error", errResp.Err)
	}
	s.writeJson(w, errResp.StatusCode, errResp)
}
