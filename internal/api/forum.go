package api

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/handlers"
	"github.com/npezzotti/alumni-forum/internal/config"
	"github.com/npezzotti/alumni-forum/internal/database"
	"github.com/npezzotti/alumni-forum/internal/gateway"
	"github.com/sirupsen/logrus"
)

// Routes are served at the root and under this prefix, which the web
// client uses.
const chatPrefix = "/api/chat"

type ForumApp struct {
	log            *logrus.Logger
	db             database.ForumRepository
	gw             *gateway.Gateway
	srv            *http.Server
	accessLog      io.WriteCloser
	validate       *validator.Validate
	allowedOrigins []string
	keepAlive      time.Duration
}

func NewForumApp(mux *http.ServeMux, logger *logrus.Logger, gw *gateway.Gateway, db database.ForumRepository, cfg *config.Config) *ForumApp {
	s := &ForumApp{
		log:            logger,
		db:             db,
		gw:             gw,
		validate:       validator.New(validator.WithRequiredStructEnabled()),
		allowedOrigins: cfg.AllowedOrigins,
		keepAlive:      cfg.KeepAlive,
	}
	if s.keepAlive <= 0 {
		s.keepAlive = 20 * time.Second
	}

	routes := http.NewServeMux()
	routes.HandleFunc("GET /healthz", s.healthCheck)
	routes.HandleFunc("GET /rooms", s.listRooms)
	routes.HandleFunc("POST /rooms", s.requireBearer(s.createRoom))
	routes.HandleFunc("GET /rooms/{roomId}/messages", s.getMessages)
	routes.HandleFunc("POST /rooms/{roomId}/messages", s.requireBearer(s.sendMessage))
	routes.HandleFunc("GET /rooms/{roomId}/subscribe", s.subscribe)
	routes.HandleFunc("GET /rooms/{roomId}/ws", s.serveWs)

	mux.Handle(chatPrefix+"/", http.StripPrefix(chatPrefix, routes))
	mux.Handle("/", routes)

	h := handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept", "Authorization", "Last-Event-ID"}),
	)(mux)

	s.accessLog = logger.WriterLevel(logrus.InfoLevel)
	h = handlers.CombinedLoggingHandler(s.accessLog, h)
	h = s.errorHandler(h)

	s.srv = &http.Server{
		Addr:              cfg.ServerAddr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

func (s *ForumApp) Handler() http.Handler {
	return s.srv.Handler
}

func (s *ForumApp) Start() error {
	s.log.Infof("starting server on %s", s.srv.Addr)
	return s.srv.ListenAndServe()
}

func (s *ForumApp) Shutdown(ctx context.Context) error {
	s.log.Info("shutting down HTTP server...")
	defer s.accessLog.Close()

	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	return nil
}
