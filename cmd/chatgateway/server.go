package main

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"chatgateway/internal/config"
	"chatgateway/internal/constants"
	"chatgateway/internal/database"
	"chatgateway/internal/features"
	"chatgateway/internal/metrics"
	"chatgateway/internal/middleware"
	"chatgateway/internal/models"
	"chatgateway/internal/service"
	"chatgateway/internal/versioning"
	"chatgateway/pkg/adapter"
)

// maxWebhookBodyBytes caps inbound webhook payloads.
const maxWebhookBodyBytes = 1 << 20

type Server struct {
	router    *mux.Router
	logger    *logrus.Logger
	cfg       *models.Config
	gateway   *service.Gateway
	db        *database.Database
	providers *config.Service
	flags     *features.Flags
	server    *http.Server
}

func NewServer(cfg *models.Config, gateway *service.Gateway, db *database.Database, providers *config.Service, flags *features.Flags, logger *logrus.Logger) *Server {
	s := &Server{
		router:    mux.NewRouter(),
		logger:    logger,
		cfg:       cfg,
		gateway:   gateway,
		db:        db,
		providers: providers,
		flags:     flags,
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.Observability(s.logger))
	s.router.Use(versioning.Middleware(s.logger))

	s.router.HandleFunc("/health", s.handleHealth()).Methods(http.MethodGet)
	s.router.HandleFunc("/version", s.handleVersion()).Methods(http.MethodGet)
	s.router.HandleFunc("/metrics", s.handleMetrics()).Methods(http.MethodGet)

	// Platform webhooks. GET is only meaningful for handshake-style
	// verification (WeChat echoes echostr); adapters decide per platform.
	webhooks := s.router.PathPrefix("/webhook").Subrouter()
	webhooks.Use(middleware.WebhookObservability(s.logger))
	webhooks.HandleFunc("/{platform}", s.handleWebhook()).Methods(http.MethodGet, http.MethodPost)

	admin := s.router.PathPrefix("/admin").Subrouter()
	admin.Use(s.adminAuth)
	admin.HandleFunc("/queue/stats", s.handleQueueStats()).Methods(http.MethodGet)
	admin.HandleFunc("/deadletters", s.handleListDeadLetters()).Methods(http.MethodGet)
	admin.HandleFunc("/deadletters", s.handleClearDeadLetters()).Methods(http.MethodDelete)
	admin.HandleFunc("/deadletters/{id}/reprocess", s.handleReprocessDeadLetter()).Methods(http.MethodPost)
	admin.HandleFunc("/deadletters/{id}", s.handleDeleteDeadLetter()).Methods(http.MethodDelete)
	admin.HandleFunc("/providers", s.handleListProviders()).Methods(http.MethodGet)
	admin.HandleFunc("/providers/{platform}", s.handleGetProvider()).Methods(http.MethodGet)
	admin.HandleFunc("/providers/{platform}", s.handleSaveProvider()).Methods(http.MethodPut)
	admin.HandleFunc("/providers/{platform}", s.handleDeleteProvider()).Methods(http.MethodDelete)
	admin.HandleFunc("/messages/send", s.handleSendMessage()).Methods(http.MethodPost)
	admin.HandleFunc("/features", s.handleFeatures()).Methods(http.MethodGet)
}

func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.cfg.Server.Port),
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.cfg.Server.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(s.cfg.Server.WriteTimeoutSec) * time.Second,
		IdleTimeout:  time.Duration(constants.DefaultServerIdleTimeoutSec) * time.Second,
	}

	s.logger.Infof("Starting server on port %d", s.cfg.Server.Port)
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// adminAuth guards the admin surface with a shared token when one is
// configured. Without CHATGATEWAY_ADMIN_TOKEN the endpoints stay open,
// which is acceptable only behind a private listener.
func (s *Server) adminAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := os.Getenv("CHATGATEWAY_ADMIN_TOKEN")
		if token == "" {
			next.ServeHTTP(w, r)
			return
		}
		provided := r.Header.Get("X-API-Key")
		if subtle.ConstantTimeCompare([]byte(provided), []byte(token)) != 1 {
			s.writeError(w, http.StatusUnauthorized, "invalid or missing API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func (s *Server) handleVersion() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.writeJSON(w, http.StatusOK, map[string]string{
			"api":     versioning.Current.String(),
			"build":   Version,
			"commit":  GitCommit,
			"builtAt": BuildTime,
		})
	}
}

func (s *Server) handleMetrics() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.writeJSON(w, http.StatusOK, metrics.Snapshot())
	}
}

func (s *Server) handleWebhook() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		platform := mux.Vars(r)["platform"]

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBodyBytes))
		if err != nil {
			s.writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}

		req := &adapter.WebhookRequest{
			Method:  r.Method,
			Headers: r.Header,
			Query:   r.URL.Query(),
			Body:    body,
		}

		result, err := s.gateway.HandleInbound(r.Context(), platform, req)
		if err != nil {
			switch {
			case errors.Is(err, service.ErrUnknownPlatform):
				s.writeError(w, http.StatusNotFound, err.Error())
			default:
				s.logger.WithFields(logrus.Fields{
					"platform": platform,
				}).WithError(err).Warn("Webhook rejected")
				s.writeError(w, http.StatusUnauthorized, "webhook rejected")
			}
			return
		}

		if result.Challenge != "" {
			s.writeChallenge(w, platform, result.Challenge)
			return
		}

		s.writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":   "ok",
			"enqueued": result.Enqueued,
			"queueId":  result.QueueID,
		})
	}
}

// writeChallenge echoes a verification challenge in the shape each
// platform expects: Feishu wants a JSON object, Slack and WeChat want the
// raw string.
func (s *Server) writeChallenge(w http.ResponseWriter, platform, challenge string) {
	if platform == "feishu" {
		s.writeJSON(w, http.StatusOK, map[string]string{"challenge": challenge})
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(challenge))
}

func (s *Server) handleQueueStats() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := s.db.QueueStats(r.Context())
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, "failed to read queue stats")
			return
		}
		s.writeJSON(w, http.StatusOK, stats)
	}
}

func (s *Server) handleListDeadLetters() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := queryInt(r, "limit", constants.DefaultDeadLetterPageSize)
		offset := queryInt(r, "offset", 0)

		letters, total, err := s.db.ListDeadLetters(r.Context(), limit, offset)
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, "failed to list dead letters")
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]interface{}{
			"items":  letters,
			"total":  total,
			"limit":  limit,
			"offset": offset,
		})
	}
}

func (s *Server) handleReprocessDeadLetter() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		if err := s.db.ReprocessDeadLetter(r.Context(), id); err != nil {
			s.writeError(w, http.StatusNotFound, err.Error())
			return
		}
		s.logger.WithField("queue_id", id).Info("Dead letter requeued")
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "requeued", "id": id})
	}
}

func (s *Server) handleDeleteDeadLetter() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		if err := s.db.DeleteDeadLetter(r.Context(), id); err != nil {
			s.writeError(w, http.StatusNotFound, err.Error())
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "id": id})
	}
}

func (s *Server) handleClearDeadLetters() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, err := s.db.ClearDeadLetters(r.Context())
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, "failed to clear dead letters")
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]interface{}{"status": "cleared", "removed": n})
	}
}

func (s *Server) handleListProviders() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		configs, err := s.providers.List(r.Context())
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, "failed to list provider configs")
			return
		}
		for i := range configs {
			configs[i].ConfigData = "" // credentials stay server-side
		}
		s.writeJSON(w, http.StatusOK, configs)
	}
}

func (s *Server) handleGetProvider() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		platform := mux.Vars(r)["platform"]
		cfg, err := s.providers.Get(r.Context(), platform)
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, "failed to read provider config")
			return
		}
		if cfg == nil {
			s.writeError(w, http.StatusNotFound, fmt.Sprintf("no config stored for platform %q", platform))
			return
		}
		cfg.ConfigData = ""
		s.writeJSON(w, http.StatusOK, cfg)
	}
}

func (s *Server) handleSaveProvider() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		platform := mux.Vars(r)["platform"]

		var cfg models.ProviderConfig
		if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid provider config payload")
			return
		}
		cfg.Platform = platform

		result, err := s.providers.Save(r.Context(), &cfg)
		if err != nil {
			if result != nil && len(result.Errors) > 0 {
				s.writeJSON(w, http.StatusBadRequest, result)
				return
			}
			s.writeError(w, http.StatusInternalServerError, "failed to save provider config")
			return
		}
		s.writeJSON(w, http.StatusOK, result)
	}
}

func (s *Server) handleDeleteProvider() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		platform := mux.Vars(r)["platform"]
		if err := s.providers.Delete(r.Context(), platform); err != nil {
			s.writeError(w, http.StatusInternalServerError, "failed to delete provider config")
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "platform": platform})
	}
}

// handleSendMessage pushes one outbound message through the retrying
// send path. Operator-facing; useful for verifying platform credentials.
func (s *Server) handleSendMessage() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var msg models.ChatMessage
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid message payload")
			return
		}
		if msg.Platform == "" || msg.ReceiverID == "" {
			s.writeError(w, http.StatusBadRequest, "platform and receiverId are required")
			return
		}
		if msg.MessageType == "" {
			msg.MessageType = models.MessageTypeText
		}

		result := s.gateway.Send(r.Context(), &msg)
		status := http.StatusOK
		if !result.Success {
			status = http.StatusBadGateway
		}
		s.writeJSON(w, status, result)
	}
}

func (s *Server) handleFeatures() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.writeJSON(w, http.StatusOK, map[string]interface{}{"enabled": s.flags.Enabled()})
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.WithError(err).Warn("Failed to encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return fallback
	}
	return v
}
