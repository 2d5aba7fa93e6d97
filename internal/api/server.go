package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/zephy0808/mailcampaign/internal/config"
	"github.com/zephy0808/mailcampaign/internal/dispatch"
	"github.com/zephy0808/mailcampaign/internal/metrics"
	"github.com/zephy0808/mailcampaign/internal/reports"
	"github.com/zephy0808/mailcampaign/internal/repository"
)

// Deps holds the stores and services the API works on
type Deps struct {
	Clients     *repository.ClientRepository
	Groups      *repository.GroupRepository
	Campaigns   *repository.CampaignRepository
	Emails      *repository.EmailRepository
	Attachments *repository.AttachmentRepository
	Reports     *repository.ReportRepository
	Users       *repository.UserRepository
	Aggregator  *reports.Aggregator
	Engine      *dispatch.Engine
}

// Server is the HTTP API server
type Server struct {
	Deps

	router     *chi.Mux
	httpServer *http.Server
	server     config.ServerConfig
	storage    config.StorageConfig
	logger     *slog.Logger
	startTime  time.Time
	now        func() time.Time
}

// NewServer creates a new API server
func NewServer(deps Deps, cfg *config.Config, logger *slog.Logger) *Server {
	s := &Server{
		Deps:      deps,
		router:    chi.NewRouter(),
		server:    cfg.Server,
		storage:   cfg.Storage,
		logger:    logger.With("component", "api"),
		startTime: time.Now(),
		now:       func() time.Time { return time.Now().UTC() },
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures the HTTP routes
func (s *Server) setupRoutes() {
	// Middleware
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(metrics.HTTPMiddleware)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.StripSlashes)

	// Health check (no auth required)
	s.router.Get("/health", s.handleHealth)

	s.router.Route("/api", func(r chi.Router) {
		// Tracking endpoints are hit from mail clients and carry no credentials
		r.Get("/emails/{id}/rastreamento", s.handleTrackOpen)
		r.Get("/emails/{id}/clique", s.handleTrackClick)
		r.Post("/emails/{id}/clique", s.handleTrackClick)

		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			r.Route("/clientes", func(r chi.Router) {
				r.Get("/", s.handleListClients)
				r.Post("/", s.handleCreateClient)
				r.Get("/{id}", s.handleGetClient)
				r.Put("/{id}", s.handleUpdateClient)
				r.Delete("/{id}", s.handleDeleteClient)
			})

			r.Route("/grupos", func(r chi.Router) {
				r.Get("/", s.handleListGroups)
				r.Post("/", s.handleCreateGroup)
				r.Get("/{id}", s.handleGetGroup)
				r.Put("/{id}", s.handleUpdateGroup)
				r.Delete("/{id}", s.handleDeleteGroup)
				r.Post("/{id}/adicionar_clientes", s.handleAddGroupMembers)
				r.Post("/{id}/remover_clientes", s.handleRemoveGroupMembers)
			})

			r.Route("/campanhas", func(r chi.Router) {
				r.Get("/", s.handleListCampaigns)
				r.Post("/", s.handleCreateCampaign)
				r.Get("/{id}", s.handleGetCampaign)
				r.Put("/{id}", s.handleUpdateCampaign)
				r.Delete("/{id}", s.handleDeleteCampaign)

				r.Post("/{id}/agendar", s.handleScheduleCampaign)
				r.Post("/{id}/iniciar_envio", s.handleStartSending)
				r.Post("/{id}/cancelar", s.handleCancelCampaign)
				r.Post("/{id}/enviar_teste", s.handleSendTest)
				r.Post("/{id}/reenviar_falhas", s.handleRetryFailed)
				r.Get("/{id}/estatisticas", s.handleCampaignStats)
				r.Get("/{id}/exportar_relatorio", s.handleExportCampaignReport)
			})

			r.Route("/anexos", func(r chi.Router) {
				r.Get("/", s.handleListAttachments)
				r.Post("/", s.handleUploadAttachment)
				r.Get("/{id}", s.handleGetAttachment)
				r.Delete("/{id}", s.handleDeleteAttachment)
			})

			r.Get("/emails", s.handleListEmails)
			r.Get("/emails/{id}", s.handleGetEmail)
			r.Post("/emails/{id}/resposta", s.handleTrackResponse)

			r.Route("/relatorios", func(r chi.Router) {
				r.Get("/", s.handleListReports)
				r.Get("/exportar", s.handleExportReports)
				r.Get("/{id}", s.handleGetReport)
				r.Post("/{id}/atualizar", s.handleRefreshReport)
			})
		})
	})
}

// ServeHTTP lets the server be mounted or tested without listening
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe starts the HTTP server
func (s *Server) ListenAndServe() error {
	s.httpServer = &http.Server{
		Addr:           s.server.ListenAddr,
		Handler:        s.router,
		MaxHeaderBytes: s.server.MaxHeaderBytes,
		ReadTimeout:    s.server.ReadTimeout,
		WriteTimeout:   s.server.WriteTimeout,
		IdleTimeout:    s.server.IdleTimeout,
	}

	s.logger.Info("starting HTTP API server", "addr", s.server.ListenAddr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP API server")
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
