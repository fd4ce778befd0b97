package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/liamcoop/pricerules/catalog"
	"github.com/liamcoop/pricerules/internal/backend"
	"github.com/liamcoop/pricerules/internal/config"
	"github.com/liamcoop/pricerules/internal/logger"
	"github.com/liamcoop/pricerules/pricing"
	"github.com/liamcoop/pricerules/rules"
	"github.com/liamcoop/pricerules/simulation"
	"github.com/liamcoop/pricerules/workspace"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Catalog is the ERP surface the server needs
type Catalog interface {
	simulation.PriceUpdater
	FetchProducts(ctx context.Context, filter catalog.Filter) ([]rules.Product, error)
	FetchGroups(ctx context.Context) ([]catalog.Group, error)
}

var errCatalogDisabled = errors.New("ERP catalog is not configured")

// disabledCatalog lets the rule endpoints run without ERP credentials
type disabledCatalog struct{}

func (disabledCatalog) UpdateProductPrice(context.Context, string, decimal.Decimal) error {
	return errCatalogDisabled
}

func (disabledCatalog) FetchProducts(context.Context, catalog.Filter) ([]rules.Product, error) {
	return nil, errCatalogDisabled
}

func (disabledCatalog) FetchGroups(context.Context) ([]catalog.Group, error) {
	return nil, errCatalogDisabled
}

// Pinger reports storage health
type Pinger interface {
	Ping(ctx context.Context) error
}

type Server struct {
	manager        *workspace.Manager
	catalog        Catalog
	storage        Pinger
	storageDriver  string
	catalogEnabled bool
	resaleRounding pricing.Policy
	requestTimeout time.Duration
	router         *chi.Mux
}

// ServerDeps wires a Server
type ServerDeps struct {
	Manager        *workspace.Manager
	Catalog        Catalog
	Storage        Pinger
	StorageDriver  string
	ResaleRounding pricing.Policy
	RequestTimeout time.Duration
}

func NewServer(deps ServerDeps) *Server {
	s := &Server{
		manager:        deps.Manager,
		catalog:        deps.Catalog,
		storage:        deps.Storage,
		storageDriver:  deps.StorageDriver,
		resaleRounding: deps.ResaleRounding,
		requestTimeout: deps.RequestTimeout,
	}
	if s.catalog == nil {
		s.catalog = disabledCatalog{}
	}
	_, disabled := s.catalog.(disabledCatalog)
	s.catalogEnabled = !disabled
	if s.requestTimeout <= 0 {
		s.requestTimeout = 60 * time.Second
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	// every route but apply is bounded by the request timeout
	timeout := middleware.Timeout(s.requestTimeout)

	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(timeout)
			r.Get("/health", s.handleHealth)

			// ERP catalog
			r.Get("/groups", s.handleListGroups)
			r.Get("/resale", s.handleResale)
		})

		r.Route("/workspaces", func(r chi.Router) {
			r.Group(func(r chi.Router) {
				r.Use(timeout)
				r.Get("/", s.handleListWorkspaces)
				r.Post("/", s.handleCreateWorkspace)
			})

			r.Route("/{workspaceId}", func(r chi.Router) {
				// runs until every confirmed change was attempted
				r.Post("/simulations/current/apply", s.handleApply)

				r.Group(func(r chi.Router) {
					r.Use(timeout)

					// Rule management
					r.Get("/rules", s.handleListRules)
					r.Post("/rules", s.handleCreateRule)
					r.Post("/rules/reorder", s.handleReorderRules)
					r.Get("/rules/{ruleId}", s.handleGetRule)
					r.Patch("/rules/{ruleId}", s.handleUpdateRule)
					r.Delete("/rules/{ruleId}", s.handleDeleteRule)

					// Simulation
					r.Post("/simulations", s.handleRunSimulation)
					r.Get("/simulations/current", s.handleGetPreview)
					r.Delete("/simulations/current", s.handleDiscardPreview)

					r.Post("/evaluate", s.handleEvaluate)
				})
			})
		})
	})

	s.router = r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func main() {
	configFile := flag.String("config", "", "config file (default: $HOME/.config/pricerules/config.yaml or ./config.yaml)")
	flag.Parse()

	cfg, err := config.Load(viper.New(), *configFile)
	if err != nil {
		logger.Fatal("Failed to load config", "error", err)
	}

	if err := logger.Setup(context.Background(), logger.Options{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OTEL:        cfg.Logging.OTEL,
		ServiceName: "pricerules-server",
	}); err != nil {
		logger.Warn("Logging setup degraded", "error", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = logger.Shutdown(ctx)
	}()

	ctx := context.Background()

	store, err := backend.Open(ctx, cfg.Storage)
	if err != nil {
		logger.Fatal("Failed to open storage", "driver", cfg.Storage.Driver, "error", err)
	}
	defer store.Close()

	var erp Catalog = disabledCatalog{}
	if cfg.CatalogConfigured() {
		client, err := catalog.NewClient(catalog.Config{
			BaseURL:           cfg.Catalog.BaseURL,
			AccessToken:       cfg.Catalog.AccessToken,
			SecretAccessToken: cfg.Catalog.SecretAccessToken,
			PageSize:          cfg.Catalog.PageSize,
			Timeout:           cfg.Catalog.Timeout,
		})
		if err != nil {
			logger.Fatal("Failed to create catalog client", "error", err)
		}
		erp = client
	} else {
		logger.Warn("ERP catalog not configured; simulations, groups and resale are disabled")
	}

	opts := simulation.DefaultOptions()
	opts.Concurrency = cfg.Apply.Concurrency

	manager, err := workspace.NewManager(workspace.Config{
		Persisters: store.Persisters,
		Lister:     store.Lister,
		Updater:    erp,
		Rounding:   cfg.Pricing.RuleRounding,
		Workflow:   opts,
	})
	if err != nil {
		logger.Fatal("Failed to create workspace manager", "error", err)
	}

	logger.Info("Loading workspaces", "driver", cfg.Storage.Driver)
	if err := manager.LoadAll(ctx); err != nil {
		logger.Fatal("Failed to load workspaces", "error", err)
	}
	if _, err := manager.Open(ctx, cfg.Workspace); err != nil {
		logger.Fatal("Failed to open default workspace", "workspace_id", cfg.Workspace, "error", err)
	}
	logger.Info("Workspaces ready", "workspaces", manager.List())

	server := NewServer(ServerDeps{
		Manager:        manager,
		Catalog:        erp,
		Storage:        store,
		StorageDriver:  cfg.Storage.Driver,
		ResaleRounding: cfg.Pricing.ResaleRounding,
		RequestTimeout: cfg.Server.RequestTimeout,
	})

	httpServer := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      server,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Graceful shutdown handling
	go func() {
		logger.Info("Server starting", "addr", cfg.Server.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server failed to start", "error", err)
		}
	}()

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown error", "error", err)
	}

	logger.Info("Server stopped", "counters", logger.Counters())
}
