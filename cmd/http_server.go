package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/frahmantamala/library-management/internal/auth"
	"github.com/frahmantamala/library-management/internal/core/metrics"
	"github.com/frahmantamala/library-management/internal/role"
	"github.com/frahmantamala/library-management/internal/transport/middleware"
	"github.com/frahmantamala/library-management/internal/transport/rest"
	"github.com/frahmantamala/library-management/internal/user"
	"github.com/frahmantamala/library-management/pkg/logger"

	"github.com/go-chi/chi"
	"github.com/spf13/cobra"
)

var httpServerCmd = &cobra.Command{
	Use:   "server",
	Short: "Start HTTP server",
	Long:  `Start the HTTP server to handle API requests`,
	Run: func(cmd *cobra.Command, args []string) {
		startHTTPServer()
	},
}

func startHTTPServer() {
	cfg, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	log := logger.LoggerWrapper()

	deps, err := initializeDependencies(cfg, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize dependencies: %v\n", err)
		os.Exit(1)
	}
	defer deps.Close()

	var validator *middleware.OpenAPIValidator
	if cfg.Server.OpenAPIPath != "" {
		validator, err = middleware.LoadOpenAPIValidator(cfg.Server.OpenAPIPath, log)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load api document: %v\n", err)
			os.Exit(1)
		}
	}

	if cfg.Observability.Metrics.Enabled {
		metrics.Init()
	}

	var checks []rest.HealthCheck
	if deps.Broker != nil {
		checks = append(checks, rest.HealthCheck{Name: "rabbitmq", Check: deps.Broker.Ping})
	}

	router := chi.NewRouter()
	rest.RegisterAllRoutes(router, deps.SQL, cfg, rest.Handlers{
		Auth:         auth.NewHandler(deps.AuthSvc),
		RBAC:         auth.NewRBACAuthorization(deps.Authz, log),
		User:         user.NewHandler(deps.UserSvc),
		Role:         role.NewHandler(deps.RoleSvc),
		Validator:    validator,
		HealthChecks: checks,
	}, log)

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	log.Info("Starting HTTP server", "address", addr, "broker", deps.Broker != nil)

	server := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	// Signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	serverErrChan := make(chan error, 1)
	go func() {
		serverErrChan <- server.ListenAndServe()
	}()

	select {
	case sig := <-sigChan:
		log.Info("Received signal, shutting down...", "signal", sig)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			log.Error("Server shutdown error", "error", err)
		}
		if err := deps.Bus.Drain(ctx); err != nil {
			log.Warn("Event handlers still running at shutdown", "error", err)
		}
	case err := <-serverErrChan:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Server failed to start", "error", err)
			deps.Close()
			os.Exit(1)
		}
	}

	log.Info("Server stopped")
}
