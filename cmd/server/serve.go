package main

import (
	"context"
	"crypto/tls"
	"database/sql"
	"errors"
	nethttp "net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/atinyakov/PluginRepo/internal/db"
	"github.com/atinyakov/PluginRepo/internal/metrics"
	"github.com/atinyakov/PluginRepo/internal/repository"
	"github.com/atinyakov/PluginRepo/internal/server/handler/http"
	"github.com/atinyakov/PluginRepo/internal/service"
	"github.com/atinyakov/PluginRepo/internal/storage"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 15 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the repository HTTP server",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return serve(ctx)
	},
}

func serve(ctx context.Context) error {
	zapLogger := log.Log
	zapLogger.Info("starting plugin repository",
		zap.String("version", version),
		zap.String("build_date", buildDate),
	)

	// Initialize PostgreSQL connection.
	postgresDB, err := db.InitPostgres(opts.DatabaseDSN)
	if err != nil {
		return err
	}
	defer postgresDB.Close()

	plugins, err := storage.NewOS(opts.PluginPath)
	if err != nil {
		return err
	}
	icons, err := storage.NewOS(opts.IconPath)
	if err != nil {
		return err
	}

	catalogRepo := repository.NewPostgresCatalogRepository(postgresDB)
	authRepo := repository.NewPostgresAuthRepository(postgresDB)

	m := metrics.New()
	ingestService := service.NewIngestService(catalogRepo, plugins, icons, zapLogger, m)
	catalogService := service.NewCatalogService(catalogRepo, plugins, icons, zapLogger, m)
	authService := service.NewAuthService(authRepo)

	if err := bootstrapAdmin(ctx, authService); err != nil {
		return err
	}

	db.StartOrphanCleaner(ctx, postgresDB, plugins, icons,
		opts.CleanerInterval,
		opts.OrphanGrace,
		zapLogger,
	)

	if opts.BaseURL == "" {
		zapLogger.Warn("base_url is not set, download links follow the request Host header")
	}

	router := http.NewRouter(
		&http.UploadHandler{Service: ingestService, MaxSize: opts.MaxUploadSize, Log: zapLogger},
		&http.CatalogHandler{
			Service:    catalogService,
			BaseURL:    opts.BaseURL,
			TrustProxy: opts.TrustProxy,
			Log:        zapLogger,
		},
		authService,
		m.Handler(),
		zapLogger,
	)

	server := &nethttp.Server{
		Addr:              opts.Address,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	useTLS := opts.TLSCert != "" && opts.TLSKey != ""
	if useTLS {
		server.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		zapLogger.Info("listening", zap.String("addr", opts.Address), zap.Bool("tls", useTLS))
		var err error
		if useTLS {
			err = server.ListenAndServeTLS(opts.TLSCert, opts.TLSKey)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, nethttp.ErrServerClosed) {
			return nil
		}
		return err
	})
	eg.Go(func() error {
		<-egCtx.Done()
		zapLogger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return eg.Wait()
}

// bootstrapAdmin seeds the configured superuser into an empty user table.
// Without a configured password a random one is generated and logged once.
func bootstrapAdmin(ctx context.Context, auth *service.AuthService) error {
	password := opts.AdminPassword
	generated := password == ""
	if generated {
		password = uuid.NewString()
	}

	created, err := auth.EnsureSuperuser(ctx, opts.AdminUser, password)
	if err != nil {
		return err
	}
	if !created {
		return nil
	}

	fields := []zap.Field{zap.String("user", opts.AdminUser)}
	if generated {
		fields = append(fields, zap.String("password", password))
	}
	log.Log.Warn("created default superuser", fields...)
	return nil
}

// openAuthService connects to the database for the user and role commands.
func openAuthService() (*service.AuthService, *sql.DB, error) {
	postgresDB, err := db.InitPostgres(opts.DatabaseDSN)
	if err != nil {
		return nil, nil, err
	}
	return service.NewAuthService(repository.NewPostgresAuthRepository(postgresDB)), postgresDB, nil
}
