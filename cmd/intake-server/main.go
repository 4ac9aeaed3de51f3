package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/intake/internal/config"
	"github.com/ehr/intake/internal/domain/directory"
	"github.com/ehr/intake/internal/domain/history"
	"github.com/ehr/intake/internal/domain/notification"
	"github.com/ehr/intake/internal/domain/patient"
	"github.com/ehr/intake/internal/domain/policy"
	"github.com/ehr/intake/internal/domain/responsibility"
	"github.com/ehr/intake/internal/domain/workflow"
	"github.com/ehr/intake/internal/platform/auth"
	"github.com/ehr/intake/internal/platform/cache"
	"github.com/ehr/intake/internal/platform/db"
	"github.com/ehr/intake/internal/platform/events"
	"github.com/ehr/intake/internal/platform/middleware"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "intake-server",
		Short: "Patient intake status workflow API",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(relayCmd())
	rootCmd.AddCommand(policyCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the intake API server and the stage-event relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd, func(ctx context.Context, m *db.Migrator) error {
				count, err := m.Up(ctx)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
				return nil
			})
		},
	}
	upCmd.Flags().String("dir", "", "Path to migrations directory (default MIGRATIONS_DIR)")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd, func(ctx context.Context, m *db.Migrator) error {
				statuses, err := m.Status(ctx)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}
				writeMigrationStatus(cmd.OutOrStdout(), statuses)
				return nil
			})
		},
	}
	statusCmd.Flags().String("dir", "", "Path to migrations directory (default MIGRATIONS_DIR)")
	cmd.AddCommand(statusCmd)

	return cmd
}

func withMigrator(cmd *cobra.Command, fn func(ctx context.Context, m *db.Migrator) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	dir, _ := cmd.Flags().GetString("dir")
	if dir == "" {
		dir = cfg.MigrationsDir
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return err
	}
	defer pool.Close()

	return fn(ctx, db.NewMigrator(pool, dir))
}

func writeMigrationStatus(w io.Writer, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	fmt.Fprintln(w, "---------- ---------------------------------------- ---------- --------------------")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(w, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

func relayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "relay",
		Short: "Run only the stage-event relay, without the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRelay()
		},
	}
}

func policyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect the stage transition policy",
	}
	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective role matrix",
		RunE: func(cmd *cobra.Command, args []string) error {
			file, _ := cmd.Flags().GetString("file")
			if file == "" {
				file = os.Getenv("POLICY_FILE")
			}
			p, err := loadPolicy(file)
			if err != nil {
				return err
			}
			writePolicy(cmd.OutOrStdout(), p)
			return nil
		},
	}
	showCmd.Flags().String("file", "", "Policy YAML file (default POLICY_FILE)")
	cmd.AddCommand(showCmd)
	return cmd
}

func loadPolicy(path string) (*policy.Policy, error) {
	if path == "" {
		return policy.Default(), nil
	}
	return policy.LoadFile(path)
}

func writePolicy(w io.Writer, p *policy.Policy) {
	fmt.Fprintf(w, "%-28s %s\n", "EDGE", "ALLOWED")
	for _, r := range p.Edges() {
		allowed := []string{policy.RoleAdmin.String()}
		for _, role := range r.Requirement.Roles {
			allowed = append(allowed, role.String())
		}
		fmt.Fprintf(w, "%-28s %s\n", r.Edge.String(), strings.Join(allowed, ", "))
	}
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// services holds everything the HTTP handlers and the relay share.
type services struct {
	directory directory.Repository
	patients  *patient.Service
	registry  *responsibility.Registry
	history   *history.Log
	messages  notification.Repository
	workflow  *workflow.Service
	relay     *workflow.Relay
}

// publisherFor keeps a nil *KafkaPublisher out of the Publisher interface.
func publisherFor(kp *events.KafkaPublisher) workflow.Publisher {
	if kp == nil {
		return nil
	}
	return kp
}

func buildServices(cfg *config.Config, pool *pgxpool.Pool, c *cache.Cache, pub workflow.Publisher, pol *policy.Policy, logger zerolog.Logger) *services {
	tx := db.NewTxRunner(pool)

	var accounts directory.Repository = directory.NewAccountRepoPG(pool)
	if c.Enabled() {
		accounts = directory.NewCachedRepository(accounts, c, cfg.DirectoryCacheTTL, logger)
	}

	patientRepo := patient.NewRepoPG(pool)
	registry := responsibility.NewRegistry(responsibility.NewRepoPG(pool), patientRepo, accounts, pol)
	patients := patient.NewService(patientRepo, registry, tx, pol)

	historyLog := history.NewLog(history.NewRepoPG(pool))
	messages := notification.NewRepoPG(pool)
	dispatcher := notification.NewDispatcher(notification.NewTemplateEngine(), registry, messages, logger)

	eventRepo := workflow.NewEventRepoPG(pool)
	proc := workflow.NewProcessor(eventRepo, historyLog, dispatcher, pub, logger)
	wf := workflow.NewService(patientRepo, eventRepo, tx, pol, proc, logger)
	wf.SetMaxAttempts(cfg.RelayMaxAttempts)

	relay := workflow.NewRelay(eventRepo, proc, logger)
	if cfg.RelayInterval > 0 {
		relay.Interval = cfg.RelayInterval
	}
	if cfg.RelayBatchSize > 0 {
		relay.BatchSize = cfg.RelayBatchSize
	}

	return &services{
		directory: accounts,
		patients:  patients,
		registry:  registry,
		history:   historyLog,
		messages:  messages,
		workflow:  wf,
		relay:     relay,
	}
}

func newEcho(cfg *config.Config, svc *services, pinger db.Pinger, logger zerolog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.BodyLimit(cfg.BodyLimit))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader, auth.ImpersonateHeader},
	}))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": "0.1.0",
		})
	})
	e.GET("/health/db", db.HealthHandler(pinger))

	apiV1 := e.Group("/api/v1")
	if cfg.IsDev() {
		apiV1.Use(auth.DevAuthMiddleware())
	} else {
		apiV1.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:             cfg.AuthIssuer,
			Audience:           cfg.AuthAudience,
			JWKSURL:            cfg.AuthJWKSURL,
			SigningKey:         []byte(cfg.AuthSigningKey),
			AllowImpersonation: cfg.AllowImpersonation,
		}))
	}
	apiV1.Use(auth.RequireIdentity())
	// The request logger runs after auth so the caller account is known.
	apiV1.Use(middleware.Logger(logger))
	apiV1.Use(middleware.RequestTimeout(cfg.RequestTimeout))

	directory.NewHandler(svc.directory).RegisterRoutes(apiV1)
	patient.NewHandler(svc.patients).RegisterRoutes(apiV1)
	responsibility.NewHandler(svc.registry).RegisterRoutes(apiV1)
	history.NewHandler(svc.history).RegisterRoutes(apiV1)
	notification.NewHandler(svc.messages).RegisterRoutes(apiV1)
	workflow.NewHandler(svc.workflow).RegisterRoutes(apiV1)

	return e
}

type runtimeDeps struct {
	cfg    *config.Config
	logger zerolog.Logger
	pool   *pgxpool.Pool
	svc    *services
	close  func()
}

func setup(ctx context.Context) (*runtimeDeps, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(cfg.Env)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if cfg.IsDev() {
		logger.Warn().Msg("ENV=development: every API request runs as a local administrator unless X-Dev-Account/X-Dev-Role are set")
	}

	pol, err := loadPolicy(cfg.PolicyFile)
	if err != nil {
		return nil, err
	}

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	logger.Info().Msg("connected to database")

	c, err := cache.New(ctx, cfg.RedisURL, "intake")
	if err != nil {
		// The directory cache is optional.
		logger.Warn().Err(err).Msg("redis unavailable, directory cache disabled")
		c = &cache.Cache{}
	}

	kp := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaStageTopic)
	if kp != nil {
		logger.Info().Strs("brokers", cfg.Brokers()).Str("topic", cfg.KafkaStageTopic).Msg("publishing stage events to kafka")
	}

	return &runtimeDeps{
		cfg:    cfg,
		logger: logger,
		pool:   pool,
		svc:    buildServices(cfg, pool, c, publisherFor(kp), pol, logger),
		close: func() {
			if err := kp.Close(); err != nil {
				logger.Warn().Err(err).Msg("failed to close kafka writer")
			}
			c.Close()
			pool.Close()
		},
	}, nil
}

func runServer() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps, err := setup(ctx)
	if err != nil {
		return err
	}
	defer deps.close()
	logger := deps.logger

	go deps.svc.relay.Start(ctx)

	e := newEcho(deps.cfg, deps.svc, deps.pool, logger)
	go func() {
		addr := ":" + deps.cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("server error")
			stop()
		}
	}()

	<-ctx.Done()

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	logger.Info().Msg("server stopped")
	return nil
}

func runRelay() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps, err := setup(ctx)
	if err != nil {
		return err
	}
	defer deps.close()

	deps.svc.relay.Start(ctx)
	return nil
}
