package cmd

import (
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/frahmantamala/library-management/internal"
	"github.com/frahmantamala/library-management/internal/auth"
	"github.com/frahmantamala/library-management/internal/core/events"
	"github.com/frahmantamala/library-management/internal/role"
	rolePostgres "github.com/frahmantamala/library-management/internal/role/postgres"
	"github.com/frahmantamala/library-management/internal/user"
	userPostgres "github.com/frahmantamala/library-management/internal/user/postgres"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"
)

// Dependencies is the object graph shared by the server, the seeder and the
// event worker.
type Dependencies struct {
	Config    *internal.Config
	DB        *gorm.DB
	SQL       *sql.DB
	Logger    *slog.Logger
	Bus       *events.EventBus
	Broker    *events.RabbitMQ
	Users     user.RepositoryAPI
	Roles     role.RepositoryAPI
	UserSvc   *user.Service
	RoleSvc   *role.Service
	AuthSvc   *auth.Service
	Authz     *auth.AuthorizationService
	Publisher auth.EventPublisher
}

func initializeDependencies(cfg *internal.Config, logger *slog.Logger) (*Dependencies, error) {
	db, sqlDB, err := initDB(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	deps := &Dependencies{
		Config: cfg,
		DB:     db,
		SQL:    sqlDB,
		Logger: logger,
		Bus:    events.NewEventBus(logger),
		Users:  userPostgres.NewUserStore(db),
		Roles:  rolePostgres.NewRoleRepository(db),
		Authz:  auth.NewAuthorizationService(),
	}
	auth.RegisterEventHandlers(deps.Bus, auth.NewLogoutFanOutHandler(deps.Users, logger))

	// With a broker configured, logout events leave the process and the
	// fan-out runs in `worker events`. Events the broker refuses are fanned
	// out in process instead.
	deps.Publisher = deps.Bus
	if cfg.RabbitMQ.URL != "" {
		broker, err := events.DialRabbitMQ(cfg.RabbitMQ.URL, cfg.RabbitMQ.Exchange, cfg.RabbitMQ.Queue)
		if err != nil {
			_ = sqlDB.Close()
			return nil, err
		}
		deps.Broker = broker
		deps.Publisher = events.NewAMQPForwarder(broker.Channel, cfg.RabbitMQ.Exchange, logger, events.WithFallback(deps.Bus))
	}

	hasher := auth.NewBcryptHasher(cfg.Security.BCryptCost)
	tokens := auth.NewTokenService(cfg.Security, deps.Authz)
	deps.UserSvc = user.NewService(deps.Users, deps.Roles, hasher, logger)
	deps.RoleSvc = role.NewService(deps.Roles, logger)
	deps.AuthSvc = auth.NewService(deps.Users, hasher, tokens, deps.Authz, deps.Publisher, cfg.Security, logger)

	return deps, nil
}

func (d *Dependencies) Close() {
	if d.Broker != nil {
		if err := d.Broker.Close(); err != nil {
			d.Logger.Error("broker close error", "error", err)
		}
	}
	if err := d.SQL.Close(); err != nil {
		d.Logger.Error("database close error", "error", err)
	}
}

// initDB opens the gorm connection with driver errors translated so that
// unique and foreign key violations surface as gorm sentinel errors.
func initDB(cfg internal.DatabaseConfig) (*gorm.DB, *sql.DB, error) {
	db, err := gorm.Open(postgres.Open(cfg.Source), &gorm.Config{
		Logger:         gormLogger.Default.LogMode(gormLogger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open db connection: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}

	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return db, sqlDB, nil
}
