package factory

import (
	"fmt"
	"sync"

	"biblioteca-auth/internal/client"
	"biblioteca-auth/internal/config"
	"biblioteca-auth/internal/handler"
	"biblioteca-auth/internal/repository/airtable"
	"biblioteca-auth/internal/service"
	"biblioteca-auth/internal/tls"
	"biblioteca-auth/internal/token"
	"biblioteca-auth/internal/util"
)

// Factory manages the lifecycle of all application dependencies.
type Factory struct {
	config *config.Config

	airtableClient *client.AirtableClient

	customerRepo *airtable.CustomerRepository
	sessionRepo  *airtable.SessionRepository
	exerciseRepo *airtable.ExerciseRepository

	codec *token.Codec

	authService     *service.AuthService
	exerciseService *service.ExerciseService

	tlsManager *tls.Manager

	closeOnce sync.Once
}

// NewFactory loads configuration, validates it and wires every dependency.
// It fails instead of starting with a partial configuration.
func NewFactory() (*Factory, error) {
	cfg := config.LoadConfig()

	util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	codec, err := token.NewCodec(cfg.Session.Secret, cfg.Session.TTLDays)
	if err != nil {
		return nil, fmt.Errorf("token codec: %w", err)
	}

	f := &Factory{config: cfg, codec: codec}

	logger := util.Get()
	f.airtableClient = client.NewAirtableClient(cfg, logger)
	f.customerRepo = airtable.NewCustomerRepository(f.airtableClient, cfg, logger)
	f.sessionRepo = airtable.NewSessionRepository(f.airtableClient, cfg, logger)
	f.authService = service.NewAuthService(f.customerRepo, f.sessionRepo, codec, cfg.Session, logger)

	if cfg.Airtable.ExercisesTable != "" {
		f.exerciseRepo = airtable.NewExerciseRepository(f.airtableClient, cfg, logger)
		f.exerciseService = service.NewExerciseService(f.exerciseRepo, logger)
	}

	if cfg.Server.EnableTLS {
		f.tlsManager = tls.NewManager(tls.Config{
			Domain:   cfg.Server.TLSDomain,
			Email:    cfg.Server.AutoCertEmail,
			CacheDir: cfg.Server.AutoCertDir,
			CertFile: cfg.Server.TLSCertFile,
			KeyFile:  cfg.Server.TLSKeyFile,
		}, logger)
	}

	util.Info("Factory initialized successfully",
		util.String("environment", cfg.Environment),
		util.Bool("exercises_enabled", f.exerciseService != nil),
		util.Bool("diagnostics_enabled", cfg.EnableDiagnostics && !cfg.IsProduction()),
		util.Bool("tls_enabled", cfg.Server.EnableTLS),
	)

	return f, nil
}

func (f *Factory) Config() *config.Config {
	return f.config
}

func (f *Factory) AuthHandler() *handler.AuthHandler {
	return handler.NewAuthHandler(f.authService, util.Get())
}

func (f *Factory) ExerciseHandler() *handler.ExerciseHandler {
	if f.exerciseService == nil {
		return nil
	}
	return handler.NewExerciseHandler(f.exerciseService, util.Get())
}

func (f *Factory) DiagnosticsHandler() *handler.DiagnosticsHandler {
	if !f.config.EnableDiagnostics || f.config.IsProduction() {
		return nil
	}
	return handler.NewDiagnosticsHandler(f.airtableClient, f.config, util.Get())
}

// TLSManager returns the TLS manager, or nil when the service does not
// terminate TLS itself.
func (f *Factory) TLSManager() *tls.Manager {
	return f.tlsManager
}

func (f *Factory) Close() error {
	f.closeOnce.Do(func() {
		util.Info("Shutting down factory...")
		util.Sync()
	})
	return nil
}
