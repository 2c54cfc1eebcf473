package tls

import (
	"crypto/tls"
	"errors"
	"net/http"
	"os"

	"go.uber.org/zap"
	"golang.org/x/crypto/acme/autocert"

	"biblioteca-auth/internal/util"
)

// Config selects the certificate source. A non-empty Domain turns on ACME
// autocert; CertFile/KeyFile serve a pre-provisioned pair. At least one of
// the two must be configured when TLS is enabled.
type Config struct {
	Domain   string
	Email    string
	CacheDir string
	CertFile string
	KeyFile  string
}

// Manager hands the HTTP server its TLS configuration. Certificates come from
// ACME when a domain is configured, with a file pair as the fallback source.
type Manager struct {
	cfg      Config
	autocert *autocert.Manager
	logger   *zap.Logger
}

func NewManager(cfg Config, logger *zap.Logger) *Manager {
	m := &Manager{cfg: cfg, logger: logger}
	if cfg.Domain == "" {
		return m
	}

	if err := os.MkdirAll(cfg.CacheDir, 0o700); err != nil {
		logger.Warn("certificate cache directory unavailable, ACME disabled",
			util.String("dir", cfg.CacheDir),
			util.ErrorField(err),
		)
		return m
	}

	m.autocert = &autocert.Manager{
		Prompt:     autocert.AcceptTOS,
		HostPolicy: autocert.HostWhitelist(cfg.Domain),
		Cache:      autocert.DirCache(cfg.CacheDir),
		Email:      cfg.Email,
	}
	logger.Info("ACME certificate management enabled",
		util.String("domain", cfg.Domain),
		util.String("cache_dir", cfg.CacheDir),
	)
	return m
}

func (m *Manager) getCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	if m.autocert != nil {
		if cert, err := m.autocert.GetCertificate(hello); err == nil {
			return cert, nil
		}
	}
	if m.cfg.CertFile != "" && m.cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(m.cfg.CertFile, m.cfg.KeyFile)
		if err != nil {
			return nil, err
		}
		return &cert, nil
	}
	return nil, errors.New("tls: no certificate source configured")
}

// ServerConfig returns the tls.Config for the HTTPS listener.
func (m *Manager) ServerConfig() *tls.Config {
	return &tls.Config{
		GetCertificate: m.getCertificate,
		NextProtos:     []string{"h2", "http/1.1"},
		MinVersion:     tls.VersionTLS12,
	}
}

// ChallengeHandler returns the handler for the plain-HTTP listener: it
// answers ACME HTTP-01 challenges and redirects everything else to HTTPS.
// Nil when ACME is not in use.
func (m *Manager) ChallengeHandler() http.Handler {
	if m.autocert == nil {
		return nil
	}
	return m.autocert.HTTPHandler(nil)
}
