// Package tls builds the server-side TLS configuration of the introspection API.
package tls

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/loykin/procmux/internal/config"
)

const (
	caFile   = "ca.crt"
	certFile = "tls.crt"
	keyFile  = "tls.key"

	defaultValidity = 365 * 24 * time.Hour
)

var ErrNoCertificate = errors.New("tls enabled but neither cert_file/key_file nor dir is configured")

func parseVersion(v string) (uint16, error) {
	switch v {
	case "", "1.3", "tls1.3", "TLS1.3":
		return tls.VersionTLS13, nil
	case "1.2", "tls1.2", "TLS1.2":
		return tls.VersionTLS12, nil
	default:
		return 0, fmt.Errorf("unsupported tls min_version %q", v)
	}
}

// Setup returns nil when cfg is disabled. Explicit cert/key files win over
// Dir; with AutoGenerate a self-signed pair is written to Dir when missing.
func Setup(cfg config.TLSConfig) (*tls.Config, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	minVer, err := parseVersion(cfg.MinVersion)
	if err != nil {
		return nil, err
	}
	certPath, keyPath := cfg.CertFile, cfg.KeyFile
	if certPath == "" || keyPath == "" {
		if cfg.Dir == "" {
			return nil, ErrNoCertificate
		}
		certPath, keyPath = filepath.Join(cfg.Dir, certFile), filepath.Join(cfg.Dir, keyFile)
		if cfg.AutoGenerate && !exists(certPath, keyPath) {
			if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
				return nil, fmt.Errorf("create tls dir: %w", err)
			}
			hosts := cfg.Hosts
			if len(hosts) == 0 {
				hosts = []string{"localhost", "127.0.0.1", "::1"}
			}
			err := generateSelfSigned(selfSigned{
				commonName: hosts[0],
				hosts:      hosts,
				notAfter:   time.Now().Add(defaultValidity),
				certPath:   certPath,
				keyPath:    keyPath,
				caPath:     filepath.Join(cfg.Dir, caFile),
			})
			if err != nil {
				return nil, fmt.Errorf("certificate generation failed: %w", err)
			}
		}
	}
	pair, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("load key pair: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{pair},
		MinVersion:   minVer,
	}, nil
}

// CAPath is where Setup writes the generated certificate for clients to trust.
func CAPath(cfg config.TLSConfig) string {
	if cfg.Dir == "" {
		return ""
	}
	return filepath.Join(cfg.Dir, caFile)
}

func exists(paths ...string) bool {
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			return false
		}
	}
	return true
}
