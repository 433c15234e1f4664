package store

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisOptions describes the optional Redis that backs shared rate limits.
type RedisOptions struct {
	Addr       string
	Password   string
	DB         int
	RequireTLS bool

	TLS              bool
	TLSInsecure      bool
	AllowInsecureTLS bool
	TLSServerName    string
	TLSCAFile        string
	TLSCertFile      string
	TLSKeyFile       string
}

var ErrRedisNotConfigured = errors.New("redis address not configured")

const redisPingTimeout = 2 * time.Second

// NewRedis returns a client that has answered PING.
func NewRedis(ctx context.Context, opts RedisOptions) (*redis.Client, error) {
	addr := strings.TrimSpace(opts.Addr)
	if addr == "" {
		return nil, ErrRedisNotConfigured
	}
	if opts.RequireTLS && !opts.TLS {
		return nil, errors.New("REDIS_REQUIRE_TLS=true but REDIS_TLS is not enabled")
	}
	tlsConfig, err := loadRedisTLSConfig(opts)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(&redis.Options{
		Addr:      addr,
		Password:  opts.Password,
		DB:        opts.DB,
		TLSConfig: tlsConfig,
	})
	pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return client, nil
}

// loadRedisTLSConfig is nil when TLS is off.
func loadRedisTLSConfig(opts RedisOptions) (*tls.Config, error) {
	if !opts.TLS {
		return nil, nil
	}
	if opts.TLSInsecure && !opts.AllowInsecureTLS {
		return nil, errors.New("REDIS_TLS_INSECURE=true requires REDIS_ALLOW_INSECURE_TLS=true")
	}
	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: opts.TLSInsecure,
		ServerName:         strings.TrimSpace(opts.TLSServerName),
	}
	roots, err := readCAPool(strings.TrimSpace(opts.TLSCAFile))
	if err != nil {
		return nil, err
	}
	cfg.RootCAs = roots
	certs, err := readClientCert(strings.TrimSpace(opts.TLSCertFile), strings.TrimSpace(opts.TLSKeyFile))
	if err != nil {
		return nil, err
	}
	cfg.Certificates = certs
	return cfg, nil
}

// readCAPool returns nil for an empty path so the system roots apply.
func readCAPool(path string) (*x509.CertPool, error) {
	if path == "" {
		return nil, nil
	}
	pem, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read REDIS_TLS_CA_CERT_FILE: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, errors.New("parse REDIS_TLS_CA_CERT_FILE: no valid certificates")
	}
	return pool, nil
}

func readClientCert(certFile, keyFile string) ([]tls.Certificate, error) {
	switch {
	case certFile == "" && keyFile == "":
		return nil, nil
	case certFile == "" || keyFile == "":
		return nil, errors.New("REDIS_TLS_CERT_FILE and REDIS_TLS_KEY_FILE must be set together")
	}
	cert, err := tls.LoadX509KeyPair(filepath.Clean(certFile), filepath.Clean(keyFile))
	if err != nil {
		return nil, fmt.Errorf("load redis client keypair: %w", err)
	}
	return []tls.Certificate{cert}, nil
}
