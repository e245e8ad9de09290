package tls

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	tlsCrt = "tls.crt"
	tlsKey = "tls.key"
)

// ClientOptions configures TLS for outbound notification requests.
type ClientOptions struct {
	CAFile             string `mapstructure:"ca_file"`
	CertFile           string `mapstructure:"cert_file"`
	KeyFile            string `mapstructure:"key_file"`
	MinVersion         string `mapstructure:"min_version"`
	InsecureSkipVerify bool   `mapstructure:"insecure_skip_verify"`
}

// IsZero reports whether no option is set, i.e. system defaults apply.
func (o ClientOptions) IsZero() bool { return o == ClientOptions{} }

// ServerOptions configures TLS for the HTTP ingress.
type ServerOptions struct {
	CertFile     string `mapstructure:"cert_file"`
	KeyFile      string `mapstructure:"key_file"`
	MinVersion   string `mapstructure:"min_version"`
	AutoGenerate bool   `mapstructure:"auto_generate"`
	Dir          string `mapstructure:"dir"`
}

// Enabled reports whether the ingress should serve TLS.
func (o ServerOptions) Enabled() bool {
	return (o.CertFile != "" && o.KeyFile != "") || o.AutoGenerate
}

// parseTLSVersion parses TLS version string and returns the corresponding constant
func parseTLSVersion(ver string) (uint16, error) {
	switch strings.ToLower(strings.TrimSpace(ver)) {
	case "", "default":
		return 0, nil
	case "1.2", "tls1.2":
		return tls.VersionTLS12, nil
	case "1.3", "tls1.3":
		return tls.VersionTLS13, nil
	default:
		return 0, fmt.Errorf("unsupported tls version %q", ver)
	}
}

// ClientConfig builds the outbound TLS configuration. It returns nil when no
// option is set so that the transport keeps Go's defaults.
func ClientConfig(o ClientOptions) (*tls.Config, error) {
	if o.IsZero() {
		return nil, nil
	}
	minVer, err := parseTLSVersion(o.MinVersion)
	if err != nil {
		return nil, err
	}
	if minVer == 0 {
		minVer = tls.VersionTLS12
	}
	// #nosec G402 skip-verify is an explicit operator choice
	cfg := &tls.Config{MinVersion: minVer, InsecureSkipVerify: o.InsecureSkipVerify}

	if o.CAFile != "" {
		pemData, err := os.ReadFile(filepath.Clean(o.CAFile))
		if err != nil {
			return nil, fmt.Errorf("read ca file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemData) {
			return nil, fmt.Errorf("no certificates found in %s", o.CAFile)
		}
		cfg.RootCAs = pool
	}

	switch {
	case o.CertFile != "" && o.KeyFile != "":
		cert, err := tls.LoadX509KeyPair(o.CertFile, o.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	case o.CertFile != "" || o.KeyFile != "":
		return nil, errors.New("client certificate requires both cert_file and key_file")
	}
	return cfg, nil
}

// ServerConfig builds the ingress TLS configuration, or nil when TLS is off.
// With AutoGenerate and no explicit files, a self-signed pair is created in
// Dir on first use and reused afterwards.
func ServerConfig(o ServerOptions) (*tls.Config, error) {
	if !o.Enabled() {
		return nil, nil
	}
	minVer, err := parseTLSVersion(o.MinVersion)
	if err != nil {
		return nil, err
	}
	if minVer == 0 {
		minVer = tls.VersionTLS12
	}

	certPath, keyPath := o.CertFile, o.KeyFile
	if certPath == "" || keyPath == "" {
		dir := o.Dir
		if dir == "" {
			dir = "tls"
		}
		certPath, keyPath = filepath.Join(dir, tlsCrt), filepath.Join(dir, tlsKey)
		if !certificatesExist(certPath, keyPath) {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create tls directory: %w", err)
			}
			err := GenerateSelfSigned(CertOptions{
				CommonName:   "localhost",
				Organization: "studyhook",
				DNSNames:     []string{"localhost"},
				IPAddresses:  []string{"127.0.0.1"},
				NotAfter:     time.Now().AddDate(5, 0, 0),
				CertPath:     certPath,
				KeyPath:      keyPath,
			})
			if err != nil {
				return nil, err
			}
		}
	}

	// Fail fast on unreadable pairs; the callback below re-reads them so
	// rotated files are picked up without a restart.
	if _, err := tls.LoadX509KeyPair(certPath, keyPath); err != nil {
		return nil, fmt.Errorf("load server certificate: %w", err)
	}
	return &tls.Config{
		GetCertificate: getCertificationFunc(certPath, keyPath),
		MinVersion:     minVer,
	}, nil
}

// getCertificationFunc returns a function that loads certificates dynamically
func getCertificationFunc(certFile, keyFile string) func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	return func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, err
		}
		return &cert, nil
	}
}

// certificatesExist checks if both certificate files exist
func certificatesExist(certPath, keyPath string) bool {
	_, certErr := os.Stat(certPath)
	_, keyErr := os.Stat(keyPath)
	return certErr == nil && keyErr == nil
}
