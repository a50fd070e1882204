package httpclient

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"
)

// TLSConfig holds TLS options for provider connections.
type TLSConfig struct {
	InsecureSkipVerify bool   // skip certificate verification (dev/test only)
	CACertificate      string // path to a custom CA certificate file
}

// ConfigureTLS builds an http.Transport from the TLS options.
func ConfigureTLS(config *TLSConfig) (*http.Transport, error) {
	transport := &http.Transport{
		TLSClientConfig: &tls.Config{},
	}

	if config != nil && config.CACertificate != "" {
		caCert, err := os.ReadFile(config.CACertificate)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate from %s: %w", config.CACertificate, err)
		}

		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse CA certificate from %s", config.CACertificate)
		}

		transport.TLSClientConfig.RootCAs = caCertPool
	}

	if config != nil && config.InsecureSkipVerify {
		transport.TLSClientConfig.InsecureSkipVerify = true
	}

	return transport, nil
}

// WithTLSConfig applies TLS options to the client's transport. A bad
// configuration logs a warning and keeps the default transport.
func WithTLSConfig(config *TLSConfig) Option {
	return func(c *Client) {
		if config == nil {
			return
		}
		transport, err := ConfigureTLS(config)
		if err != nil {
			slog.Warn("failed to configure TLS, using default transport", "error", err)
			return
		}
		if c.client != nil {
			c.client.Transport = transport
		} else {
			c.client = &http.Client{
				Transport: transport,
				Timeout:   60 * time.Second,
			}
		}
	}
}
