package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/qtype-ai/qtype/pkg/auth"
	"github.com/qtype-ai/qtype/pkg/runtime"
	"github.com/qtype-ai/qtype/pkg/server"
)

// ServeCmd loads an application and serves its flows over HTTP.
type ServeCmd struct {
	Config string `arg:"" name:"config" help:"Application document path." type:"path"`

	Addr    string `help:"Listen address." default:":8080"`
	Metrics bool   `help:"Expose Prometheus metrics at /metrics."`

	JWKSURL     string `name:"jwks-url" help:"JWKS endpoint for bearer-token auth. Enables auth when set."`
	JWTIssuer   string `name:"jwt-issuer" help:"Required token issuer."`
	JWTAudience string `name:"jwt-audience" help:"Required token audience."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("Shutting down...")
		cancel()
	}()

	rt, err := runtime.Load(ctx, c.Config, runtime.Options{})
	if err != nil {
		return err
	}
	defer rt.Close()

	for _, w := range rt.Warnings() {
		slog.Warn("document warning", "warning", warningText(w))
	}

	opts := server.Options{Addr: c.Addr, EnableMetrics: c.Metrics}
	if c.JWKSURL != "" {
		verifier, err := auth.NewVerifier(ctx, c.JWKSURL, c.JWTIssuer, c.JWTAudience)
		if err != nil {
			return fmt.Errorf("configuring auth: %w", err)
		}
		opts.Verifier = verifier
		slog.Info("Bearer-token auth enabled", "jwks", c.JWKSURL)
	}

	for _, f := range rt.App().Flows() {
		slog.Info("flow registered", "flow", f.ID(), "interface", string(f.Interface()))
	}

	return server.New(rt, opts).Start(ctx)
}
