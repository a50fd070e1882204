// Package runtime ties the pipeline together: it loads a document, parses
// and links it, checks it down to the executable form, and hands out an
// interpreter wired with cached backend clients. The CLI and the server both
// sit on this facade.
package runtime

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/qtype-ai/qtype/pkg/checker"
	"github.com/qtype-ai/qtype/pkg/dsl"
	"github.com/qtype-ai/qtype/pkg/errdefs"
	"github.com/qtype-ai/qtype/pkg/interpreter"
	"github.com/qtype-ai/qtype/pkg/ir"
	"github.com/qtype-ai/qtype/pkg/linker"
	"github.com/qtype-ai/qtype/pkg/loader"
	"github.com/qtype-ai/qtype/pkg/logger"
	"github.com/qtype-ai/qtype/pkg/memory"
	"github.com/qtype-ai/qtype/pkg/secret"
	"github.com/qtype-ai/qtype/pkg/telemetry"
	"github.com/qtype-ai/qtype/pkg/tool"
)

// Options configures a Runtime. Every field has a working zero value.
type Options struct {
	// Provider loads documents; defaults to the local filesystem.
	Provider loader.Provider

	// Secrets resolves secret references; defaults to environment
	// variables.
	Secrets secret.Resolver

	// Functions registers native Go tools for function_tool declarations.
	Functions *tool.Functions

	// Memory overrides the conversation store; defaults to in-process.
	Memory memory.Store

	// Events receives progress events from runs without their own sink.
	Events interpreter.EventSink

	// ClientTTL is how long an idle backend client stays cached before it
	// is closed. Zero means fifteen minutes.
	ClientTTL time.Duration

	// ClientTimeout bounds one backend HTTP attempt.
	ClientTimeout time.Duration

	// Logger, Telemetry, and Metrics. A nil Telemetry turns the document's
	// declared sink on; Disabled() suppresses it.
	Logger    *slog.Logger
	Telemetry *telemetry.Telemetry
	Metrics   *telemetry.Metrics
}

const defaultClientTTL = 15 * time.Minute

// Runtime is one loaded, checked, runnable application.
type Runtime struct {
	app      *ir.App
	source   *dsl.Application
	doc      *loader.Document
	warnings []*errdefs.Error

	clients *clientCache
	it      *interpreter.Interpreter
	tel     *telemetry.Telemetry
	ownsTel bool
	log     *slog.Logger
}

// Load reads the document at key and takes it through every front-end stage.
// Diagnostics from any stage come back as the error; checker warnings
// survive on the Runtime.
func Load(ctx context.Context, key string, opts Options) (*Runtime, error) {
	app, doc, err := parse(ctx, key, opts)
	if err != nil {
		return nil, err
	}
	return build(ctx, app, doc, opts)
}

// Validate runs the front-end stages only and returns the checker warnings.
// No backend client is built.
func Validate(ctx context.Context, key string, opts Options) (*ir.App, []*errdefs.Error, error) {
	app, _, err := parse(ctx, key, opts)
	if err != nil {
		return nil, nil, err
	}
	if err := linker.Link(app); err != nil {
		return nil, nil, err
	}
	return checker.Check(app)
}

func parse(ctx context.Context, key string, opts Options) (*dsl.Application, *loader.Document, error) {
	provider := opts.Provider
	if provider == nil {
		provider = loader.NewFileProvider()
	}
	ld := loader.NewLoader(provider)
	defer ld.Close()

	doc, err := ld.Load(ctx, key)
	if err != nil {
		return nil, nil, err
	}
	app, err := dsl.Parse(doc)
	if err != nil {
		return nil, nil, err
	}
	return app, doc, nil
}

func build(ctx context.Context, app *dsl.Application, doc *loader.Document, opts Options) (*Runtime, error) {
	if err := linker.Link(app); err != nil {
		return nil, err
	}
	lowered, warnings, err := checker.Check(app)
	if err != nil {
		return nil, err
	}

	log := opts.Logger
	if log == nil {
		log = logger.GetLogger()
	}

	tel := opts.Telemetry
	ownsTel := false
	if tel == nil {
		tel, err = telemetry.New(ctx, lowered.Telemetry(), telemetry.Options{})
		if err != nil {
			return nil, err
		}
		ownsTel = true
	}

	resolver := opts.Secrets
	if resolver == nil {
		resolver = secret.EnvResolver{}
	}
	ttl := opts.ClientTTL
	if ttl <= 0 {
		ttl = defaultClientTTL
	}
	clients := newClientCache(lowered, resolver, opts.Functions, ttl, opts.ClientTimeout, log)

	it := interpreter.New(lowered, clients, interpreter.Options{
		Memory:    opts.Memory,
		Events:    opts.Events,
		Logger:    log,
		Telemetry: tel,
		Metrics:   opts.Metrics,
	})

	return &Runtime{
		app:      lowered,
		source:   app,
		doc:      doc,
		warnings: warnings,
		clients:  clients,
		it:       it,
		tel:      tel,
		ownsTel:  ownsTel,
		log:      log,
	}, nil
}

// App returns the checked application.
func (r *Runtime) App() *ir.App { return r.app }

// Source returns the parsed document tree the application came from.
func (r *Runtime) Source() *dsl.Application { return r.source }

// Warnings returns the checker warnings from loading.
func (r *Runtime) Warnings() []*errdefs.Error { return r.warnings }

// Interpreter exposes the wired interpreter.
func (r *Runtime) Interpreter() *interpreter.Interpreter { return r.it }

// Run executes one flow.
func (r *Runtime) Run(ctx context.Context, flowID string, inputs map[string]any, opts interpreter.RunOptions) (*interpreter.RunResult, error) {
	return r.it.Run(ctx, flowID, inputs, opts)
}

// Close releases every cached backend client and, when the runtime built its
// own telemetry, flushes it.
func (r *Runtime) Close() error {
	errs := []error{r.clients.close()}
	if r.ownsTel {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		errs = append(errs, r.tel.Shutdown(ctx))
		cancel()
	}
	return errors.Join(errs...)
}
