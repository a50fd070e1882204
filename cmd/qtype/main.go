// Command qtype validates, runs, and serves declarative AI pipeline
// applications.
//
// Usage:
//
//	qtype validate app.yaml
//	qtype run app.yaml --flow greet --input name=Ada
//	qtype serve app.yaml --addr :8080
//	qtype schema > qtype.schema.json
package main

import (
	"fmt"
	"os"
	"runtime/debug"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"

	"github.com/qtype-ai/qtype/pkg/logger"
)

// CLI defines the command-line interface.
type CLI struct {
	Version  VersionCmd  `cmd:"" help:"Show version information."`
	Validate ValidateCmd `cmd:"" help:"Validate an application document."`
	Run      RunCmd      `cmd:"" help:"Run one flow to completion."`
	Serve    ServeCmd    `cmd:"" help:"Serve the application over HTTP."`
	Schema   SchemaCmd   `cmd:"" help:"Emit the JSON schema of the document format."`

	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info"`
	LogFile   string `help:"Log file path (empty = stderr)."`
	LogFormat string `help:"Log format (simple or verbose)." default:"simple"`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			version = info.Main.Version
		}
	}
	fmt.Printf("qtype %s\n", version)
	return nil
}

func main() {
	_ = godotenv.Load()

	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("qtype"),
		kong.Description("qtype - declarative AI pipeline runner"),
		kong.UsageOnError(),
	)

	level, _ := logger.ParseLevel(cli.LogLevel)
	output := os.Stderr
	if cli.LogFile != "" {
		file, cleanup, err := logger.OpenLogFile(cli.LogFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file: %v\n", err)
			os.Exit(1)
		}
		defer cleanup()
		output = file
	}
	logger.Init(level, output, cli.LogFormat)

	err := ctx.Run(&cli)
	ctx.FatalIfErrorf(err)
}
