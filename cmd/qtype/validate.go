package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/qtype-ai/qtype/pkg/errdefs"
	"github.com/qtype-ai/qtype/pkg/runtime"
)

// ValidateCmd loads a document through every front-end stage and reports
// diagnostics without building any backend client.
type ValidateCmd struct {
	Config string `arg:"" name:"config" help:"Application document path." type:"path"`
	Format string `short:"f" help:"Output format: compact or json." default:"compact" enum:"compact,json"`
}

type validateResult struct {
	Valid    bool     `json:"valid"`
	File     string   `json:"file"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

func (c *ValidateCmd) Run(cli *CLI) error {
	app, warnings, err := runtime.Validate(context.Background(), c.Config, runtime.Options{})

	result := validateResult{Valid: err == nil, File: c.Config}
	if err != nil {
		result.Errors = append(result.Errors, err.Error())
	}
	for _, w := range warnings {
		result.Warnings = append(result.Warnings, w.Error())
	}

	if c.Format == "json" {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(result)
		if err != nil {
			return fmt.Errorf("validation failed")
		}
		return nil
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %s\n", c.Config, err.Error())
		return fmt.Errorf("validation failed")
	}
	for _, w := range warnings {
		fmt.Fprintf(os.Stderr, "%s: warning: %s\n", c.Config, warningText(w))
	}
	fmt.Printf("%s: valid (%d flows", c.Config, len(app.Flows()))
	if len(warnings) > 0 {
		fmt.Printf(", %d warnings", len(warnings))
	}
	fmt.Println(")")
	return nil
}

func warningText(w *errdefs.Error) string {
	text := w.Message
	if w.Pos != nil {
		text += " (at " + w.Pos.String() + ")"
	}
	return text
}
