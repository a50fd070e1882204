package main

import (
	"encoding/json"
	"os"

	"github.com/qtype-ai/qtype/pkg/dsl"
)

// SchemaCmd emits the JSON schema of the document format. Editors point
// their YAML language server at it; CI validates documents against it.
type SchemaCmd struct {
	Compact bool `short:"c" help:"Compact JSON output (no indentation)."`
}

func (c *SchemaCmd) Run(cli *CLI) error {
	enc := json.NewEncoder(os.Stdout)
	if !c.Compact {
		enc.SetIndent("", "  ")
	}
	return enc.Encode(dsl.DocumentSchema())
}
