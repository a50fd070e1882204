package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/qtype-ai/qtype/pkg/interpreter"
	"github.com/qtype-ai/qtype/pkg/runtime"
)

// RunCmd executes one flow and prints its outputs.
type RunCmd struct {
	Config string `arg:"" name:"config" help:"Application document path." type:"path"`

	Flow    string            `help:"Flow to run. Defaults to the only flow when the application declares exactly one."`
	Input   map[string]string `short:"i" help:"Flow inputs as key=value pairs. Values parse as JSON when they can, strings otherwise." mapsep:","`
	Session string            `help:"Session id for conversational flows."`
	Timeout time.Duration     `help:"Bound the whole run." default:"0"`
	Stream  bool              `help:"Print text deltas to stderr as they arrive."`
}

func (c *RunCmd) Run(cli *CLI) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	rt, err := runtime.Load(ctx, c.Config, runtime.Options{})
	if err != nil {
		return err
	}
	defer rt.Close()

	flowID, err := c.resolveFlow(rt)
	if err != nil {
		return err
	}

	opts := interpreter.RunOptions{SessionID: c.Session, Timeout: c.Timeout}
	if c.Stream {
		opts.Events = interpreter.SinkFunc(func(ev interpreter.Event) {
			if ev.Kind == interpreter.EventTextDelta {
				fmt.Fprint(os.Stderr, ev.Delta)
			}
		})
	}

	res, err := rt.Run(ctx, flowID, parseInputs(c.Input), opts)
	if err != nil {
		return err
	}
	if c.Stream {
		fmt.Fprintln(os.Stderr)
	}

	for _, ferr := range res.Failures() {
		fmt.Fprintf(os.Stderr, "error: %s\n", ferr.Error())
	}

	enc := json.NewEncoder(os.Stdout)
	if term.IsTerminal(int(os.Stdout.Fd())) {
		enc.SetIndent("", "  ")
	}
	if err := enc.Encode(res.Outputs); err != nil {
		return err
	}
	if len(res.Failures()) > 0 {
		return fmt.Errorf("run completed with failures")
	}
	return nil
}

func (c *RunCmd) resolveFlow(rt *runtime.Runtime) (string, error) {
	if c.Flow != "" {
		return c.Flow, nil
	}
	flows := rt.App().Flows()
	if len(flows) == 1 {
		return flows[0].ID(), nil
	}
	return "", fmt.Errorf("application declares %d flows, pick one with --flow", len(flows))
}

// parseInputs keeps every value a string unless it is valid JSON, so
// --input count=3 arrives as a number and --input name=Ada as text.
func parseInputs(raw map[string]string) map[string]any {
	inputs := make(map[string]any, len(raw))
	for key, value := range raw {
		var parsed any
		if err := json.Unmarshal([]byte(value), &parsed); err == nil {
			inputs[key] = parsed
		} else {
			inputs[key] = value
		}
	}
	return inputs
}
