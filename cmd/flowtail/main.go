// Command flowtail subscribes to flows and prints every drop pushed to them.
//
//	flowtail -config flowthings.toml -flow f1,f2
//
// Settings come from the optional TOML file, then FLOWTHINGS_* environment
// variables, then flags.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"

	flowthings "github.com/flowthings/flowthings.go"
	"github.com/flowthings/flowthings.go/pkg/config"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "flowtail: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("flowtail", flag.ContinueOnError)
	fs.SetOutput(stderr)

	configPath := fs.String("config", "", "path to a TOML config file")
	url := fs.String("url", "", "WebSocket session URL")
	flows := fs.String("flow", "", "comma separated flow ids to follow")
	colorMode := fs.String("color", "auto", "colorize output: auto, always or never")
	if err := fs.Parse(args); err != nil {
		return err
	}

	settings, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *url != "" {
		settings.URL = *url
	}
	if *flows != "" {
		settings.Flows = splitFlows(*flows)
	}
	if len(settings.Flows) == 0 {
		return errors.New("no flows to follow")
	}

	color.NoColor = !useColor(*colorMode, stdout)

	cfg, err := settings.SessionConfig(stderr)
	if err != nil {
		return err
	}

	s, err := flowthings.Connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer s.Close(context.Background())

	p := newPrinter(stdout)
	for _, flow := range settings.Flows {
		flow := flow
		_, err := s.Flow().Subscribe(flow, p.print, flowthings.WithResponseHandler(func(_ *flowthings.Response, err error) {
			if err != nil {
				p.failure(flow, err)
			}
		}))
		if err != nil {
			return err
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-s.Errors():
			p.warn(err)
		}
	}
}

func splitFlows(v string) []string {
	var out []string
	for _, flow := range strings.Split(v, ",") {
		if flow = strings.TrimSpace(flow); flow != "" {
			out = append(out, flow)
		}
	}
	return out
}

func useColor(mode string, w io.Writer) bool {
	switch mode {
	case "always":
		return true
	case "never":
		return false
	}
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
