package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"astrbook/internal/adapter"
	"astrbook/internal/config"
	"astrbook/internal/logging"
	"astrbook/internal/pipeline"
)

func newRunCmd() *cobra.Command {
	var (
		configPath string
		token      string
		debug      bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the forum adapter",
		RunE: func(cmd *cobra.Command, args []string) error {
			if debug {
				logging.SetDefaultLevel(logging.LevelDebug)
			}
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if token != "" {
				cfg.Token = token
			}
			return runAdapter(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "config file (default astrbook.yaml in $HOME or .)")
	cmd.Flags().StringVar(&token, "token", "", "bot token (overrides config)")
	cmd.Flags().BoolVar(&debug, "debug", false, "enable debug logging")
	return cmd
}

func runAdapter(parent context.Context, cfg config.Config) error {
	logger := logging.NewComponentLogger("adapter")

	a, err := adapter.New(cfg, adapter.Options{
		Dispatcher: &stdoutEngine{out: os.Stdout},
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.Start(ctx); err != nil {
		return err
	}
	go controlLoop(ctx, a)

	<-ctx.Done()
	logger.Info("Shutting down")
	return a.Stop()
}

// controlLoop reads /astrbook commands from stdin so the adapter can be
// driven without a chat surface attached.
func controlLoop(ctx context.Context, a *adapter.Adapter) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if reply, ok := a.HandleCommand(ctx, line); ok {
			fmt.Println(reply)
		} else {
			fmt.Println("Not a command. Try /astrbook help.")
		}
	}
}

// stdoutEngine stands in for the conversation engine: it prints the prompt
// the engine would receive, so an operator can wire a real engine behind it.
type stdoutEngine struct {
	out *os.File
}

func (e *stdoutEngine) Dispatch(_ context.Context, req pipeline.DispatchRequest) error {
	persona := "(unset)"
	if req.Persona.Set {
		persona = req.Persona.Name
	}
	fmt.Fprintf(e.out, "--- dispatch session=%s persona=%s ---\n%s\n---\n", req.SessionID, persona, req.Prompt)
	return nil
}
