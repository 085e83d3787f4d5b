package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/markdave123-py/Sitewise/internal/app"
	"github.com/markdave123-py/Sitewise/internal/config"
	"github.com/markdave123-py/Sitewise/internal/logger"
)

var rootCmd = &cobra.Command{
	Use:           "sitectl",
	Short:         "Operate sitewise tenants, content and indexes",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// openApp is swapped in tests.
var openApp = func(ctx context.Context) (*app.App, func(), error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, nil, err
	}
	lg := logger.New(cfg)
	a, err := app.NewApp(ctx, cfg, lg)
	if err != nil {
		return nil, nil, err
	}
	return a, func() {
		a.Close()
		_ = lg.Sync()
	}, nil
}

func withApp(cmd *cobra.Command, fn func(a *app.App) error) error {
	a, closeFn, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer closeFn()
	if err := fn(a); err != nil {
		a.Log.Debug("command failed", zap.String("cmd", cmd.CommandPath()), zap.Error(err))
		return err
	}
	return nil
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printSuccess(cmd *cobra.Command, format string, args ...any) {
	fmt.Fprintln(cmd.ErrOrStderr(), "✓ "+fmt.Sprintf(format, args...))
}
