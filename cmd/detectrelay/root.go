package main

import (
	"fmt"
	"os"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"

	"github.com/detectrelay/detectrelay/internal/config"
)

// commandContext loads configuration once per invocation.
type commandContext struct {
	configPath string
	cfg        *config.EnvConfig
}

func (c *commandContext) ensureConfig() (*config.EnvConfig, error) {
	if c.cfg != nil {
		return c.cfg, nil
	}
	var (
		cfg *config.EnvConfig
		err error
	)
	if c.configPath != "" {
		cfg, err = config.Load(c.configPath)
	} else {
		cfg, err = config.New()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	c.cfg = cfg
	return cfg, nil
}

func newRootCommand() *cobra.Command {
	ctx := &commandContext{}

	serveCmd := newServeCommand(ctx)

	rootCmd := &cobra.Command{
		Use:           "detectrelay",
		Short:         "Relay images and videos to a detection service with live progress",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			_, err := ctx.ensureConfig()
			return err
		},
		RunE: serveCmd.RunE,
	}

	rootCmd.PersistentFlags().StringVarP(&ctx.configPath, "config", "c", "", "Configuration file path (.yaml, .yml or .toml)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(newSweepCommand(ctx))
	rootCmd.AddCommand(newVersionCommand())

	return rootCmd
}

// lockDataDir takes the data directory lock or reports who holds it.
func lockDataDir(cfg config.Config) (*flock.Flock, error) {
	if err := os.MkdirAll(cfg.DataDir(), 0755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	lock := flock.New(cfg.LockPath())
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("another detectrelay instance is using %s", cfg.DataDir())
	}
	return lock, nil
}
