package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spboyer/guardrail/internal/projectconfig"
	"github.com/spf13/cobra"
)

// loadConfig reads guardrail.yaml (from --config or by searching upwards),
// loads .env files next to it and in the working directory, and applies
// environment overrides.
func loadConfig(cmd *cobra.Command) (*projectconfig.Config, error) {
	wd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("getting working directory: %w", err)
	}

	var cfg *projectconfig.Config
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		cfg, err = projectconfig.LoadFile(path)
	} else {
		cfg, err = projectconfig.Load(wd)
	}
	if err != nil {
		return nil, err
	}

	envFiles := []string{filepath.Join(wd, ".env")}
	if cfg.Path != "" {
		if dir := filepath.Dir(cfg.Path); dir != wd {
			envFiles = append(envFiles, filepath.Join(dir, ".env"))
		}
	}
	if err := projectconfig.LoadDotEnv(envFiles...); err != nil {
		return nil, err
	}

	cfg.ApplyEnv(os.Getenv)
	return cfg, nil
}
