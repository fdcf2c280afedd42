// Package cli implements the auto command-line interface.
package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/auto/internal/config"
	"github.com/randalmurphal/auto/internal/db"
	autoerrors "github.com/randalmurphal/auto/internal/errors"
	"github.com/randalmurphal/auto/internal/pack"
)

// newInitCmd creates the init command
func newInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize auto in current project",
		Long: `Initialize auto in the project root.

Creates the .auto/ directory with a default config.yaml, scaffolds the
methodology pack's prompt templates into .auto/packs/<name>/, and creates
the decision store so the first run starts from a migrated database.

Examples:
  auto init                      # Default bmad pack in current directory
  auto init --pack bmad          # Explicit pack choice
  auto init --force              # Overwrite existing configuration`,
		RunE: func(cmd *cobra.Command, args []string) error {
			packName, _ := cmd.Flags().GetString("pack")
			projectRoot, _ := cmd.Flags().GetString("project-root")
			force, _ := cmd.Flags().GetBool("force")

			if projectRoot == "" {
				cwd, err := os.Getwd()
				if err != nil {
					return fmt.Errorf("get working directory: %w", err)
				}
				projectRoot = cwd
			}

			result, err := runInit(projectRoot, packName, force)
			if err != nil {
				return err
			}

			if jsonOut() {
				printJSON(result)
				return nil
			}
			printInitResult(result)
			return nil
		},
	}

	cmd.Flags().String("pack", "bmad", "methodology pack to scaffold")
	cmd.Flags().String("project-root", "", "project directory (default: current directory)")
	cmd.Flags().Bool("force", false, "overwrite existing configuration")

	return cmd
}

// initResult reports what init created, for both output formats.
type initResult struct {
	ProjectRoot string `json:"project_root"`
	Pack        string `json:"pack"`
	ConfigPath  string `json:"config_path"`
	StorePath   string `json:"store_path"`
	PackDir     string `json:"pack_dir"`
}

// runInit creates .auto/, the default config, the scaffolded pack, and the
// migrated decision store. Everything lands under projectRoot so init can
// target a directory other than the cwd.
func runInit(projectRoot, packName string, force bool) (*initResult, error) {
	autoDir := filepath.Join(projectRoot, config.AutoDir)
	if _, err := os.Stat(autoDir); err == nil && !force {
		return nil, autoerrors.ErrAlreadyInitialized(autoDir)
	}
	if !pack.Builtin(packName) {
		return nil, autoerrors.ErrPackNotFound(packName)
	}

	if err := os.MkdirAll(autoDir, 0o755); err != nil {
		return nil, fmt.Errorf("create %s: %w", autoDir, err)
	}

	cfg := config.Default()
	cfg.Pack = packName
	configPath := filepath.Join(autoDir, config.ConfigFileName)
	if err := cfg.SaveTo(configPath); err != nil {
		return nil, err
	}

	packDir := filepath.Join(autoDir, "packs", packName)
	if err := pack.Scaffold(packName, packDir, force); err != nil {
		return nil, err
	}

	// Open-and-close runs the migrations, so the store exists before the
	// first run needs it.
	store, err := db.OpenStore(projectRoot)
	if err != nil {
		return nil, err
	}
	if err := store.Close(); err != nil {
		return nil, fmt.Errorf("close store: %w", err)
	}

	return &initResult{
		ProjectRoot: projectRoot,
		Pack:        packName,
		ConfigPath:  configPath,
		StorePath:   filepath.Join(autoDir, config.DBFileName),
		PackDir:     packDir,
	}, nil
}

func printInitResult(r *initResult) {
	fmt.Println()
	fmt.Println("  ✓ auto initialized")
	fmt.Println()
	fmt.Printf("  Pack:    %s\n", r.Pack)
	fmt.Printf("  Config:  %s\n", r.ConfigPath)
	fmt.Printf("  Store:   %s\n", r.StorePath)
	fmt.Println()
	fmt.Println("  Next steps:")
	fmt.Println("    auto run --concept \"what to build\"")
	fmt.Println()
}
