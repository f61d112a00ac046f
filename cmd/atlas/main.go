// Copyright (C) 2025 OpenCrag (maintainers@opencrag.org)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Command atlas manages a local OpenCrag area catalog.
//
// The catalog is an embedded store; every invocation opens it, performs
// one operation, drains the change feed, and shuts down cleanly.
//
// Usage:
//
//	atlas add-country USA
//	atlas add-area "Red River Gorge" --country USA
//	atlas add-area "The Motherlode" --parent <uuid> --leaf
//	atlas rename <uuid> "New Name"
//	atlas move <uuid> <new-parent-uuid>
//	atlas delete <uuid>
//	atlas tree <uuid> --depth 3
//	atlas history --area <uuid>
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/opencrag/atlas/pkg/logging"
	"github.com/opencrag/atlas/services/catalog"
)

var (
	flagConfig  string
	flagDataDir string
	flagEditor  string
	flagVerbose bool

	rootCmd = &cobra.Command{
		Use:   "atlas",
		Short: "Manage a local OpenCrag area catalog",
		Long: `Atlas maintains the hierarchical catalog of climbing areas:
countries, regions, crags and the climbable leaves beneath them,
together with a full change history of every edit.`,
		SilenceUsage: true,
	}
)

func main() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "path to a YAML config file")
	rootCmd.PersistentFlags().StringVar(&flagDataDir, "data-dir", "", "catalog data directory (overrides config)")
	rootCmd.PersistentFlags().StringVar(&flagEditor, "editor", "", "editor user id (UUID), required for mutations")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(addCountryCmd, addAreaCmd, renameCmd, describeCmd,
		moveCmd, deleteCmd, orderCmd, treeCmd, ancestorsCmd, historyCmd, sweepCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig merges defaults, the optional config file, and flags.
func loadConfig() (catalog.Config, error) {
	cfg := catalog.DefaultConfig()

	if flagConfig != "" {
		data, err := os.ReadFile(flagConfig)
		if err != nil {
			return cfg, fmt.Errorf("read config %s: %w", flagConfig, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", flagConfig, err)
		}
	}
	if flagDataDir != "" {
		cfg.Path = flagDataDir
	}
	if cfg.Path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return cfg, fmt.Errorf("resolve home directory: %w", err)
		}
		cfg.Path = filepath.Join(home, ".opencrag", "atlas")
	}
	return cfg, nil
}

// openCatalog opens the catalog with CLI logging settings.
func openCatalog(ctx context.Context) (*catalog.Catalog, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	level := logging.LevelInfo
	if flagVerbose {
		level = logging.LevelDebug
	}
	logger := logging.New(logging.Config{
		Level:   level,
		Service: "atlas",
		Quiet:   !flagVerbose,
	})

	return catalog.Open(ctx, cfg, catalog.Options{Logger: logger})
}

// editorID parses the required --editor flag.
func editorID() (uuid.UUID, error) {
	if flagEditor == "" {
		return uuid.Nil, fmt.Errorf("--editor is required for mutations")
	}
	id, err := uuid.Parse(flagEditor)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid --editor %q: %w", flagEditor, err)
	}
	return id, nil
}

// withCatalog runs fn against an open catalog and always closes it. After
// a successful mutation the feed is drained synchronously so the history
// commands in the next invocation see it.
func withCatalog(cmd *cobra.Command, fn func(ctx context.Context, cat *catalog.Catalog) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	cat, err := openCatalog(ctx)
	if err != nil {
		return err
	}
	defer cat.Close()

	if err := fn(ctx, cat); err != nil {
		return err
	}
	_, err = cat.Listener().ProcessOnce(ctx)
	return err
}

func printArea(node *catalog.AreaNode) {
	kind := "area"
	switch {
	case node.IsRoot():
		kind = "country"
	case node.Metadata.IsBoulder:
		kind = "boulder"
	case node.Metadata.Leaf:
		kind = "crag"
	}
	fmt.Printf("%s  %-8s %s\n", node.PublicID, kind, node.Name)
}

func pathOf(chain []catalog.AncestorEntry) string {
	names := make([]string, len(chain))
	for i, e := range chain {
		names[i] = e.Name
	}
	return strings.Join(names, " / ")
}
