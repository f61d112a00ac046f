// Copyright (C) 2025 OpenCrag (maintainers@opencrag.org)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/opencrag/atlas/services/catalog"
)

var (
	flagDepth        int
	flagHistoryArea  string
	flagHistoryLimit int

	treeCmd = &cobra.Command{
		Use:   "tree [area-id]",
		Short: "Print an area's subtree",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runTree,
	}

	ancestorsCmd = &cobra.Command{
		Use:   "ancestors [area-id]",
		Short: "Print an area's root-to-self path, resolved from parent pointers",
		Args:  cobra.ExactArgs(1),
		RunE:  runAncestors,
	}

	historyCmd = &cobra.Command{
		Use:   "history",
		Short: "Print recent change-sets, newest first",
		Args:  cobra.NoArgs,
		RunE:  runHistory,
	}
)

func init() {
	treeCmd.Flags().IntVar(&flagDepth, "depth", 0, "maximum depth to print (0 = unlimited)")
	historyCmd.Flags().StringVar(&flagHistoryArea, "area", "", "only change-sets touching this area id")
	historyCmd.Flags().IntVar(&flagHistoryLimit, "limit", 20, "maximum change-sets to print")
}

func runTree(cmd *cobra.Command, args []string) error {
	return withCatalog(cmd, func(ctx context.Context, cat *catalog.Catalog) error {
		if len(args) == 0 {
			roots, err := cat.Query.ListRoots(ctx)
			if err != nil {
				return err
			}
			for _, root := range roots {
				printArea(root)
			}
			return nil
		}

		areaID, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("invalid area id %q: %w", args[0], err)
		}

		start, err := cat.Query.GetArea(ctx, areaID)
		if err != nil {
			return err
		}
		printArea(start)

		nodes, err := cat.Query.ListDescendants(ctx, areaID, flagDepth)
		if err != nil && !errors.Is(err, catalog.ErrTimeout) {
			return err
		}
		partial := errors.Is(err, catalog.ErrTimeout)

		baseDepth := len(start.Relations.Ancestors)
		for _, node := range nodes {
			indent := strings.Repeat("  ", len(node.Relations.Ancestors)-baseDepth)
			fmt.Printf("%s", indent)
			printArea(node)
		}
		if partial {
			fmt.Println("... (listing truncated by traversal deadline)")
		}
		return nil
	})
}

func runAncestors(cmd *cobra.Command, args []string) error {
	areaID, err := uuid.Parse(args[0])
	if err != nil {
		return fmt.Errorf("invalid area id %q: %w", args[0], err)
	}
	return withCatalog(cmd, func(ctx context.Context, cat *catalog.Catalog) error {
		chain, err := cat.Query.ResolveAncestors(ctx, areaID)
		if err != nil {
			return err
		}
		fmt.Println(pathOf(chain))
		return nil
	})
}

func runHistory(cmd *cobra.Command, args []string) error {
	return withCatalog(cmd, func(ctx context.Context, cat *catalog.Catalog) error {
		var (
			sets []*catalog.ChangeSet
			err  error
		)
		if flagHistoryArea != "" {
			areaID, parseErr := uuid.Parse(flagHistoryArea)
			if parseErr != nil {
				return fmt.Errorf("invalid --area %q: %w", flagHistoryArea, parseErr)
			}
			sets, err = cat.Query.GetChangeSetsFor(ctx, areaID)
		} else {
			sets, err = cat.Query.GetChangeSets(ctx, flagHistoryLimit)
		}
		if err != nil {
			return err
		}
		if len(sets) > flagHistoryLimit && flagHistoryLimit > 0 {
			sets = sets[:flagHistoryLimit]
		}

		for _, cs := range sets {
			fmt.Printf("%s  %-14s %s  by %s\n",
				cs.CreatedAt.Format("2006-01-02 15:04:05"), cs.Operation, cs.ID, cs.EditedBy)
			for _, rec := range cs.Changes {
				fmt.Printf("    seq %2d  %-6s %s (%s)\n", rec.Seq, rec.DBOp, rec.FullDocument.Name, rec.DocID)
			}
		}
		return nil
	})
}
