// Copyright (C) 2025 OpenCrag (maintainers@opencrag.org)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/opencrag/atlas/services/catalog"
)

var (
	flagParent  string
	flagCountry string
	flagLeaf    bool
	flagBoulder bool

	addCountryCmd = &cobra.Command{
		Use:   "add-country [iso-code]",
		Short: "Create the root area for a country",
		Long:  `Creates a country root area from an ISO alpha-2 or alpha-3 code. The root's id is derived from the code, so repeating the command is an error rather than a duplicate.`,
		Args:  cobra.ExactArgs(1),
		RunE:  runAddCountry,
	}

	addAreaCmd = &cobra.Command{
		Use:   "add-area [name]",
		Short: "Create an area under a parent area or country",
		Args:  cobra.ExactArgs(1),
		RunE:  runAddArea,
	}

	renameCmd = &cobra.Command{
		Use:   "rename [area-id] [new-name]",
		Short: "Rename an area and propagate the name through its subtree",
		Args:  cobra.ExactArgs(2),
		RunE:  runRename,
	}

	describeCmd = &cobra.Command{
		Use:   "describe [area-id] [description]",
		Short: "Set an area's description",
		Args:  cobra.ExactArgs(2),
		RunE:  runDescribe,
	}

	moveCmd = &cobra.Command{
		Use:   "move [area-id] [new-parent-id]",
		Short: "Move an area and its whole subtree under a new parent",
		Args:  cobra.ExactArgs(2),
		RunE:  runMove,
	}

	deleteCmd = &cobra.Command{
		Use:   "delete [area-id]",
		Short: "Mark an empty area for deletion",
		Args:  cobra.ExactArgs(1),
		RunE:  runDelete,
	}

	orderCmd = &cobra.Command{
		Use:   "order [area-id]...",
		Short: "Assign manual sibling sort order from argument position",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runOrder,
	}

	sweepCmd = &cobra.Command{
		Use:   "sweep",
		Short: "Physically remove areas whose deletion retention has expired",
		Args:  cobra.NoArgs,
		RunE:  runSweep,
	}
)

func init() {
	addAreaCmd.Flags().StringVar(&flagParent, "parent", "", "parent area id (UUID)")
	addAreaCmd.Flags().StringVar(&flagCountry, "country", "", "parent country ISO code")
	addAreaCmd.Flags().BoolVar(&flagLeaf, "leaf", false, "create as a climbable leaf area")
	addAreaCmd.Flags().BoolVar(&flagBoulder, "boulder", false, "create as a boulder (implies leaf)")
}

func runAddCountry(cmd *cobra.Command, args []string) error {
	editor, err := editorID()
	if err != nil {
		return err
	}
	return withCatalog(cmd, func(ctx context.Context, cat *catalog.Catalog) error {
		node, err := cat.Mutator.AddCountry(ctx, editor, args[0])
		if err != nil {
			return err
		}
		printArea(node)
		return nil
	})
}

func runAddArea(cmd *cobra.Command, args []string) error {
	editor, err := editorID()
	if err != nil {
		return err
	}

	opts := catalog.AddAreaOptions{
		Editor:      editor,
		Name:        args[0],
		CountryCode: flagCountry,
	}
	if flagParent != "" {
		parentID, err := uuid.Parse(flagParent)
		if err != nil {
			return fmt.Errorf("invalid --parent %q: %w", flagParent, err)
		}
		opts.ParentPublicID = &parentID
	}
	if flagLeaf {
		opts.IsLeaf = &flagLeaf
	}
	if flagBoulder {
		opts.IsBoulder = &flagBoulder
	}

	return withCatalog(cmd, func(ctx context.Context, cat *catalog.Catalog) error {
		node, err := cat.Mutator.AddArea(ctx, opts)
		if err != nil {
			return err
		}
		printArea(node)
		return nil
	})
}

func runRename(cmd *cobra.Command, args []string) error {
	editor, err := editorID()
	if err != nil {
		return err
	}
	areaID, err := uuid.Parse(args[0])
	if err != nil {
		return fmt.Errorf("invalid area id %q: %w", args[0], err)
	}

	return withCatalog(cmd, func(ctx context.Context, cat *catalog.Catalog) error {
		node, err := cat.Mutator.UpdateArea(ctx, catalog.UpdateAreaOptions{
			Editor:       editor,
			AreaPublicID: areaID,
			Name:         &args[1],
		})
		if err != nil {
			return err
		}
		printArea(node)
		return nil
	})
}

func runDescribe(cmd *cobra.Command, args []string) error {
	editor, err := editorID()
	if err != nil {
		return err
	}
	areaID, err := uuid.Parse(args[0])
	if err != nil {
		return fmt.Errorf("invalid area id %q: %w", args[0], err)
	}

	return withCatalog(cmd, func(ctx context.Context, cat *catalog.Catalog) error {
		_, err := cat.Mutator.UpdateArea(ctx, catalog.UpdateAreaOptions{
			Editor:       editor,
			AreaPublicID: areaID,
			Description:  &args[1],
		})
		return err
	})
}

func runMove(cmd *cobra.Command, args []string) error {
	editor, err := editorID()
	if err != nil {
		return err
	}
	areaID, err := uuid.Parse(args[0])
	if err != nil {
		return fmt.Errorf("invalid area id %q: %w", args[0], err)
	}
	parentID, err := uuid.Parse(args[1])
	if err != nil {
		return fmt.Errorf("invalid parent id %q: %w", args[1], err)
	}

	return withCatalog(cmd, func(ctx context.Context, cat *catalog.Catalog) error {
		node, err := cat.Mutator.SetAreaParent(ctx, editor, areaID, parentID)
		if err != nil {
			return err
		}
		printArea(node)
		return nil
	})
}

func runDelete(cmd *cobra.Command, args []string) error {
	editor, err := editorID()
	if err != nil {
		return err
	}
	areaID, err := uuid.Parse(args[0])
	if err != nil {
		return fmt.Errorf("invalid area id %q: %w", args[0], err)
	}

	return withCatalog(cmd, func(ctx context.Context, cat *catalog.Catalog) error {
		node, err := cat.Mutator.DeleteArea(ctx, editor, areaID)
		if err != nil {
			return err
		}
		fmt.Printf("%s marked for deletion\n", node.PublicID)
		return nil
	})
}

func runOrder(cmd *cobra.Command, args []string) error {
	editor, err := editorID()
	if err != nil {
		return err
	}

	input := make([]catalog.SortingOrderInput, 0, len(args))
	for i, arg := range args {
		id, err := uuid.Parse(arg)
		if err != nil {
			return fmt.Errorf("invalid area id %q: %w", arg, err)
		}
		input = append(input, catalog.SortingOrderInput{AreaPublicID: id, LeftRightIndex: i})
	}

	return withCatalog(cmd, func(ctx context.Context, cat *catalog.Catalog) error {
		ordered, err := cat.Mutator.UpdateSortingOrder(ctx, editor, input)
		if err != nil {
			return err
		}
		fmt.Printf("ordered %d areas\n", len(ordered))
		return nil
	})
}

func runSweep(cmd *cobra.Command, args []string) error {
	return withCatalog(cmd, func(ctx context.Context, cat *catalog.Catalog) error {
		removed, err := cat.Sweeper().SweepOnce(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("removed %d expired areas\n", removed)
		return nil
	})
}
