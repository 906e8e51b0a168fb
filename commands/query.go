// Copyright (C) 2021 Toitware ApS.
//
// This library is free software; you can redistribute it and/or
// modify it under the terms of the GNU Lesser General Public
// License as published by the Free Software Foundation; version
// 2.1 only.
//
// This library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the GNU
// Lesser General Public License for more details.
//
// The license can be found in the file `LICENSE` in the top level
// directory of this repository.

package commands

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"github.com/toitlang/trove/pkg/trove"
	"github.com/toitlang/trove/pkg/trovesource"
)

func (h *troveHandler) addQueryCommands(cmd *cobra.Command, errorCfgRun func(CobraErrorCommand) CobraCommand) {
	queryCmd := &cobra.Command{
		Use:   "query [<spec>...]",
		Short: "Lists installed or available troves",
		Long: `Lists troves matching the given specs.

A spec has the form 'name[=version][[flavor]]'. Names starting with '/'
are paths and match the troves owning that path.

Without '--remote' the local database is searched and no spec lists
every installed trove. With '--remote' the repositories of the install
label path are searched.`,
		Example: `  # List everything that is installed.
  trove query

  # Find the newest foo on the install label path.
  trove query --remote foo

  # Every version of foo on a label, with all flavors.
  trove query --remote --all-versions --all-flavors foo=example.com@rpl:devel`,
		Run:     errorCfgRun(h.query),
		Args:    cobra.ArbitraryArgs,
		Aliases: []string{"q"},
	}
	queryCmd.Flags().Bool("remote", false, "search the repositories instead of the database")
	queryCmd.Flags().Bool("all-versions", false, "show every version instead of the newest")
	queryCmd.Flags().Bool("all-flavors", false, "show every flavor instead of the best")
	queryCmd.Flags().BoolP("files", "l", false, "list the files of every match")
	queryCmd.Flags().BoolP("info", "i", false, "show details of every match")
	cmd.AddCommand(queryCmd)
}

func (h *troveHandler) query(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	remote, err := cmd.Flags().GetBool("remote")
	if err != nil {
		return err
	}
	allVersions, err := cmd.Flags().GetBool("all-versions")
	if err != nil {
		return err
	}
	allFlavors, err := cmd.Flags().GetBool("all-flavors")
	if err != nil {
		return err
	}
	listFiles, err := cmd.Flags().GetBool("files")
	if err != nil {
		return err
	}
	info, err := cmd.Flags().GetBool("info")
	if err != nil {
		return err
	}
	specs, err := parseSpecs(args)
	if err != nil {
		return err
	}

	var src trovesource.Source
	var tups []trove.Tuple
	if remote {
		if len(specs) == 0 {
			return h.ui.ReportError("--remote needs at least one trove spec")
		}
		tr, err := h.transport()
		if err != nil {
			return err
		}
		labels, err := h.labelPath()
		if err != nil {
			return err
		}
		stack, _, err := h.remoteSource(tr, labels)
		if err != nil {
			return err
		}
		opts, err := h.findOptions(nil)
		if err != nil {
			return err
		}
		opts.AllVersions = allVersions
		opts.AllFlavors = allFlavors
		opts.AcrossLabels = allVersions
		if tups, err = findInOrder(ctx, stack, specs, opts); err != nil {
			return err
		}
		src = stack
	} else {
		db, err := h.openDB()
		if err != nil {
			return err
		}
		defer db.Close()
		if len(specs) == 0 {
			tups, err = db.AllTroves(ctx)
		} else {
			tups, err = findInOrder(ctx, db, specs, trovesource.FindOptions{Log: h.log})
		}
		if err != nil {
			return err
		}
		src = db
	}

	if !listFiles && !info {
		for _, tup := range tups {
			fmt.Fprintln(cmd.OutOrStdout(), tup.String())
		}
		return nil
	}
	troves, err := src.GetTroves(ctx, tups, listFiles)
	if err != nil {
		return err
	}
	for i, trv := range troves {
		if trv == nil {
			h.ui.ReportWarning("%s disappeared", tups[i])
			continue
		}
		printTrove(cmd.OutOrStdout(), trv, info, listFiles)
	}
	return nil
}

// findInOrder resolves specs and returns the matches in spec order.
func findInOrder(ctx context.Context, src trovesource.Source, specs []trovesource.Spec, opts trovesource.FindOptions) ([]trove.Tuple, error) {
	results, err := trovesource.FindTroves(ctx, src, specs, opts)
	if err != nil {
		return nil, err
	}
	var tups []trove.Tuple
	seen := map[string]bool{}
	for _, spec := range specs {
		matches := results[spec]
		trove.SortTuples(matches)
		for _, tup := range matches {
			if !seen[tup.Key()] {
				seen[tup.Key()] = true
				tups = append(tups, tup)
			}
		}
	}
	return tups, nil
}

func printTrove(w io.Writer, trv *trove.Trove, info bool, listFiles bool) {
	fmt.Fprintln(w, trv.Tuple().String())
	if info {
		if src := trv.SourceName(); src != "" {
			fmt.Fprintf(w, "  Source    : %s\n", src)
		}
		fmt.Fprintf(w, "  Flavor    : %s\n", trv.Flavor())
		if p := trv.Provides(); p != nil && !p.IsEmpty() {
			fmt.Fprintf(w, "  Provides  : %s\n", p)
		}
		if r := trv.Requires(); r != nil && !r.IsEmpty() {
			fmt.Fprintf(w, "  Requires  : %s\n", r)
		}
		for _, ref := range trv.Troves() {
			marker := ""
			if !ref.ByDefault {
				marker = " (not by default)"
			}
			fmt.Fprintf(w, "  Includes  : %s%s\n", ref.Tuple, marker)
		}
	}
	if listFiles {
		for _, ref := range trv.Files() {
			fmt.Fprintf(w, "  %s\n", ref.Path)
		}
	}
}
