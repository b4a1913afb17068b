// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/mknyszek/leaktrace/analysis/builtin"
)

var stagesCmd = &cobra.Command{
	Use:   "stages",
	Short: "List the available analysis stages",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		table := tablewriter.NewWriter(os.Stdout)
		table.SetHeader([]string{"Stage", "Description"})
		table.SetAutoFormatHeaders(false)
		table.SetBorder(false)
		table.SetAlignment(tablewriter.ALIGN_LEFT)
		for _, d := range builtin.Registry().Descriptors() {
			table.Append([]string{d.Name, d.Description})
		}
		table.Render()
		return nil
	},
}
