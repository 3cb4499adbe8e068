package main

import (
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/mrsinham/lungmask/internal/config"
	"github.com/mrsinham/lungmask/internal/metadata"
)

func newTagsCommand(a *app) *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "tags",
		Short: "List the DICOM attributes kept in single-volume outputs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Default()
			if configPath != "" {
				loaded, err := config.Load(configPath)
				if err != nil {
					return err
				}
				cfg = *loaded
			}
			policy, err := cfg.Policy()
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(a.stdout, renderPolicy(policy))
			return err
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Configuration file (.yaml, .yml or .toml)")
	return cmd
}

func renderPolicy(p metadata.Policy) string {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)
	tw.AppendHeader(table.Row{"Scope", "Key", "Attribute"})
	for _, e := range p.Entries() {
		tw.AppendRow(table.Row{e.Scope.String(), string(e.Key), e.Name})
	}
	tw.AppendFooter(table.Row{"", "", fmt.Sprintf("%d attributes", len(p.Entries()))})
	return tw.Render()
}
