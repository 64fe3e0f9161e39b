package main

import (
	"fmt"
	"text/tabwriter"

	"cdpmock/pkg/api"
	"cdpmock/pkg/model"

	"github.com/spf13/cobra"
)

var targetsCmd = &cobra.Command{
	Use:   "targets",
	Short: "List attachable browser targets",
	RunE:  runTargets,
}

func init() {
	rootCmd.AddCommand(targetsCmd)
}

func runTargets(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	svc, err := api.NewService(cfg, newLogger(cfg, true))
	if err != nil {
		return err
	}
	defer svc.Close()

	id, err := svc.StartSession(model.SessionConfig{})
	if err != nil {
		return err
	}
	targets, err := svc.ListTargets(id)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTYPE\tTITLE\tURL")
	for _, t := range targets {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", t.ID, t.Type, t.Title, t.URL)
	}
	return w.Flush()
}
