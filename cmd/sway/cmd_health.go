package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/Peleke/MindMirror-sub002/healthcheck"
)

// healthCmd reports control-plane health
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Show control-plane service health",
	RunE:  runHealth,
}

func runHealth(_ *cobra.Command, _ []string) error {
	var out struct {
		Overall  healthcheck.Status   `json:"overall"`
		Services []healthcheck.Status `json:"services"`
	}
	if err := newClient().get("/services/health", &out); err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SERVICE\tSTATUS\tMESSAGE")
	for _, status := range out.Services {
		fmt.Fprintf(w, "%s\t%s\t%s\n", status.Component, status.Status, status.Message)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	fmt.Printf("\noverall: %s\n", out.Overall.Status)
	if out.Overall.IsUnhealthy() {
		os.Exit(1)
	}
	return nil
}
