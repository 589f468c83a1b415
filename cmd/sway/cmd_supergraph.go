package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/Peleke/MindMirror-sub002/platform"
)

// supergraphCmd inspects the composed supergraph
var supergraphCmd = &cobra.Command{
	Use:   "supergraph",
	Short: "Show the current supergraph artifact",
	RunE:  runSupergraph,
}

var supergraphHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "List stored supergraph artifacts, newest first",
	RunE:  runSupergraphHistory,
}

// composeCmd recomposes outside a release
var composeCmd = &cobra.Command{
	Use:   "compose",
	Short: "Recompose the supergraph from recorded service URLs",
	Long: `Recompose the supergraph from the currently recorded service URLs and
roll the gateway onto the result. Use this after registry changes that
did not go through a release. The previous artifact is restored if the
gateway fails verification.`,
	RunE: runCompose,
}

var (
	graphEnv string
	graphSDL bool
)

func init() {
	supergraphCmd.AddCommand(supergraphHistoryCmd)
	for _, cmd := range []*cobra.Command{supergraphCmd, supergraphHistoryCmd, composeCmd} {
		cmd.Flags().StringVarP(&graphEnv, "env", "e", "",
			"Environment, defaults to the daemon's own")
	}
	supergraphCmd.Flags().BoolVar(&graphSDL, "sdl", false,
		"Print the supergraph SDL instead of the summary")
}

func envQuery() string {
	if graphEnv == "" {
		return ""
	}
	return "?env=" + graphEnv
}

func runSupergraph(_ *cobra.Command, _ []string) error {
	var artifact platform.Supergraph
	if err := newClient().get("/api/supergraph"+envQuery(), &artifact); err != nil {
		return err
	}

	if graphSDL {
		fmt.Print(artifact.SDL)
		return nil
	}

	fmt.Printf("environment: %s\nhash: %s\nservices: %d\n\n",
		artifact.Environment, artifact.Hash, len(artifact.ServiceURLs))
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "FIELD\tSERVICE")
	for field, service := range artifact.Routing {
		fmt.Fprintf(w, "%s\t%s\n", field, service)
	}
	return w.Flush()
}

func runSupergraphHistory(_ *cobra.Command, _ []string) error {
	var out map[string]any
	if err := newClient().get("/api/supergraph/history"+envQuery(), &out); err != nil {
		return err
	}
	return printJSON(out)
}

func runCompose(_ *cobra.Command, _ []string) error {
	var out map[string]any
	if err := newClient().post("/api/supergraph/compose"+envQuery(), nil, &out); err != nil {
		return err
	}
	fmt.Printf("supergraph recomposed: hash %v, %v services\n", out["hash"], out["services"])
	return nil
}
