package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/Peleke/MindMirror-sub002/pipeline"
)

// pipelinesCmd inspects and drives GitOps pipeline runs
var pipelinesCmd = &cobra.Command{
	Use:   "pipelines [id]",
	Short: "List pipeline runs, or show one",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runPipelines,
}

var pipelinesApproveCmd = &cobra.Command{
	Use:   "approve <run-id>",
	Short: "Approve a run held at the production gate",
	Args:  cobra.ExactArgs(1),
	RunE:  pipelineDecision("approve"),
}

var pipelinesRejectCmd = &cobra.Command{
	Use:   "reject <run-id>",
	Short: "Reject a run held at the production gate",
	Args:  cobra.ExactArgs(1),
	RunE:  pipelineDecision("reject"),
}

var pipelinesResumeCmd = &cobra.Command{
	Use:   "resume <run-id>",
	Short: "Requeue an interrupted run",
	Args:  cobra.ExactArgs(1),
	RunE:  runPipelineResume,
}

var (
	runApprover string
	runReason   string
)

func init() {
	pipelinesCmd.AddCommand(pipelinesApproveCmd, pipelinesRejectCmd, pipelinesResumeCmd)
	for _, cmd := range []*cobra.Command{pipelinesApproveCmd, pipelinesRejectCmd} {
		cmd.Flags().StringVar(&runApprover, "approver", "", "Who is deciding (required)")
		cmd.Flags().StringVar(&runReason, "reason", "", "Decision reason")
		_ = cmd.MarkFlagRequired("approver")
	}
}

func runPipelines(_ *cobra.Command, args []string) error {
	client := newClient()

	if len(args) == 1 {
		var run pipeline.Run
		if err := client.get("/api/pipelines/"+args[0], &run); err != nil {
			return err
		}
		return printJSON(run)
	}

	var out struct {
		Runs  []pipeline.Run `json:"runs"`
		Count int            `json:"count"`
	}
	if err := client.get("/api/pipelines", &out); err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tREPO\tBRANCH\tCOMMIT\tENV\tSTAGE\tRELEASE")
	for _, run := range out.Runs {
		commit := run.Commit
		if len(commit) > 8 {
			commit = commit[:8]
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			run.ID, run.Repo, run.Branch, commit, run.Environment, run.Stage, run.ReleaseID)
	}
	return w.Flush()
}

func pipelineDecision(verb string) func(*cobra.Command, []string) error {
	return func(_ *cobra.Command, args []string) error {
		var run pipeline.Run
		err := newClient().post("/api/pipelines/"+args[0]+"/"+verb, map[string]string{
			"approver": runApprover,
			"reason":   runReason,
		}, &run)
		if err != nil {
			return err
		}
		fmt.Printf("run %s is now %s\n", run.ID, run.Stage)
		return nil
	}
}

func runPipelineResume(_ *cobra.Command, args []string) error {
	var run pipeline.Run
	if err := newClient().post("/api/pipelines/"+args[0]+"/resume", nil, &run); err != nil {
		return err
	}
	fmt.Printf("run %s requeued at %s\n", run.ID, run.Stage)
	return nil
}
