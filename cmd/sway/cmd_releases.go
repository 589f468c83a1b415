package main

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/Peleke/MindMirror-sub002/platform"
)

// releasesCmd inspects releases
var releasesCmd = &cobra.Command{
	Use:   "releases [id]",
	Short: "List releases, or show one with its deployments",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runReleases,
}

var (
	releasesState string
	releasesAt    string
)

// deployCmd creates a release and starts its rollout
var deployCmd = &cobra.Command{
	Use:   "deploy <service=image:tag> [service=image:tag ...]",
	Short: "Create a release and deploy it",
	Long: `Create a release pinning the given service versions and start the
two-phase rollout: services first, then gateway recomposition.

  sway deploy journal=mindmirror/journal:v1.4.0 agent=mindmirror/agent:v2.0.1

Production deploys pause at the approval gate; decide them with
"sway approve" or "sway reject".`,
	Args: cobra.MinimumNArgs(1),
	RunE: runDeploy,
}

var (
	deployEnv  string
	deployOnly bool
)

// approveCmd decides a held production release
var approveCmd = &cobra.Command{
	Use:   "approve <release-id>",
	Short: "Approve a release held at the production gate",
	Args:  cobra.ExactArgs(1),
	RunE:  decisionRunner("approve"),
}

var rejectCmd = &cobra.Command{
	Use:   "reject <release-id>",
	Short: "Reject a release held at the production gate",
	Args:  cobra.ExactArgs(1),
	RunE:  decisionRunner("reject"),
}

var (
	decisionApprover string
	decisionReason   string
)

// rollbackCmd reverts a release
var rollbackCmd = &cobra.Command{
	Use:   "rollback <release-id>",
	Short: "Roll a release back to the previous versions",
	Args:  cobra.ExactArgs(1),
	RunE:  runRollback,
}

func init() {
	releasesCmd.Flags().StringVar(&releasesState, "state", "",
		"Filter by release state (pending, deploying, awaiting_approval, ...)")
	releasesCmd.Flags().StringVar(&releasesAt, "at", "",
		"Show the release as it stood at an RFC3339 timestamp (single release only)")

	deployCmd.Flags().StringVarP(&deployEnv, "env", "e", "dev",
		"Target environment: dev, staging, production")
	deployCmd.Flags().BoolVar(&deployOnly, "create-only", false,
		"Create the release without deploying it")

	for _, cmd := range []*cobra.Command{approveCmd, rejectCmd} {
		cmd.Flags().StringVar(&decisionApprover, "approver", "",
			"Who is deciding (required)")
		cmd.Flags().StringVar(&decisionReason, "reason", "", "Decision reason")
		_ = cmd.MarkFlagRequired("approver")
	}
}

func runReleases(_ *cobra.Command, args []string) error {
	client := newClient()

	if len(args) == 1 {
		path := "/api/releases/" + args[0]
		if releasesAt != "" {
			path += "?at=" + url.QueryEscape(releasesAt)
		}
		var out map[string]any
		if err := client.get(path, &out); err != nil {
			return err
		}
		return printJSON(out)
	}
	if releasesAt != "" {
		return fmt.Errorf("--at needs a release ID")
	}

	path := "/api/releases"
	if releasesState != "" {
		path += "?state=" + releasesState
	}
	var out struct {
		Releases []platform.Release `json:"releases"`
		Count    int                `json:"count"`
	}
	if err := client.get(path, &out); err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tENV\tSTATE\tSERVICES\tCREATED")
	for _, release := range out.Releases {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
			release.ID, release.Environment, release.State,
			len(release.Services), release.CreatedAt.Format("2006-01-02 15:04:05"))
	}
	return w.Flush()
}

func runDeploy(_ *cobra.Command, args []string) error {
	versions, err := parseVersions(args)
	if err != nil {
		return err
	}

	client := newClient()
	var release platform.Release
	if err := client.post("/api/releases", map[string]any{
		"environment": deployEnv,
		"services":    versions,
	}, &release); err != nil {
		return err
	}
	fmt.Printf("release %s created (%s, %d services)\n",
		release.ID, release.Environment, len(release.Services))

	if deployOnly {
		return nil
	}

	var out map[string]any
	if err := client.post("/api/releases/"+release.ID+"/deploy", nil, &out); err != nil {
		return err
	}
	fmt.Printf("deploy started: follow with \"sway releases %s\" or \"sway tail\"\n", release.ID)
	return nil
}

// parseVersions turns service=image:tag arguments into service versions.
func parseVersions(args []string) ([]platform.ServiceVersion, error) {
	versions := make([]platform.ServiceVersion, 0, len(args))
	for _, arg := range args {
		name, ref, ok := strings.Cut(arg, "=")
		if !ok || name == "" || ref == "" {
			return nil, fmt.Errorf("invalid service version %q, want service=image:tag", arg)
		}
		image, tag := ref, "latest"
		if i := strings.LastIndex(ref, ":"); i > 0 {
			image, tag = ref[:i], ref[i+1:]
		}
		versions = append(versions, platform.ServiceVersion{Name: name, Image: image, Tag: tag})
	}
	return versions, nil
}

func decisionRunner(verb string) func(*cobra.Command, []string) error {
	return func(_ *cobra.Command, args []string) error {
		var release platform.Release
		err := newClient().post("/api/releases/"+args[0]+"/"+verb, map[string]string{
			"approver": decisionApprover,
			"reason":   decisionReason,
		}, &release)
		if err != nil {
			return err
		}
		fmt.Printf("release %s is now %s\n", release.ID, release.State)
		return nil
	}
}

func runRollback(_ *cobra.Command, args []string) error {
	var release platform.Release
	if err := newClient().post("/api/releases/"+args[0]+"/rollback", nil, &release); err != nil {
		return err
	}
	fmt.Printf("release %s rolled back\n", release.ID)
	return nil
}
