package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/Peleke/MindMirror-sub002/secrets"
)

// secretsCmd checks secret resolution on this host
var secretsCmd = &cobra.Command{
	Use:   "secrets",
	Short: "Work with platform secrets",
}

var secretsCheckCmd = &cobra.Command{
	Use:   "check <name> [name ...]",
	Short: "Check whether secrets resolve on this host",
	Long: `Check secret resolution using the platform convention: a file at
<mount-dir>/<name>/<name>, falling back to the uppercase environment
variable (database-url falls back to DATABASE_URL). Values are never
printed, only their source and length.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSecretsCheck,
}

var secretsMountDir string

func init() {
	secretsCmd.AddCommand(secretsCheckCmd)
	secretsCheckCmd.Flags().StringVar(&secretsMountDir, "mount-dir",
		secrets.DefaultMountDir, "Secret mount directory")
}

func runSecretsCheck(_ *cobra.Command, args []string) error {
	resolver := secrets.NewResolver(
		secrets.WithMountDir(secretsMountDir),
		secrets.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SECRET\tFOUND\tSOURCE\tLENGTH")
	missing := 0
	for _, name := range args {
		secret, err := resolver.Resolve(name)
		switch {
		case err != nil:
			fmt.Fprintf(w, "%s\terror\t%v\t\n", name, err)
			missing++
		case secret == nil:
			fmt.Fprintf(w, "%s\tno\t\t\n", name)
			missing++
		default:
			fmt.Fprintf(w, "%s\tyes\t%s\t%d\n", name, secret.Source, len(secret.Value))
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}

	if missing > 0 {
		return fmt.Errorf("%d of %d secrets did not resolve", missing, len(args))
	}
	return nil
}
