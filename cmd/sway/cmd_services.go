package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/Peleke/MindMirror-sub002/platform"
	"github.com/Peleke/MindMirror-sub002/registry"
)

// servicesCmd manages the platform service catalog
var servicesCmd = &cobra.Command{
	Use:   "services",
	Short: "Manage the platform service catalog",
}

var servicesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered services",
	RunE:  runServicesList,
}

var servicesGetCmd = &cobra.Command{
	Use:   "get <name>",
	Short: "Show one service record",
	Args:  cobra.ExactArgs(1),
	RunE:  runServicesGet,
}

var servicesRegisterCmd = &cobra.Command{
	Use:   "register <spec.yaml>",
	Short: "Register a service from a spec file",
	Long: `Register a service with the platform catalog. The spec file is YAML
(JSON works too; it is a YAML subset):

  name: journal
  port: 4001
  graphql_path: /graphql
  owned_tables: [journal_entries]
  depends_on: [users]`,
	Args: cobra.ExactArgs(1),
	RunE: runServicesRegister,
}

var servicesRemoveCmd = &cobra.Command{
	Use:   "remove <name>",
	Short: "Remove a service from the catalog",
	Args:  cobra.ExactArgs(1),
	RunE:  runServicesRemove,
}

func init() {
	servicesCmd.AddCommand(servicesListCmd, servicesGetCmd, servicesRegisterCmd, servicesRemoveCmd)
}

func runServicesList(_ *cobra.Command, _ []string) error {
	var out struct {
		Services []registry.Record `json:"services"`
		Count    int               `json:"count"`
	}
	if err := newClient().get("/api/services", &out); err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tPORT\tGRAPHQL\tDEPENDS ON\tURLS")
	for _, record := range out.Services {
		fmt.Fprintf(w, "%s\t%d\t%s\t%v\t%d\n",
			record.Spec.Name, record.Spec.Port, record.Spec.GraphQLPath,
			record.Spec.DependsOn, len(record.URLs))
	}
	return w.Flush()
}

func runServicesGet(_ *cobra.Command, args []string) error {
	var record registry.Record
	if err := newClient().get("/api/services/"+args[0], &record); err != nil {
		return err
	}
	return printJSON(record)
}

func runServicesRegister(_ *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read spec file: %w", err)
	}
	var spec platform.ServiceSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return fmt.Errorf("parse spec file: %w", err)
	}

	var out map[string]any
	if err := newClient().post("/api/services", spec, &out); err != nil {
		return err
	}
	fmt.Printf("registered %s\n", spec.Name)
	return nil
}

func runServicesRemove(_ *cobra.Command, args []string) error {
	if err := newClient().delete("/api/services/" + args[0]); err != nil {
		return err
	}
	fmt.Printf("removed %s\n", args[0])
	return nil
}
