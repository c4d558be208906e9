package cmd

import (
	"fmt"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"sweepdesk.io/internal/app"
	"sweepdesk.io/internal/auth"
)

var catalogFile string

func init() {
	catalogCmd.PersistentFlags().StringVar(&catalogFile, "catalog", "", "Catalog YAML (default: embedded catalog)")
	catalogCmd.AddCommand(catalogValidateCmd, catalogRolesCmd)
	rootCmd.AddCommand(catalogCmd)
}

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "Inspect the permission catalog",
}

type roleSummary struct {
	Key         string   `json:"key" yaml:"key"`
	Group       string   `json:"group" yaml:"group"`
	Permissions []string `json:"permissions" yaml:"permissions"`
}

var catalogValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Parse the catalog and check the built-in roles and keys",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := app.LoadCatalog(catalogFile)
		if err != nil {
			return err
		}
		if err := c.ValidateBuiltins(); err != nil {
			return err
		}
		summary := map[string]int{"roles": len(c.Roles()), "permissions": len(c.Permissions())}
		if done, err := formatOutput(cmd.OutOrStdout(), summary); done {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "catalog ok: %d roles, %d permissions\n", summary["roles"], summary["permissions"])
		return nil
	},
}

var catalogRolesCmd = &cobra.Command{
	Use:   "roles",
	Short: "List roles with their resolved permissions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := app.LoadCatalog(catalogFile)
		if err != nil {
			return err
		}
		roles := summarizeRoles(c)
		if done, err := formatOutput(cmd.OutOrStdout(), roles); done {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ROLE\tGROUP\tPERMISSIONS")
		for _, r := range roles {
			fmt.Fprintf(w, "%s\t%s\t%d\n", r.Key, r.Group, len(r.Permissions))
		}
		return w.Flush()
	},
}

func summarizeRoles(c *auth.Catalog) []roleSummary {
	var out []roleSummary
	for _, def := range c.Roles() {
		keys := make([]string, 0)
		for k := range c.Resolve(def.Key) {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out = append(out, roleSummary{Key: def.Key, Group: def.Group, Permissions: keys})
	}
	return out
}
