package cmd

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"appraise.org/internal/audit"
	"appraise.org/internal/auth"
)

type eventRow struct {
	Type     string `json:"type" yaml:"type"`
	Label    string `json:"label" yaml:"label"`
	Severity string `json:"severity" yaml:"severity"`
	Category string `json:"category" yaml:"category"`
	Security bool   `json:"security" yaml:"security"`
}

func init() {
	rootCmd.AddCommand(taxonomyCmd)
	rootCmd.AddCommand(permissionsCmd)
}

var taxonomyCmd = &cobra.Command{
	Use:   "taxonomy",
	Short: "List every audit event type with its label, severity and category",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		rows := taxonomyRows()
		if outputFormat != "table" {
			return formatOutput(cmd.OutOrStdout(), rows)
		}
		printTaxonomy(cmd.OutOrStdout(), rows)
		return nil
	},
}

var permissionsCmd = &cobra.Command{
	Use:   "permissions",
	Short: "Print which roles each permission resolves to",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		matrix := permissionMatrix()
		if outputFormat != "table" {
			return formatOutput(cmd.OutOrStdout(), matrix)
		}
		printMatrix(cmd.OutOrStdout(), matrix)
		return nil
	},
}

func taxonomyRows() []eventRow {
	all := audit.All()
	rows := make([]eventRow, 0, len(all))
	for _, d := range all {
		rows = append(rows, eventRow{
			Type:     string(d.Type),
			Label:    d.Label,
			Severity: string(d.Severity),
			Category: d.Category,
			Security: audit.IsSecurityEvent(audit.Entry{EventType: d.Type}),
		})
	}
	return rows
}

func printTaxonomy(w io.Writer, rows []eventRow) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TYPE\tLABEL\tSEVERITY\tCATEGORY\tSECURITY")
	for _, r := range rows {
		security := ""
		if r.Security {
			security = "yes"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r.Type, r.Label, severityFmt(r.Severity), r.Category, security)
	}
	tw.Flush()
}

func severityFmt(s string) string {
	switch audit.Severity(s) {
	case audit.SeverityDanger:
		return errFmt(s)
	case audit.SeverityWarning:
		return warnFmt(s)
	case audit.SeveritySuccess:
		return okFmt(s)
	}
	return s
}

// permissionMatrix maps each permission to the single roles that hold it.
func permissionMatrix() map[string][]string {
	out := make(map[string][]string)
	for _, p := range auth.Permissions() {
		holders := []string{}
		for _, r := range auth.AllRoles() {
			if auth.Allows(auth.NewRoleSet(r), p) {
				holders = append(holders, string(r))
			}
		}
		out[string(p)] = holders
	}
	return out
}

func printMatrix(w io.Writer, matrix map[string][]string) {
	roles := auth.AllRoles()
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprint(tw, "PERMISSION")
	for _, r := range roles {
		fmt.Fprintf(tw, "\t%s", r)
	}
	fmt.Fprintln(tw)
	for _, p := range auth.Permissions() {
		held := make(map[string]bool, len(matrix[string(p)]))
		for _, r := range matrix[string(p)] {
			held[r] = true
		}
		fmt.Fprint(tw, string(p))
		for _, r := range roles {
			cell := dimFmt("-")
			if held[string(r)] {
				cell = okFmt("x")
			}
			fmt.Fprintf(tw, "\t%s", cell)
		}
		fmt.Fprintln(tw)
	}
	tw.Flush()
}
