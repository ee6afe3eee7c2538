package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"appraise.org/internal/audit"
	"appraise.org/internal/store/memstore"
	"appraise.org/internal/store/pg"
	"appraise.org/internal/tenant"
)

var (
	sampleSize  int
	concurrency int
	verifyWait  time.Duration
)

var errIsolationViolated = errors.New("tenant isolation violated")

// verificationStore is what a verification run reads and audits into.
type verificationStore interface {
	tenant.Source
	audit.Sink
}

func init() {
	isolationCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(isolationCmd)

	verifyCmd.Flags().IntVar(&sampleSize, "sample", 200, "Rows sampled per table")
	verifyCmd.Flags().IntVar(&concurrency, "concurrency", 4, "Checks run in parallel")
	verifyCmd.Flags().DurationVar(&verifyWait, "timeout", 2*time.Minute, "Overall timeout")
}

var isolationCmd = &cobra.Command{
	Use:   "isolation",
	Short: "Tenant isolation checks",
}

var verifyCmd = &cobra.Command{
	Use:   "verify <organization-id>",
	Short: "Sample scoped tables and probe foreign keys for cross-organization rows",
	Long: `Run every tenant isolation check for one organization and record the
outcome in its audit log. Exits non-zero when a violation is found.

Examples:
  apprctl isolation verify org-demo
  apprctl isolation verify org-demo -o json --dsn postgres://...`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), verifyWait)
		defer cancel()

		st, closeStore, err := openVerificationStore(ctx)
		if err != nil {
			return err
		}
		defer closeStore()

		report, err := runVerification(ctx, st, args[0])
		if err != nil {
			return err
		}
		if outputFormat != "table" {
			if err := formatOutput(cmd.OutOrStdout(), report); err != nil {
				return err
			}
		} else {
			printReport(cmd.OutOrStdout(), report)
		}
		if !report.Passed() {
			return errIsolationViolated
		}
		return nil
	},
}

func openVerificationStore(ctx context.Context) (verificationStore, func(), error) {
	if dsn == "" {
		mem := memstore.New()
		if err := memstore.SeedDemo(mem); err != nil {
			return nil, nil, err
		}
		return mem, func() {}, nil
	}
	st, err := pg.Open(dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	if err := st.Ping(ctx); err != nil {
		_ = st.Close()
		return nil, nil, fmt.Errorf("ping database: %w", err)
	}
	return st, func() { _ = st.Close() }, nil
}

func runVerification(ctx context.Context, st verificationStore, organizationID string) (tenant.Report, error) {
	rec := audit.NewRecorder(st, audit.WithoutLogMirror())
	v, err := tenant.NewVerifier(st, rec, tenant.WithSampleSize(sampleSize), tenant.WithConcurrency(concurrency))
	if err != nil {
		return tenant.Report{}, err
	}
	return v.VerifyAs(ctx, audit.Actor{UserID: "apprctl", OrganizationID: organizationID}, organizationID)
}

func printReport(w io.Writer, r tenant.Report) {
	status := okFmt("PASS")
	if !r.Passed() {
		status = errFmt("FAIL")
	} else if len(r.Warnings) > 0 {
		status = warnFmt("INCONCLUSIVE")
	}
	fmt.Fprintf(w, "Organization: %s\n", r.OrganizationID)
	fmt.Fprintf(w, "Status:       %s\n", status)
	fmt.Fprintf(w, "Checks:       %d %s\n", r.Checks, dimFmt(fmt.Sprintf("(%s)", r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond))))

	if len(r.Violations) == 0 && len(r.Warnings) == 0 {
		return
	}
	fmt.Fprintln(w)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "CHECK\tRESULT\tDETAIL")
	for _, v := range r.Violations {
		fmt.Fprintf(tw, "%s\t%s\t%d foreign row(s)\n", v.Check, errFmt("VIOLATION"), v.Rows)
	}
	for _, wr := range r.Warnings {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", wr.Check, warnFmt("WARNING"), wr.Error)
	}
	tw.Flush()
}
