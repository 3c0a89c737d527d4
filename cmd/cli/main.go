package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/iho/payledger/internal/adapter/http/dto"
	"github.com/iho/payledger/internal/infrastructure/logging"
	"github.com/iho/payledger/internal/infrastructure/postgres"
)

// client talks to the payledger operator API.
type client struct {
	baseURL string
	http    *http.Client
}

func (c *client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(c.baseURL, "/")+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode >= 300 {
		return &statusError{Code: resp.StatusCode, Body: data}
	}

	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}

// statusError is a non-2xx API response.
type statusError struct {
	Code int
	Body []byte
}

func (e *statusError) Error() string {
	var apiErr dto.ErrorResponse
	if json.Unmarshal(e.Body, &apiErr) == nil && apiErr.Error != "" {
		if apiErr.Message != "" {
			return fmt.Sprintf("%s (status %d): %s", apiErr.Error, e.Code, apiErr.Message)
		}
		return fmt.Sprintf("%s (status %d)", apiErr.Error, e.Code)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.Code, truncate(string(e.Body), 200))
}

// decodeOn unmarshals the error body into out when the status matches.
// Endpoints such as the consistency check report a negative result with a
// non-2xx status and a normal body.
func decodeOn(err error, code int, out any) error {
	var se *statusError
	if errors.As(err, &se) && se.Code == code {
		if json.Unmarshal(se.Body, out) == nil {
			return nil
		}
	}
	return err
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		baseURL string
		timeout time.Duration
	)
	api := &client{}

	rootCmd := &cobra.Command{
		Use:          "payledger-cli",
		Short:        "Payledger operator CLI",
		Long:         `Inspect the ledger, drive reconciliation and run database migrations.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			api.baseURL = baseURL
			api.http = &http.Client{Timeout: timeout}
		},
	}

	rootCmd.PersistentFlags().StringVar(&baseURL, "url", "http://localhost:8080", "Base URL of the payledger API")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "Request timeout")

	rootCmd.AddCommand(newLedgerCmd(api), newReconcileCmd(api), newMigrateCmd())
	return rootCmd
}

func newLedgerCmd(api *client) *cobra.Command {
	ledgerCmd := &cobra.Command{
		Use:   "ledger",
		Short: "Ledger operations",
	}

	ledgerCmd.AddCommand(&cobra.Command{
		Use:   "consistency",
		Short: "Check that debits equal credits and no account is overdrawn",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var report dto.ConsistencyResponse
			err := api.do(cmd.Context(), http.MethodGet, "/api/v1/ledger/consistency", nil, &report)
			if err := decodeOn(err, http.StatusConflict, &report); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "CURRENCY\tDEBITS\tCREDITS\tENTRIES\tBALANCED")
			for _, c := range report.Currencies {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%t\n", c.Currency, c.TotalDebits.StringFixed(2), c.TotalCredits.StringFixed(2), c.EntryCount, c.Balanced)
			}
			_ = tw.Flush()

			if report.CurrencyMismatches > 0 {
				fmt.Fprintf(out, "Currency mismatches: %d\n", report.CurrencyMismatches)
			}
			if len(report.NegativeAccounts) > 0 {
				fmt.Fprintf(out, "Negative accounts: %s\n", strings.Join(report.NegativeAccounts, ", "))
			}

			if !report.Consistent {
				return fmt.Errorf("ledger is INCONSISTENT")
			}
			fmt.Fprintln(out, "Consistency check PASSED")
			return nil
		},
	})

	var entries int
	balanceCmd := &cobra.Command{
		Use:   "balance <account-id>",
		Short: "Show the derived balance of an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := url.PathEscape(args[0])
			var balance dto.BalanceResponse
			if err := api.do(cmd.Context(), http.MethodGet, "/api/v1/accounts/"+id+"/balance", nil, &balance); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s (%s) %s %s\n", balance.AccountID, balance.AccountType, balance.Balance.StringFixed(2), balance.Currency)

			if entries <= 0 {
				return nil
			}
			var list []dto.EntryResponse
			path := "/api/v1/accounts/" + id + "/entries?limit=" + strconv.Itoa(entries)
			if err := api.do(cmd.Context(), http.MethodGet, path, nil, &list); err != nil {
				return err
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ENTRY\tTYPE\tDEBIT\tCREDIT\tAMOUNT\tCREATED")
			for _, e := range list {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", e.ID, e.EntryType, truncate(e.DebitAccountID, 16), truncate(e.CreditAccountID, 16),
					e.Amount.StringFixed(2), e.CreatedAt.Format(time.RFC3339))
			}
			return tw.Flush()
		},
	}
	balanceCmd.Flags().IntVar(&entries, "entries", 0, "Also list this many recent entries")
	ledgerCmd.AddCommand(balanceCmd)

	return ledgerCmd
}

func newReconcileCmd(api *client) *cobra.Command {
	reconcileCmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Reconciliation against the payment processor",
	}

	var req dto.RunReconciliationRequest
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Start a reconciliation run and wait for its result",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var run dto.RunResponse
			if err := api.do(cmd.Context(), http.MethodPost, "/api/v1/reconciliation/runs", req, &run); err != nil {
				if decodeOn(err, http.StatusInternalServerError, &run) != nil || run.ID == "" {
					return err
				}
			}
			printRun(cmd.OutOrStdout(), &run)
			if run.ErrorMessage != "" {
				return fmt.Errorf("run %s failed: %s", run.ID, run.ErrorMessage)
			}
			return nil
		},
	}
	runCmd.Flags().StringVar(&req.Lookback, "lookback", "", "How far back to check records (e.g. 24h)")
	runCmd.Flags().StringVar(&req.StuckThreshold, "stuck-threshold", "", "Age after which pending records count as stuck (e.g. 2h)")
	runCmd.Flags().IntVar(&req.MaxRecords, "max-records", 0, "Cap on records checked per entity type")

	getCmd := &cobra.Command{
		Use:   "get <run-id>",
		Short: "Show a reconciliation run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var run dto.RunResponse
			if err := api.do(cmd.Context(), http.MethodGet, "/api/v1/reconciliation/runs/"+url.PathEscape(args[0]), nil, &run); err != nil {
				return err
			}
			printRun(cmd.OutOrStdout(), &run)
			return nil
		},
	}

	var (
		runID      string
		unreviewed bool
		limit      int
	)
	listCmd := &cobra.Command{
		Use:   "discrepancies",
		Short: "List recorded discrepancies",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if runID != "" {
				q.Set("run_id", runID)
			}
			if unreviewed {
				q.Set("unreviewed", "true")
			}
			q.Set("limit", strconv.Itoa(limit))

			var list []dto.DiscrepancyResponse
			if err := api.do(cmd.Context(), http.MethodGet, "/api/v1/reconciliation/discrepancies?"+q.Encode(), nil, &list); err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tENTITY\tTYPE\tLOCAL\tPROCESSOR\tRESOLUTION\tREVIEWED")
			for _, d := range list {
				fmt.Fprintf(tw, "%s\t%s/%s\t%s\t%s\t%s\t%s\t%t\n", d.ID, d.EntityType, truncate(d.EntityID, 16), d.Type,
					d.LocalState, d.ProcessorState, d.Resolution, d.Reviewed)
			}
			return tw.Flush()
		},
	}
	listCmd.Flags().StringVar(&runID, "run", "", "Only discrepancies from this run")
	listCmd.Flags().BoolVar(&unreviewed, "unreviewed", false, "Only discrepancies awaiting review")
	listCmd.Flags().IntVar(&limit, "limit", 50, "Maximum rows")

	var resolve dto.ResolveDiscrepancyRequest
	resolveCmd := &cobra.Command{
		Use:   "resolve <discrepancy-id>",
		Short: "Mark a discrepancy as reviewed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := resolve.Validate(); err != nil {
				return err
			}
			var d dto.DiscrepancyResponse
			path := "/api/v1/reconciliation/discrepancies/" + url.PathEscape(args[0]) + "/resolve"
			if err := api.do(cmd.Context(), http.MethodPost, path, resolve, &d); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Discrepancy %s reviewed by %s\n", d.ID, d.ReviewedBy)
			return nil
		},
	}
	resolveCmd.Flags().StringVar(&resolve.Reviewer, "reviewer", "", "Who reviewed the discrepancy")
	resolveCmd.Flags().StringVar(&resolve.Notes, "notes", "", "Review notes")

	reconcileCmd.AddCommand(runCmd, getCmd, listCmd, resolveCmd)
	return reconcileCmd
}

func newMigrateCmd() *cobra.Command {
	var (
		databaseURL string
		logLevel    string
	)

	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or roll back database migrations",
	}
	migrateCmd.PersistentFlags().StringVar(&databaseURL, "database-url", os.Getenv("DATABASE_URL"), "PostgreSQL connection string")
	migrateCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level")

	requireURL := func() error {
		if databaseURL == "" {
			return fmt.Errorf("--database-url or DATABASE_URL is required")
		}
		return nil
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireURL(); err != nil {
				return err
			}
			logger := logging.NewWithWriter(cmd.ErrOrStderr(), logging.ParseLevel(logLevel), "console")
			return postgres.RunMigrations(databaseURL, logger.Logger)
		},
	}

	var steps int
	downCmd := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireURL(); err != nil {
				return err
			}
			logger := logging.NewWithWriter(cmd.ErrOrStderr(), logging.ParseLevel(logLevel), "console")
			return postgres.RunMigrationsDown(databaseURL, steps, logger.Logger)
		},
	}
	downCmd.Flags().IntVar(&steps, "steps", 1, "Number of migrations to roll back")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the current schema version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireURL(); err != nil {
				return err
			}
			version, dirty, err := postgres.MigrationVersion(databaseURL)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "version %d (dirty: %t)\n", version, dirty)
			return nil
		},
	}

	migrateCmd.AddCommand(upCmd, downCmd, versionCmd)
	return migrateCmd
}

func printRun(w io.Writer, run *dto.RunResponse) {
	fmt.Fprintf(w, "Run %s: %s\n", run.ID, run.Status)
	fmt.Fprintf(w, "  window: lookback %s, stuck after %s\n", run.Lookback, run.StuckThreshold)
	fmt.Fprintf(w, "  checked: %d payment orders, %d payouts\n", run.PaymentOrdersChecked, run.PayoutsChecked)
	fmt.Fprintf(w, "  discrepancies: %d (healed %d, flagged %d, failed %d)\n",
		run.DiscrepanciesFound, run.AutoHealed, run.FlaggedForReview, run.FailedToHeal)
	if run.ErrorMessage != "" {
		fmt.Fprintf(w, "  error: %s\n", run.ErrorMessage)
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}
