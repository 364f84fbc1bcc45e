package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"ai_billing/internal/billing"
	"ai_billing/internal/models"
	"ai_billing/internal/storage"
)

func newLedgerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect and manage spending ledgers",
	}

	cmd.AddCommand(
		newLedgerShowCmd(),
		newLedgerListCmd(),
		newLedgerSetLimitsCmd(),
		newLedgerRolloverCmd(),
	)
	return cmd
}

// ledgerFor builds a ledger service over the Postgres repository
func ledgerFor(db *storage.DB) *billing.Ledger {
	return billing.NewLedger(db.NewLedgerRepository(), nil, billing.DefaultLedgerConfig(), nil)
}

func newLedgerShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show USER_ID",
		Short: "Show one user's ledger",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, db, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()

			ctx, cancel := commandContext()
			defer cancel()

			ledger, err := db.NewLedgerRepository().Get(ctx, args[0])
			if err != nil {
				return err
			}
			printLedger(cmd.OutOrStdout(), ledger)
			return nil
		},
	}
}

func newLedgerListCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List ledgers at or above their alert threshold",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, db, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()

			ctx, cancel := commandContext()
			defer cancel()

			ledgers, err := db.NewLedgerRepository().ListOverThreshold(ctx, limit)
			if err != nil {
				return err
			}
			if len(ledgers) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No ledgers over their alert threshold.")
				return nil
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "USER\tSPENT\tLIMIT\tUSED\tSTATE\tHARD")
			for _, l := range ledgers {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s%%\t%s\t%t\n",
					l.UserID,
					l.CurrentMonthSpent.StringFixed(2),
					l.MonthlyLimitAmount.StringFixed(2),
					l.PercentUsed().StringFixed(1),
					l.State(),
					l.HardLimit,
				)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 50, "max ledgers to return")
	return cmd
}

func newLedgerSetLimitsCmd() *cobra.Command {
	var (
		limit     string
		threshold string
		hard      bool
	)

	cmd := &cobra.Command{
		Use:   "set-limits USER_ID",
		Short: "Set a user's monthly limit, alert threshold and enforcement mode",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prefs, err := parsePreferences(limit, threshold, hard)
			if err != nil {
				return err
			}

			_, db, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()

			ctx, cancel := commandContext()
			defer cancel()

			ledger, err := ledgerFor(db).UpdatePreferences(ctx, args[0], prefs)
			if err != nil {
				return err
			}
			printLedger(cmd.OutOrStdout(), ledger)
			return nil
		},
	}

	cmd.Flags().StringVar(&limit, "limit", "100", "monthly limit amount, 0 for unlimited")
	cmd.Flags().StringVar(&threshold, "threshold", "80", "alert threshold percent")
	cmd.Flags().BoolVar(&hard, "hard", false, "block usage once the limit is reached")
	return cmd
}

func newLedgerRolloverCmd() *cobra.Command {
	var at string

	cmd := &cobra.Command{
		Use:   "rollover USER_ID",
		Short: "Start a new billing cycle for a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cycleStart := time.Now()
			if at != "" {
				t, err := time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("invalid --at time (use RFC 3339): %w", err)
				}
				cycleStart = t
			}

			_, db, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()

			ctx, cancel := commandContext()
			defer cancel()

			rolled, err := ledgerFor(db).Rollover(ctx, args[0], cycleStart)
			if err != nil {
				return err
			}
			if rolled {
				fmt.Fprintf(cmd.OutOrStdout(), "Rolled over %s at %s.\n", args[0], cycleStart.UTC().Format(time.RFC3339))
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "Nothing to do: %s has no ledger or already started a later cycle.\n", args[0])
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&at, "at", "", "cycle start (RFC 3339), defaults to now")
	return cmd
}

func parsePreferences(limit, threshold string, hard bool) (models.SpendingPreferences, error) {
	amount, err := decimal.NewFromString(limit)
	if err != nil {
		return models.SpendingPreferences{}, fmt.Errorf("invalid --limit: %w", err)
	}
	percent, err := decimal.NewFromString(threshold)
	if err != nil {
		return models.SpendingPreferences{}, fmt.Errorf("invalid --threshold: %w", err)
	}
	prefs := models.SpendingPreferences{
		MonthlyLimitAmount:    amount,
		AlertThresholdPercent: percent,
		HardLimit:             hard,
	}
	return prefs, prefs.Validate()
}

func printLedger(w io.Writer, l *models.SpendingLedger) {
	limit := l.MonthlyLimitAmount.StringFixed(2)
	if l.IsUnlimited() {
		limit = "unlimited"
	}

	fmt.Fprintf(w, "User:           %s\n", l.UserID)
	fmt.Fprintf(w, "Spent:          %s\n", l.CurrentMonthSpent.StringFixed(2))
	fmt.Fprintf(w, "Limit:          %s\n", limit)
	fmt.Fprintf(w, "Used:           %s%%\n", l.PercentUsed().StringFixed(1))
	fmt.Fprintf(w, "Alert at:       %s%%\n", l.AlertThresholdPercent.String())
	fmt.Fprintf(w, "Hard limit:     %t\n", l.HardLimit)
	fmt.Fprintf(w, "State:          %s\n", l.State())
	fmt.Fprintf(w, "Cycle started:  %s\n", l.CycleStartedAt.UTC().Format(time.RFC3339))
	if l.AlertSentAt != nil {
		fmt.Fprintf(w, "Alert sent:     %s\n", l.AlertSentAt.UTC().Format(time.RFC3339))
	}
	if l.LimitHitAt != nil {
		fmt.Fprintf(w, "Limit hit:      %s\n", l.LimitHitAt.UTC().Format(time.RFC3339))
	}
}
