package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"ai_billing/internal/pricing"
)

func newPricingCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pricing",
		Short: "Manage the model_pricing table",
	}

	cmd.AddCommand(
		newPricingImportCmd(),
		newPricingListCmd(),
	)
	return cmd
}

func newPricingImportCmd() *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "import FILE",
		Short: "Upsert every model of a YAML pricing file into the database",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			snapshot, err := pricing.LoadFile(args[0])
			if err != nil {
				return err
			}
			configs := snapshot.Configs()

			out := cmd.OutOrStdout()
			if dryRun {
				fmt.Fprintf(out, "%s is valid: %d models.\n", args[0], len(configs))
				return nil
			}

			_, db, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()

			ctx, cancel := commandContext()
			defer cancel()

			repo := db.NewPricingRepository()
			for i := range configs {
				if err := repo.Upsert(ctx, &configs[i]); err != nil {
					return fmt.Errorf("import %s: %w", configs[i].ModelKey, err)
				}
			}
			fmt.Fprintf(out, "Imported %d models.\n", len(configs))
			return nil
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "validate the file without writing")
	return cmd
}

func newPricingListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the pricing table",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, db, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()

			ctx, cancel := commandContext()
			defer cancel()

			configs, err := db.NewPricingRepository().ListPricing(ctx)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "MODEL\tMODE\tINPUT\tOUTPUT\tRUN\tMARGIN\tUNIT\tACTIVE")
			for _, c := range configs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s%%\t%d\t%t\n",
					c.ModelKey, c.BillingMode,
					c.CostPerInputUnit.String(), c.CostPerOutputUnit.String(), c.CostPerRun.String(),
					c.MarginPercent.String(), c.EffectiveUnitSize(), c.Active)
			}
			return tw.Flush()
		},
	}
}
