package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"ai_billing/internal/auth"
	"ai_billing/internal/config"
	"ai_billing/internal/storage"
	"ai_billing/internal/utils"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:           "billingctl",
		Short:         "Operate the AI billing service: ledgers, reports, pricing and tokens",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		newMigrateCmd(),
		newLedgerCmd(),
		newDLQCmd(),
		newPricingCmd(),
		newTokenCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "ERROR:", err)
		os.Exit(1)
	}
}

// openDB loads the environment config and connects to Postgres
func openDB() (*config.Config, *storage.DB, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	utils.ConfigureLogging(cfg.LogLevel, cfg.LogFormat)

	dbCfg := storage.DefaultDBConfig()
	dbCfg.DSN = cfg.Database.URL
	dbCfg.MaxOpenConns = 2
	dbCfg.MaxIdleConns = 1
	dbCfg.SubscriptionCacheSize = 0

	db, err := storage.NewDB(dbCfg)
	if err != nil {
		return nil, nil, err
	}
	return cfg, db, nil
}

func commandContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, db, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()

			ctx, cancel := commandContext()
			defer cancel()

			if err := db.Migrate(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Schema is up to date.")
			return nil
		},
	}
}

func newTokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage API tokens",
	}
	cmd.AddCommand(newTokenIssueCmd())
	return cmd
}

func newTokenIssueCmd() *cobra.Command {
	var (
		subject string
		roles   []string
		ttl     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue a signed token for a service or operator",
		RunE: func(cmd *cobra.Command, args []string) error {
			if subject == "" {
				return fmt.Errorf("--subject is required")
			}
			parsed, err := auth.ParseRoles(roles)
			if err != nil {
				return err
			}

			cfg, err := config.LoadWithoutDatabase()
			if err != nil {
				return err
			}
			if ttl == 0 {
				ttl = cfg.Auth.TokenTTL
			}

			token, expiresAt, err := auth.GenerateToken(cfg.Auth.JWTSecret, subject, parsed, ttl)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, token)
			fmt.Fprintf(out, "# expires %s\n", time.Unix(expiresAt, 0).UTC().Format(time.RFC3339))
			return nil
		},
	}

	cmd.Flags().StringVar(&subject, "subject", "", "token subject, e.g. the calling service name")
	cmd.Flags().StringSliceVar(&roles, "role", []string{string(auth.RoleService)}, "roles to grant (admin, viewer, service)")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (defaults to JWT_TOKEN_TTL)")
	return cmd
}
