package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"ai_billing/internal/config"
	"ai_billing/internal/models"
	"ai_billing/internal/queue"
	"ai_billing/internal/reporter"
	"ai_billing/internal/storage"
	"ai_billing/internal/utils"
)

func newDLQCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect and retry overage reports that could not be delivered",
	}

	cmd.AddCommand(
		newDLQListCmd(),
		newDLQRetryCmd(),
		newDLQRedriveCmd(),
	)
	return cmd
}

// openReportAdmin connects to the Redis report queues. Only the admin
// methods of the returned worker are usable; it never delivers reports.
func openReportAdmin() (*reporter.ReportQueueWorker, func(), error) {
	cfg, err := config.LoadWithoutDatabase()
	if err != nil {
		return nil, nil, err
	}
	utils.ConfigureLogging(cfg.LogLevel, cfg.LogFormat)

	if !cfg.Redis.Enabled {
		return nil, nil, fmt.Errorf("the dead letter queue lives in Redis; set REDIS_ENABLED=true")
	}

	redisCfg := storage.DefaultRedisConfig()
	redisCfg.Address = cfg.Redis.Address
	redisCfg.Password = cfg.Redis.Password
	redisCfg.DB = cfg.Redis.DB
	client, err := storage.NewRedisClient(redisCfg)
	if err != nil {
		return nil, nil, err
	}

	qCfg := queue.DefaultConfig(cfg.Reporter.QueueName)
	qCfg.MaxRedrives = cfg.Reporter.MaxRedrives
	q, err := queue.NewRedisQueue[*models.OverageReport](client.Client(), qCfg)
	if err != nil {
		client.Close()
		return nil, nil, err
	}
	dlq, err := queue.NewRedisDeadLetterQueue[*models.OverageReport](client.Client(), qCfg)
	if err != nil {
		client.Close()
		return nil, nil, err
	}

	worker := reporter.NewReportQueueWorker(q, dlq, nil, qCfg, nil)
	return worker, func() { client.Close() }, nil
}

func newDLQListCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List parked overage reports, oldest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			worker, cleanup, err := openReportAdmin()
			if err != nil {
				return err
			}
			defer cleanup()

			ctx, cancel := commandContext()
			defer cancel()

			items, err := worker.GetDeadLetterItems(ctx, limit)
			if err != nil {
				return err
			}
			if len(items) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "Dead letter queue is empty.")
				return nil
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tUSER\tEVENT\tAMOUNT\tREDRIVES\tPARKED\tERROR")
			for _, item := range items {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
					item.ID,
					item.Item.UserID,
					item.Item.UsageEventID,
					item.Item.Amount.String(),
					item.Item.Redrives,
					item.Timestamp.UTC().Format(time.RFC3339),
					item.Error,
				)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 50, "max items to return")
	return cmd
}

func newDLQRetryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry ID",
		Short: "Move one parked report back onto the report queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			worker, cleanup, err := openReportAdmin()
			if err != nil {
				return err
			}
			defer cleanup()

			ctx, cancel := commandContext()
			defer cancel()

			if err := worker.RetryDeadLetterItem(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Requeued %s.\n", args[0])
			return nil
		},
	}
}

func newDLQRedriveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "redrive",
		Short: "Requeue every parked report still under its redrive budget",
		RunE: func(cmd *cobra.Command, args []string) error {
			worker, cleanup, err := openReportAdmin()
			if err != nil {
				return err
			}
			defer cleanup()

			ctx, cancel := commandContext()
			defer cancel()

			n, err := worker.Redrive(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Requeued %d reports.\n", n)
			return nil
		},
	}
}
