package main

import (
	"database/sql"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/paygrid/paygrid/config"
	"github.com/paygrid/paygrid/processor"
	"github.com/paygrid/paygrid/store"
	"github.com/paygrid/paygrid/stream"
	"github.com/paygrid/paygrid/transaction"
)

// newSubmitCommand is the development helper for pushing a transfer into the
// cluster from the shell. Production submissions come from the API layer.
func newSubmitCommand() *cobra.Command {
	var (
		from        string
		to          string
		amount      string
		currency    string
		txType      string
		description string
	)

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a transfer into the cluster",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.FromEnv()
			if err != nil {
				return err
			}

			parsedAmount, err := decimal.NewFromString(amount)
			if err != nil {
				return fmt.Errorf("invalid --amount: %w", err)
			}

			logger, err := newLogger(cfg)
			if err != nil {
				return err
			}

			db, err := sql.Open("postgres", cfg.PostgresDSN)
			if err != nil {
				return fmt.Errorf("open postgres: %w", err)
			}
			defer func() { _ = db.Close() }()

			txStore, err := store.NewPostgres(db)
			if err != nil {
				return err
			}

			broker, err := stream.NewConnection(cfg.AMQPURL, stream.WithConnectionLogger(logger))
			if err != nil {
				return err
			}
			defer func() { _ = broker.Close() }()

			ctx := cmd.Context()

			channel, err := broker.Channel(ctx)
			if err != nil {
				return err
			}

			if err := stream.DeclareTopology(channel, stream.TopologyConfig{Partitions: cfg.Partitions}); err != nil {
				return err
			}

			publisher, err := stream.NewPublisher(channel,
				stream.WithPublisherLogger(logger),
				stream.WithPartitions(cfg.Partitions))
			if err != nil {
				return err
			}
			defer func() { _ = publisher.Close() }()

			submitter, err := processor.NewSubmitter(txStore, publisher, cfg.NodeID, logger)
			if err != nil {
				return err
			}

			tx, err := submitter.Submit(ctx, from, to, parsedAmount, currency, transaction.Type(txType), description)
			if err != nil {
				return err
			}

			fmt.Printf("submitted %s (%s) %s %s from %s to %s\n",
				tx.ID, tx.ReferenceID, tx.Amount.String(), tx.Currency, tx.FromAccountID, tx.ToAccountID)

			return nil
		},
	}

	cmd.Flags().StringVar(&from, "from", "", "source account id")
	cmd.Flags().StringVar(&to, "to", "", "destination account id")
	cmd.Flags().StringVar(&amount, "amount", "", "amount, e.g. 125.50")
	cmd.Flags().StringVar(&currency, "currency", "USD", "ISO 4217 currency code")
	cmd.Flags().StringVar(&txType, "type", string(transaction.TypeTransfer), "transaction type")
	cmd.Flags().StringVar(&description, "description", "", "free-form description")

	_ = cmd.MarkFlagRequired("from")
	_ = cmd.MarkFlagRequired("to")
	_ = cmd.MarkFlagRequired("amount")

	return cmd
}
