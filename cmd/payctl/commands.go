package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/punchamoorthee/paystream/internal/domain"
	"github.com/punchamoorthee/paystream/internal/queue"
	"github.com/punchamoorthee/paystream/internal/service"
	"github.com/punchamoorthee/paystream/internal/store"
)

type ledgerReader interface {
	GetTransaction(ctx context.Context, id int64) (domain.Transaction, error)
	History(ctx context.Context, id int64) ([]domain.AuditEntry, error)
}

type keyResolver interface {
	Lookup(ctx context.Context, key string) (domain.IdempotencyRecord, error)
}

type migrator interface {
	Migrate(ctx context.Context) error
}

type streamInspector interface {
	queue.Reader
	Len(ctx context.Context, stream string) (int64, error)
}

// backend is what the subcommands operate on.
type backend struct {
	ledger       ledgerReader
	keys         keyResolver
	migrator     migrator
	dlq          streamInspector
	dlqStream    string
	reconciler   *service.Reconciler
	defaultGrace time.Duration
}

type opener func(ctx context.Context) (*backend, func(), error)

func newRootCmd(open opener) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "payctl",
		Short:         "Operator tooling for the paystream pipeline",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	run := func(fn func(cmd *cobra.Command, b *backend, args []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			b, cleanup, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer cleanup()
			return fn(cmd, b, args)
		}
	}

	rootCmd.AddCommand(migrateCmd(run))
	rootCmd.AddCommand(statusCmd(run))
	rootCmd.AddCommand(historyCmd(run))
	rootCmd.AddCommand(keyCmd(run))
	rootCmd.AddCommand(dlqCmd(run))
	rootCmd.AddCommand(reconcileCmd(run))
	return rootCmd
}

type runner func(fn func(cmd *cobra.Command, b *backend, args []string) error) func(*cobra.Command, []string) error

func migrateCmd(run runner) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		Args:  cobra.NoArgs,
		RunE: run(func(cmd *cobra.Command, b *backend, args []string) error {
			if b.migrator == nil {
				return fmt.Errorf("backend does not support migrations")
			}
			if err := b.migrator.Migrate(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
			return nil
		}),
	}
}

func statusCmd(run runner) *cobra.Command {
	return &cobra.Command{
		Use:   "status <transaction-id>",
		Short: "Show a transaction's current state",
		Args:  cobra.ExactArgs(1),
		RunE: run(func(cmd *cobra.Command, b *backend, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			txn, err := b.ledger.GetTransaction(cmd.Context(), id)
			if err != nil {
				return lookupError(id, err)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintf(tw, "ID:\t%d\n", txn.ID)
			fmt.Fprintf(tw, "Kind:\t%s\n", txn.Kind)
			fmt.Fprintf(tw, "Status:\t%s\n", strings.ToUpper(string(txn.Status)))
			fmt.Fprintf(tw, "Sender:\t%s\n", txn.SenderUPI)
			fmt.Fprintf(tw, "Receiver:\t%s\n", txn.ReceiverUPI)
			fmt.Fprintf(tw, "Amount:\t%s\n", txn.Amount.StringFixed(2))
			fmt.Fprintf(tw, "Created:\t%s\n", txn.CreatedAt.Format(time.RFC3339))
			fmt.Fprintf(tw, "Updated:\t%s\n", txn.UpdatedAt.Format(time.RFC3339))
			if txn.EnqueuedAt == nil {
				fmt.Fprintf(tw, "Enqueued:\tnot yet\n")
			} else {
				fmt.Fprintf(tw, "Enqueued:\t%s\n", txn.EnqueuedAt.Format(time.RFC3339))
			}
			return tw.Flush()
		}),
	}
}

func historyCmd(run runner) *cobra.Command {
	return &cobra.Command{
		Use:   "history <transaction-id>",
		Short: "List a transaction's audited status changes",
		Args:  cobra.ExactArgs(1),
		RunE: run(func(cmd *cobra.Command, b *backend, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			entries, err := b.ledger.History(cmd.Context(), id)
			if err != nil {
				return lookupError(id, err)
			}
			if len(entries) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "transaction %d has no transitions yet\n", id)
				return nil
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "AUDIT ID\tFROM\tTO\tCHANGED AT")
			for _, e := range entries {
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", e.ID, e.PrevStatus, e.NewStatus, e.ChangedAt.Format(time.RFC3339Nano))
			}
			if !domain.ValidPath(entries) {
				fmt.Fprintln(tw, "WARNING: history is not a legal lifecycle path")
			}
			return tw.Flush()
		}),
	}
}

func keyCmd(run runner) *cobra.Command {
	return &cobra.Command{
		Use:   "key <idempotency-key>",
		Short: "Find the transaction a request key produced",
		Args:  cobra.ExactArgs(1),
		RunE: run(func(cmd *cobra.Command, b *backend, args []string) error {
			rec, err := b.keys.Lookup(cmd.Context(), args[0])
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("idempotency key %q not found", args[0])
			}
			if err != nil {
				return err
			}
			txn, err := b.ledger.GetTransaction(cmd.Context(), rec.TransactionID)
			if err != nil {
				return lookupError(rec.TransactionID, err)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintf(tw, "Key:\t%s\n", rec.Key)
			fmt.Fprintf(tw, "Transaction:\t%d\n", txn.ID)
			fmt.Fprintf(tw, "Status:\t%s\n", strings.ToUpper(string(txn.Status)))
			fmt.Fprintf(tw, "Registered:\t%s\n", rec.CreatedAt.Format(time.RFC3339))
			return tw.Flush()
		}),
	}
}

func dlqCmd(run runner) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect the dead-letter stream",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List dead-lettered jobs, oldest first",
		Args:  cobra.NoArgs,
	}
	limit := list.Flags().Int64P("limit", "n", 20, "Maximum entries to show")
	list.RunE = run(func(cmd *cobra.Command, b *backend, args []string) error {
		total, err := b.dlq.Len(cmd.Context(), b.dlqStream)
		if err != nil {
			return err
		}
		msgs, err := b.dlq.ReadAfter(cmd.Context(), b.dlqStream, store.InitialCursor, *limit)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%s: %d entries\n", b.dlqStream, total)
		if len(msgs) == 0 {
			return nil
		}
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ENTRY\tTXN\tSENDER\tRECEIVER\tAMOUNT")
		for _, m := range msgs {
			f := m.Fields
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", m.ID,
				f[domain.FieldTxnID], f[domain.FieldSenderUPI], f[domain.FieldReceiverUPI], f[domain.FieldAmount])
		}
		return tw.Flush()
	})

	cmd.AddCommand(list)
	return cmd
}

func reconcileCmd(run runner) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Re-enqueue accepted transactions whose job was never written",
		Args:  cobra.NoArgs,
	}
	grace := cmd.Flags().Duration("grace", 0, "Only recover transactions older than this (default from RECONCILE_GRACE)")
	cmd.RunE = run(func(cmd *cobra.Command, b *backend, args []string) error {
		g := *grace
		if !cmd.Flags().Changed("grace") {
			g = b.defaultGrace
		}
		n, err := b.reconciler.Sweep(cmd.Context(), g)
		if err != nil {
			return fmt.Errorf("sweep stopped after %d recovered: %w", n, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "re-enqueued %d transaction(s)\n", n)
		return nil
	})
	return cmd
}

func parseID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid transaction id %q", arg)
	}
	return id, nil
}

func lookupError(id int64, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("transaction %d not found", id)
	}
	return err
}
