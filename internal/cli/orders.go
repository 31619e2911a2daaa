package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/estamp-field/api/internal/services"
)

func newOrdersCommand(open Opener) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "orders",
		Short: "Run administrative order actions",
	}

	show := &cobra.Command{
		Use:   "show <order-id>",
		Short: "Print an order with its audit trail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOrderAction(cmd, open, func(ctx context.Context, orders services.StampOrderService) (services.StampOrder, error) {
				return orders.GetOrder(ctx, services.GetStampOrderCommand{OrderID: args[0], Admin: true})
			}, true)
		},
	}

	revoke := &cobra.Command{
		Use:   "revoke <order-id>",
		Short: "Revoke an issued stamp",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reason, _ := cmd.Flags().GetString("reason")
			if strings.TrimSpace(reason) == "" {
				return errors.New("--reason is required")
			}
			return runOrderAction(cmd, open, func(ctx context.Context, orders services.StampOrderService) (services.StampOrder, error) {
				return orders.Revoke(ctx, services.RevokeStampOrderCommand{OrderID: args[0], ActorID: actorFlag(cmd), Reason: reason})
			}, false)
		},
	}
	revoke.Flags().String("reason", "", "Reason recorded on the order")

	deliver := &cobra.Command{
		Use:   "deliver <order-id>",
		Short: "Record physical delivery of a doorstep order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			note, _ := cmd.Flags().GetString("note")
			return runOrderAction(cmd, open, func(ctx context.Context, orders services.StampOrderService) (services.StampOrder, error) {
				return orders.MarkDelivered(ctx, services.MarkStampDeliveredCommand{OrderID: args[0], ActorID: actorFlag(cmd), Note: note})
			}, false)
		},
	}
	deliver.Flags().String("note", "", "Delivery note")

	retry := &cobra.Command{
		Use:   "retry <order-id>",
		Short: "Re-run issuance for a paid order that failed or never started it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reason, _ := cmd.Flags().GetString("reason")
			return runOrderAction(cmd, open, func(ctx context.Context, orders services.StampOrderService) (services.StampOrder, error) {
				return orders.RetryIssuance(ctx, services.RetryStampIssuanceCommand{OrderID: args[0], ActorID: actorFlag(cmd), Reason: reason})
			}, false)
		},
	}
	retry.Flags().String("reason", "", "Reason recorded on the order")

	sweep := &cobra.Command{
		Use:   "sweep",
		Short: "Fail orders stuck in issuance and resume paid orders awaiting it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			olderThan, _ := cmd.Flags().GetDuration("older-than")
			limit, _ := cmd.Flags().GetInt("limit")
			if olderThan < 0 || limit < 0 {
				return errors.New("--older-than and --limit must not be negative")
			}
			return withRuntime(cmd, open, func(ctx context.Context, rt *Runtime) error {
				if rt.Orders == nil {
					return errors.New("order service unavailable")
				}
				result, err := rt.Orders.FailStuckIssuance(ctx, services.SweepStuckIssuanceCommand{OlderThan: olderThan, Limit: limit})
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "examined %d, failed %d, resumed %d\n", result.Examined, len(result.Failed), len(result.Resumed))
				for _, id := range result.Failed {
					fmt.Fprintln(out, "failed\t"+id)
				}
				for _, id := range result.Resumed {
					fmt.Fprintln(out, "resumed\t"+id)
				}
				return nil
			})
		},
	}
	sweep.Flags().Duration("older-than", 0, "Minimum time in issuing (default: service threshold)")
	sweep.Flags().Int("limit", 0, "Maximum orders to examine (default: service limit)")

	cmd.AddCommand(show, revoke, deliver, retry, sweep)
	return cmd
}

func runOrderAction(cmd *cobra.Command, open Opener, action func(context.Context, services.StampOrderService) (services.StampOrder, error), detailed bool) error {
	return withRuntime(cmd, open, func(ctx context.Context, rt *Runtime) error {
		if rt.Orders == nil {
			return errors.New("order service unavailable")
		}
		order, err := action(ctx, rt.Orders)
		if err != nil {
			if order.ID != "" {
				return fmt.Errorf("order %s is %s: %w", order.ID, order.Status, err)
			}
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%s\t%s\ttotal=%d %s\n", order.ID, order.Status, order.Amounts.Total, order.Currency)
		if detailed {
			for _, entry := range order.Metadata {
				fmt.Fprintf(out, "  %s\t%s\t%s\t%s\n", entry.At.UTC().Format(time.RFC3339), entry.Event, entry.Actor, entry.Reason)
			}
		}
		return nil
	})
}
