package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/estamp-field/api/internal/payments"
)

func newPaymentsCommand(open Opener) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "payments",
		Short: "Sandbox payment helpers",
	}

	sign := &cobra.Command{
		Use:   "sign <gateway-order-id> <payment-id>",
		Short: "Print the signature a gateway would attach to a completed sandbox payment",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, _ := cmd.Flags().GetString("key")
			if strings.TrimSpace(key) != "" {
				fmt.Fprintln(cmd.OutOrStdout(), payments.Signature([]byte(key), args[0], args[1]))
				return nil
			}
			return withRuntime(cmd, open, func(_ context.Context, rt *Runtime) error {
				if len(rt.SigningKey) == 0 {
					return errors.New("no signing key configured; pass --key")
				}
				fmt.Fprintln(cmd.OutOrStdout(), payments.Signature(rt.SigningKey, args[0], args[1]))
				return nil
			})
		},
	}
	sign.Flags().String("key", "", "Signing key (defaults to the configured stamps signing key)")

	cmd.AddCommand(sign)
	return cmd
}
