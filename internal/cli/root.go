// Package cli implements stampctl, the operator tool for seeding reference data and running
// administrative order actions against the configured store.
package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/estamp-field/api/internal/services"
)

const operatorActor = "stampctl"

// Runtime carries the services a command runs against.
type Runtime struct {
	Templates  services.StampTemplateService
	Promos     services.StampPromoService
	Orders     services.StampOrderService
	SigningKey []byte
	Close      func() error
}

// Opener builds a Runtime lazily so that commands which only need flags never touch the store.
type Opener func(ctx context.Context) (*Runtime, error)

// NewRootCommand assembles the stampctl command tree.
func NewRootCommand(open Opener) *cobra.Command {
	root := &cobra.Command{
		Use:           "stampctl",
		Short:         "Operate the e-stamp issuance API",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("actor", operatorActor, "Actor recorded on audit metadata")

	root.AddCommand(newTemplatesCommand(open))
	root.AddCommand(newPromosCommand(open))
	root.AddCommand(newOrdersCommand(open))
	root.AddCommand(newPaymentsCommand(open))
	return root
}

func withRuntime(cmd *cobra.Command, open Opener, fn func(ctx context.Context, rt *Runtime) error) error {
	if open == nil {
		return errors.New("stampctl: no runtime configured")
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	rt, err := open(ctx)
	if err != nil {
		return fmt.Errorf("open runtime: %w", err)
	}
	if rt.Close != nil {
		defer func() { _ = rt.Close() }()
	}
	return fn(ctx, rt)
}

func actorFlag(cmd *cobra.Command) string {
	actor, _ := cmd.Flags().GetString("actor")
	if actor == "" {
		return operatorActor
	}
	return actor
}
