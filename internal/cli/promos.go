package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/estamp-field/api/internal/domain"
	"github.com/estamp-field/api/internal/services"
)

type promoFile struct {
	Promos []promoEntry `yaml:"promos"`
}

type promoEntry struct {
	Code           string `yaml:"code"`
	Description    string `yaml:"description"`
	DiscountType   string `yaml:"discountType"`
	Value          int64  `yaml:"value"`
	MaxDiscount    *int64 `yaml:"maxDiscount"`
	MinOrderAmount int64  `yaml:"minOrderAmount"`
	ValidFrom      string `yaml:"validFrom"`
	ValidUntil     string `yaml:"validUntil"`
	UsageLimit     *int64 `yaml:"usageLimit"`
	Active         *bool  `yaml:"active"`
}

func (e promoEntry) toDomain() (domain.StampPromoCode, error) {
	validFrom, err := parseTimestamp("validFrom", e.ValidFrom)
	if err != nil {
		return domain.StampPromoCode{}, err
	}
	validUntil, err := parseTimestamp("validUntil", e.ValidUntil)
	if err != nil {
		return domain.StampPromoCode{}, err
	}
	active := true
	if e.Active != nil {
		active = *e.Active
	}
	return domain.StampPromoCode{
		Code:           e.Code,
		Description:    e.Description,
		DiscountType:   domain.DiscountType(strings.ToLower(strings.TrimSpace(e.DiscountType))),
		Value:          e.Value,
		MaxDiscount:    e.MaxDiscount,
		MinOrderAmount: e.MinOrderAmount,
		ValidFrom:      validFrom,
		ValidUntil:     validUntil,
		UsageLimit:     e.UsageLimit,
		Active:         active,
	}, nil
}

func parseTimestamp(field, value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, nil
	}
	ts, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s must be RFC3339: %w", field, err)
	}
	return ts.UTC(), nil
}

func newPromosCommand(open Opener) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "promos",
		Short: "Manage promo codes",
	}

	upsert := &cobra.Command{
		Use:   "upsert",
		Short: "Create or replace promo codes from a YAML file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, _ := cmd.Flags().GetString("file")
			promos, err := readPromoFile(path)
			if err != nil {
				return err
			}
			return withRuntime(cmd, open, func(ctx context.Context, rt *Runtime) error {
				if rt.Promos == nil {
					return errors.New("promo service unavailable")
				}
				actor := actorFlag(cmd)
				for _, promo := range promos {
					saved, err := rt.Promos.Upsert(ctx, services.UpsertStampPromoCommand{Promo: promo, ActorID: actor})
					if err != nil {
						return fmt.Errorf("promo %s: %w", promo.Code, err)
					}
					fmt.Fprintf(cmd.OutOrStdout(), "upserted promo %s (%s %d)\n", saved.Code, saved.DiscountType, saved.Value)
				}
				return nil
			})
		},
	}
	upsert.Flags().StringP("file", "f", "", "YAML file with a top-level promos list")
	_ = upsert.MarkFlagRequired("file")

	show := &cobra.Command{
		Use:   "show <code>",
		Short: "Print a promo code and its usage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, open, func(ctx context.Context, rt *Runtime) error {
				if rt.Promos == nil {
					return errors.New("promo service unavailable")
				}
				promo, err := rt.Promos.Get(ctx, args[0])
				if err != nil {
					return err
				}
				limit := "unlimited"
				if promo.UsageLimit != nil {
					limit = fmt.Sprintf("%d", *promo.UsageLimit)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%d\tused=%d/%s\tactive=%t\n", promo.Code, promo.DiscountType, promo.Value, promo.UsageCount, limit, promo.Active)
				return nil
			})
		},
	}

	cmd.AddCommand(upsert, show)
	return cmd
}

func readPromoFile(path string) ([]domain.StampPromoCode, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read promos: %w", err)
	}
	var file promoFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse promos: %w", err)
	}
	if len(file.Promos) == 0 {
		return nil, fmt.Errorf("%s: no promos found", path)
	}
	promos := make([]domain.StampPromoCode, 0, len(file.Promos))
	for i, entry := range file.Promos {
		promo, err := entry.toDomain()
		if err != nil {
			return nil, fmt.Errorf("promo %d (%s): %w", i, entry.Code, err)
		}
		promos = append(promos, promo)
	}
	return promos, nil
}
