package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/estamp-field/api/internal/domain"
	"github.com/estamp-field/api/internal/services"
)

type templateFile struct {
	Templates []templateEntry `yaml:"templates"`
}

type templateEntry struct {
	ID           string `yaml:"id"`
	Jurisdiction string `yaml:"jurisdiction"`
	DocumentType string `yaml:"documentType"`
	BaseDuty     int64  `yaml:"baseDuty"`
	PlatformFee  int64  `yaml:"platformFee"`
	Description  string `yaml:"description"`
	Active       *bool  `yaml:"active"`
}

func (e templateEntry) toDomain() domain.StampTemplate {
	active := true
	if e.Active != nil {
		active = *e.Active
	}
	return domain.StampTemplate{
		ID:           strings.TrimSpace(e.ID),
		Jurisdiction: e.Jurisdiction,
		DocumentType: e.DocumentType,
		BaseDuty:     e.BaseDuty,
		PlatformFee:  e.PlatformFee,
		Description:  e.Description,
		Active:       active,
	}
}

func newTemplatesCommand(open Opener) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "templates",
		Short: "Manage jurisdiction price templates",
	}

	seed := &cobra.Command{
		Use:   "seed",
		Short: "Upsert templates from a YAML file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, _ := cmd.Flags().GetString("file")
			entries, err := readTemplateFile(path)
			if err != nil {
				return err
			}
			return withRuntime(cmd, open, func(ctx context.Context, rt *Runtime) error {
				return seedTemplates(ctx, cmd, rt, entries)
			})
		},
	}
	seed.Flags().StringP("file", "f", "", "YAML file with a top-level templates list")
	_ = seed.MarkFlagRequired("file")

	list := &cobra.Command{
		Use:   "list <jurisdiction>",
		Short: "List active templates for a jurisdiction",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, open, func(ctx context.Context, rt *Runtime) error {
				if rt.Templates == nil {
					return errors.New("template service unavailable")
				}
				templates, err := rt.Templates.ListActive(ctx, args[0])
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				for _, t := range templates {
					fmt.Fprintf(out, "%s\t%s\t%s\tduty=%d\tfee=%d\n", t.ID, t.Jurisdiction, t.DocumentType, t.BaseDuty, t.PlatformFee)
				}
				return nil
			})
		},
	}

	cmd.AddCommand(seed, list)
	return cmd
}

func readTemplateFile(path string) ([]templateEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read templates: %w", err)
	}
	var file templateFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse templates: %w", err)
	}
	if len(file.Templates) == 0 {
		return nil, fmt.Errorf("%s: no templates found", path)
	}
	return file.Templates, nil
}

func seedTemplates(ctx context.Context, cmd *cobra.Command, rt *Runtime, entries []templateEntry) error {
	if rt.Templates == nil {
		return errors.New("template service unavailable")
	}
	actor := actorFlag(cmd)
	for i, entry := range entries {
		saved, err := rt.Templates.Upsert(ctx, services.UpsertStampTemplateCommand{
			Template: entry.toDomain(),
			ActorID:  actor,
		})
		if err != nil {
			return fmt.Errorf("template %d (%s): %w", i, entry.ID, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "upserted template %s (%s/%s)\n", saved.ID, saved.Jurisdiction, saved.DocumentType)
	}
	return nil
}
