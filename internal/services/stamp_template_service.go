package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/estamp-field/api/internal/domain"
	"github.com/estamp-field/api/internal/repositories"
)

// StampTemplateServiceDeps bundles collaborators for the template service.
type StampTemplateServiceDeps struct {
	Templates repositories.StampTemplateRepository
	Sanitize  func(string) string
	Clock     func() time.Time
	Logger    func(ctx context.Context, event string, fields map[string]any)
}

type stampTemplateService struct {
	templates repositories.StampTemplateRepository
	sanitize  func(string) string
	clock     func() time.Time
	logger    func(context.Context, string, map[string]any)
}

// NewStampTemplateService constructs the template service.
func NewStampTemplateService(deps StampTemplateServiceDeps) (StampTemplateService, error) {
	if deps.Templates == nil {
		return nil, errors.New("stamp template service: template repository is required")
	}
	sanitize := deps.Sanitize
	if sanitize == nil {
		sanitize = strings.TrimSpace
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &stampTemplateService{
		templates: deps.Templates,
		sanitize:  sanitize,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

func (s *stampTemplateService) ListActive(ctx context.Context, jurisdiction string) ([]StampTemplate, error) {
	code := domain.NormalizeJurisdiction(jurisdiction)
	if code == "" {
		return nil, fmt.Errorf("%w: jurisdiction is required", ErrStampValidation)
	}
	templates, err := s.templates.ListActiveByJurisdiction(ctx, code)
	if err != nil {
		return nil, mapStampRepositoryError(err)
	}
	return templates, nil
}

func (s *stampTemplateService) Get(ctx context.Context, templateID string) (StampTemplate, error) {
	id := strings.TrimSpace(templateID)
	if id == "" {
		return StampTemplate{}, fmt.Errorf("%w: template id is required", ErrStampValidation)
	}
	tmpl, err := s.templates.FindByID(ctx, id)
	if err != nil {
		return StampTemplate{}, mapStampRepositoryError(err)
	}
	return tmpl, nil
}

func (s *stampTemplateService) Upsert(ctx context.Context, cmd UpsertStampTemplateCommand) (StampTemplate, error) {
	tmpl := cmd.Template
	tmpl.ID = strings.TrimSpace(tmpl.ID)
	tmpl.Jurisdiction = domain.NormalizeJurisdiction(tmpl.Jurisdiction)
	tmpl.DocumentType = s.sanitize(tmpl.DocumentType)
	tmpl.Description = s.sanitize(tmpl.Description)

	switch {
	case tmpl.ID == "":
		return StampTemplate{}, fmt.Errorf("%w: template id is required", ErrStampValidation)
	case tmpl.Jurisdiction == "":
		return StampTemplate{}, fmt.Errorf("%w: jurisdiction is required", ErrStampValidation)
	case tmpl.DocumentType == "":
		return StampTemplate{}, fmt.Errorf("%w: document type is required", ErrStampValidation)
	case tmpl.BaseDuty < 0:
		return StampTemplate{}, fmt.Errorf("%w: base duty must not be negative", ErrStampValidation)
	case tmpl.PlatformFee < 0:
		return StampTemplate{}, fmt.Errorf("%w: platform fee must not be negative", ErrStampValidation)
	}

	now := s.clock()
	if tmpl.CreatedAt.IsZero() {
		tmpl.CreatedAt = now
	}
	tmpl.UpdatedAt = now

	saved, err := s.templates.Upsert(ctx, tmpl)
	if err != nil {
		return StampTemplate{}, mapStampRepositoryError(err)
	}
	s.logger(ctx, "stamp.template.upserted", map[string]any{
		"templateId":   saved.ID,
		"jurisdiction": saved.Jurisdiction,
		"active":       saved.Active,
		"actor":        strings.TrimSpace(cmd.ActorID),
	})
	return saved, nil
}

func (s *stampTemplateService) Delete(ctx context.Context, templateID string) error {
	id := strings.TrimSpace(templateID)
	if id == "" {
		return fmt.Errorf("%w: template id is required", ErrStampValidation)
	}
	if err := s.templates.Delete(ctx, id); err != nil {
		if isRepoConflict(err) {
			return fmt.Errorf("%w: %s", ErrStampTemplateInUse, id)
		}
		return mapStampRepositoryError(err)
	}
	s.logger(ctx, "stamp.template.deleted", map[string]any{"templateId": id})
	return nil
}
