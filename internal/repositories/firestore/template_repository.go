package firestore

import (
	"context"
	"errors"
	"sort"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/estamp-field/api/internal/domain"
	pfirestore "github.com/estamp-field/api/internal/platform/firestore"
	"github.com/estamp-field/api/internal/repositories"
)

// TemplateRepository stores price sheets in the stamp_templates collection.
type TemplateRepository struct {
	provider  *pfirestore.Provider
	templates *pfirestore.Collection[templateDocument]
	orders    *pfirestore.Collection[orderDocument]
}

var _ repositories.StampTemplateRepository = (*TemplateRepository)(nil)

// NewTemplateRepository constructs a Firestore-backed template repository.
func NewTemplateRepository(provider *pfirestore.Provider) (*TemplateRepository, error) {
	if provider == nil {
		return nil, errors.New("template repository requires firestore provider")
	}
	return &TemplateRepository{
		provider:  provider,
		templates: pfirestore.NewCollection[templateDocument](provider, templatesCollection),
		orders:    pfirestore.NewCollection[orderDocument](provider, ordersCollection),
	}, nil
}

// Upsert writes the template. The creation time of an existing template is kept.
func (r *TemplateRepository) Upsert(ctx context.Context, template domain.StampTemplate) (domain.StampTemplate, error) {
	ref, err := r.templates.Ref(ctx, template.ID)
	if err != nil {
		return domain.StampTemplate{}, err
	}
	err = r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		switch status.Code(err) {
		case codes.OK:
			existing, err := r.templates.Decode(snap)
			if err != nil {
				return err
			}
			template.CreatedAt = existing.Data.CreatedAt
		case codes.NotFound:
		default:
			return err
		}
		return tx.Set(ref, newTemplateDocument(template))
	})
	if err != nil {
		return domain.StampTemplate{}, pfirestore.WrapError("stamp_templates.upsert", err)
	}
	return template, nil
}

// FindByID loads a template.
func (r *TemplateRepository) FindByID(ctx context.Context, templateID string) (domain.StampTemplate, error) {
	doc, err := r.templates.Get(ctx, templateID)
	if err != nil {
		return domain.StampTemplate{}, err
	}
	return doc.Data.toDomain(doc.ID), nil
}

// ListActiveByJurisdiction returns active templates for a jurisdiction sorted by document type.
func (r *TemplateRepository) ListActiveByJurisdiction(ctx context.Context, jurisdiction string) ([]domain.StampTemplate, error) {
	jurisdiction = domain.NormalizeJurisdiction(jurisdiction)
	docs, err := r.templates.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("jurisdiction", "==", jurisdiction).Where("active", "==", true)
	})
	if err != nil {
		return nil, err
	}
	out := make([]domain.StampTemplate, 0, len(docs))
	for _, doc := range docs {
		out = append(out, doc.Data.toDomain(doc.ID))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DocumentType < out[j].DocumentType })
	return out, nil
}

// Delete removes a template unless an order references it. The reference check and the delete
// share one transaction.
func (r *TemplateRepository) Delete(ctx context.Context, templateID string) error {
	ref, err := r.templates.Ref(ctx, templateID)
	if err != nil {
		return err
	}
	err = r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		if _, err := tx.Get(ref); err != nil {
			return err
		}
		refs, err := r.orders.QueryTx(ctx, tx, func(q firestore.Query) firestore.Query {
			return q.Where("templateId", "==", templateID).Limit(1)
		})
		if err != nil {
			return err
		}
		if len(refs) > 0 {
			return pfirestore.Conflict("stamp_templates.delete", "template %q referenced by order %s", templateID, refs[0].ID)
		}
		return tx.Delete(ref)
	})
	return pfirestore.WrapError("stamp_templates.delete", err)
}
