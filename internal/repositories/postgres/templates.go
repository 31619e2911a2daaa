package postgres

import (
	"context"
	"database/sql"

	"github.com/estamp-field/api/internal/domain"
	"github.com/estamp-field/api/internal/repositories"
)

const templateColumns = `id, jurisdiction, document_type, base_duty, platform_fee, description, active, created_at, updated_at`

// TemplateRepository stores price sheets in stamp_templates.
type TemplateRepository struct {
	db *sql.DB
}

var _ repositories.StampTemplateRepository = (*TemplateRepository)(nil)

// NewTemplateRepository constructs the repository.
func NewTemplateRepository(db *sql.DB) *TemplateRepository {
	return &TemplateRepository{db: db}
}

// Upsert inserts or replaces the template. created_at is written only on insert.
func (r *TemplateRepository) Upsert(ctx context.Context, template domain.StampTemplate) (domain.StampTemplate, error) {
	query := `
		INSERT INTO stamp_templates (` + templateColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			jurisdiction = EXCLUDED.jurisdiction,
			document_type = EXCLUDED.document_type,
			base_duty = EXCLUDED.base_duty,
			platform_fee = EXCLUDED.platform_fee,
			description = EXCLUDED.description,
			active = EXCLUDED.active,
			updated_at = EXCLUDED.updated_at
		RETURNING ` + templateColumns

	row := r.db.QueryRowContext(ctx, query,
		template.ID,
		template.Jurisdiction,
		template.DocumentType,
		template.BaseDuty,
		template.PlatformFee,
		template.Description,
		template.Active,
		template.CreatedAt.UTC(),
		template.UpdatedAt.UTC(),
	)
	saved, err := scanTemplate(row)
	if err != nil {
		return domain.StampTemplate{}, wrapError("templates.upsert", err)
	}
	return saved, nil
}

// FindByID loads a template.
func (r *TemplateRepository) FindByID(ctx context.Context, templateID string) (domain.StampTemplate, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+templateColumns+` FROM stamp_templates WHERE id = $1`, templateID)
	template, err := scanTemplate(row)
	if err != nil {
		return domain.StampTemplate{}, wrapError("templates.find", err)
	}
	return template, nil
}

// ListActiveByJurisdiction returns active templates ordered by document type.
func (r *TemplateRepository) ListActiveByJurisdiction(ctx context.Context, jurisdiction string) ([]domain.StampTemplate, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+templateColumns+`
		FROM stamp_templates
		WHERE jurisdiction = $1 AND active
		ORDER BY document_type`, domain.NormalizeJurisdiction(jurisdiction))
	if err != nil {
		return nil, wrapError("templates.list_active", err)
	}
	defer rows.Close()

	out := make([]domain.StampTemplate, 0)
	for rows.Next() {
		template, err := scanTemplate(rows)
		if err != nil {
			return nil, wrapError("templates.list_active", err)
		}
		out = append(out, template)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapError("templates.list_active", err)
	}
	return out, nil
}

// Delete removes the template. The ON DELETE RESTRICT foreign key from stamp_orders rejects the
// delete while an order references it.
func (r *TemplateRepository) Delete(ctx context.Context, templateID string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM stamp_templates WHERE id = $1`, templateID)
	if err != nil {
		return wrapError("templates.delete", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return wrapError("templates.delete", err)
	}
	if affected == 0 {
		return notFound("templates.delete", "template %q not found", templateID)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTemplate(row rowScanner) (domain.StampTemplate, error) {
	var t domain.StampTemplate
	if err := row.Scan(
		&t.ID,
		&t.Jurisdiction,
		&t.DocumentType,
		&t.BaseDuty,
		&t.PlatformFee,
		&t.Description,
		&t.Active,
		&t.CreatedAt,
		&t.UpdatedAt,
	); err != nil {
		return domain.StampTemplate{}, err
	}
	t.CreatedAt = t.CreatedAt.UTC()
	t.UpdatedAt = t.UpdatedAt.UTC()
	return t, nil
}
