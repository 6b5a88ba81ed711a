package datastore

import (
	"context"

	"gorm.io/gorm"

	"github.com/avibox/avibox/internal/errors"
)

// Reference queries JOIN the attached read-only store: ref.species maps
// scientific_name to taxonomy, ref.translations carries per-language common
// names. Detections persist raw model labels; the reference store is the
// authoritative translator for display.

// SpeciesSummary aggregates detections per species with reference taxonomy.
// When the reference store is absent the summary degrades to detection
// columns only.
func (s *SQLiteStore) SpeciesSummary(ctx context.Context, opts SummaryOptions) ([]SpeciesSummaryRow, error) {
	var out []SpeciesSummaryRow

	query := s.DB.WithContext(ctx).Table("detections d")
	if s.refAttached {
		query = query.
			Select(`d.scientific_name,
				MAX(d.common_name) AS common_name,
				COALESCE(sp.english_name, '') AS english_name,
				COALESCE(sp.taxonomic_order, '') AS taxonomic_order,
				COALESCE(sp.family, '') AS family,
				COALESCE(sp.genus, '') AS genus,
				COUNT(*) AS count,
				strftime('%Y-%m-%dT%H:%M:%SZ', MIN(d.timestamp)) AS first_seen,
				strftime('%Y-%m-%dT%H:%M:%SZ', MAX(d.timestamp)) AS last_seen,
				MAX(d.confidence) AS max_confidence`).
			Joins("LEFT JOIN ref.species sp ON sp.scientific_name = d.scientific_name")
		if opts.FamilyFilter != "" {
			query = query.Where("sp.family = ?", opts.FamilyFilter)
		}
	} else {
		query = query.
			Select(`d.scientific_name,
				MAX(d.common_name) AS common_name,
				'' AS english_name,
				'' AS taxonomic_order,
				'' AS family,
				'' AS genus,
				COUNT(*) AS count,
				strftime('%Y-%m-%dT%H:%M:%SZ', MIN(d.timestamp)) AS first_seen,
				strftime('%Y-%m-%dT%H:%M:%SZ', MAX(d.timestamp)) AS last_seen,
				MAX(d.confidence) AS max_confidence`)
		if opts.FamilyFilter != "" {
			return []SpeciesSummaryRow{}, nil
		}
	}

	if !opts.Since.IsZero() {
		query = query.Where("d.timestamp >= ?", opts.Since)
	}

	err := query.
		Group("d.scientific_name").
		Order("count DESC").
		Scan(&out).Error
	if err != nil {
		return nil, errors.New(err).
			Component("datastore").
			Category(errors.CategoryDatabase).
			Context("operation", "species-summary").
			Build()
	}

	if s.refAttached && opts.Language != "" && opts.Language != "en" {
		s.applyTranslations(ctx, out, opts.Language)
	}
	return out, nil
}

// applyTranslations overlays per-language common names onto summary rows.
// Missing translations keep the english or raw label; translation failures
// never fail the summary.
func (s *SQLiteStore) applyTranslations(ctx context.Context, rows []SpeciesSummaryRow, language string) {
	type translation struct {
		ScientificName string
		CommonName     string
	}
	var translations []translation
	err := s.DB.WithContext(ctx).
		Table("ref.translations").
		Select("scientific_name, common_name").
		Where("language_code = ?", language).
		Scan(&translations).Error
	if err != nil {
		getLogger().Warn("translation lookup failed", "language", language, "error", err)
		return
	}
	byName := make(map[string]string, len(translations))
	for i := range translations {
		byName[translations[i].ScientificName] = translations[i].CommonName
	}
	for i := range rows {
		if name, ok := byName[rows[i].ScientificName]; ok {
			rows[i].CommonName = name
		}
	}
}

// Families lists the distinct families present among stored detections.
func (s *SQLiteStore) Families(ctx context.Context) ([]string, error) {
	if !s.refAttached {
		return []string{}, nil
	}
	var families []string
	err := s.DB.WithContext(ctx).
		Table("detections d").
		Joins("JOIN ref.species sp ON sp.scientific_name = d.scientific_name").
		Where("sp.family <> ''").
		Distinct("sp.family").
		Order("sp.family").
		Pluck("sp.family", &families).Error
	if err != nil {
		return nil, errors.New(err).
			Component("datastore").
			Category(errors.CategoryDatabase).
			Context("operation", "families").
			Build()
	}
	return families, nil
}

// SpeciesInfo fetches the reference row for one species.
func (s *SQLiteStore) SpeciesInfo(ctx context.Context, scientificName string) (*SpeciesInfo, error) {
	if !s.refAttached {
		return nil, errors.Newf("reference database not attached").
			Component("datastore").
			Category(errors.CategoryNotFound).
			Build()
	}
	var info SpeciesInfo
	err := s.DB.WithContext(ctx).
		Table("ref.species").
		Select("scientific_name, english_name, taxonomic_order, family, genus, species_epithet, authority").
		Where("scientific_name = ?", scientificName).
		First(&info).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.Newf("species %q not in reference store", scientificName).
				Component("datastore").
				Category(errors.CategoryNotFound).
				Build()
		}
		return nil, errors.New(err).
			Component("datastore").
			Category(errors.CategoryDatabase).
			Context("operation", "species-info").
			Build()
	}
	return &info, nil
}
