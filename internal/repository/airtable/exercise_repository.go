package airtable

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"biblioteca-auth/internal/client"
	"biblioteca-auth/internal/config"
	"biblioteca-auth/internal/model"
)

// Column names in the exercises table.
const (
	fieldExercise     = "Ejercicio"
	fieldCategory     = "Categoría"
	fieldTargetMuscle = "Músculo objetivo"
	fieldNotes        = "Indicaciones"
	fieldVideo        = "Vídeo"
)

// ExerciseRepository reads the exercises table. Read-only.
type ExerciseRepository struct {
	client *client.AirtableClient
	table  string
	logger *zap.Logger
}

func NewExerciseRepository(c *client.AirtableClient, cfg *config.Config, logger *zap.Logger) *ExerciseRepository {
	return &ExerciseRepository{
		client: c,
		table:  cfg.Airtable.ExercisesTable,
		logger: logger,
	}
}

// ListPage fetches one page of exercises and the continuation cursor for the
// next one ("" when exhausted).
func (r *ExerciseRepository) ListPage(ctx context.Context, pageSize int, offset string) ([]model.Exercise, string, error) {
	page, err := r.client.List(ctx, r.table, client.ListOptions{
		PageSize: pageSize,
		Offset:   offset,
	})
	if err != nil {
		return nil, "", fmt.Errorf("exercise list: %w", err)
	}
	out := make([]model.Exercise, 0, len(page.Records))
	for _, rec := range page.Records {
		out = append(out, toExercise(rec))
	}
	return out, page.Offset, nil
}

// Get fetches a single exercise by record id.
func (r *ExerciseRepository) Get(ctx context.Context, id string) (*model.Exercise, error) {
	rec, err := r.client.Get(ctx, r.table, id)
	if err != nil {
		return nil, fmt.Errorf("exercise detail %s: %w", id, err)
	}
	ex := toExercise(*rec)
	return &ex, nil
}

func toExercise(rec client.Record) model.Exercise {
	return model.Exercise{
		ID:           rec.ID,
		Name:         fieldString(rec.Fields, fieldExercise),
		Category:     fieldString(rec.Fields, fieldCategory),
		TargetMuscle: fieldString(rec.Fields, fieldTargetMuscle),
		Notes:        fieldString(rec.Fields, fieldNotes),
		VideoURL:     videoURL(rec.Fields[fieldVideo]),
	}
}

// videoURL tolerates the two shapes the table has used for the video column:
// a plain URL string or an attachment array.
func videoURL(raw any) string {
	switch v := raw.(type) {
	case string:
		return v
	case []any:
		if len(v) == 0 {
			return ""
		}
		if first, ok := v[0].(map[string]any); ok {
			if u, ok := first["url"].(string); ok {
				return u
			}
		}
	}
	return ""
}
