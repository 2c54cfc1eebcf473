package service

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"biblioteca-auth/internal/model"
	"biblioteca-auth/internal/util"
)

// exercisePageSize matches the page size the front end renders.
const exercisePageSize = 48

// ExerciseStore reads the exercises table.
type ExerciseStore interface {
	ListPage(ctx context.Context, pageSize int, offset string) ([]model.Exercise, string, error)
	Get(ctx context.Context, id string) (*model.Exercise, error)
}

// ExerciseService serves the read-only exercise listing. Search filtering
// happens here rather than in a store formula, matching how the front end
// has always behaved (accent- and case-insensitive substring match).
type ExerciseService struct {
	store  ExerciseStore
	logger *zap.Logger
}

func NewExerciseService(store ExerciseStore, logger *zap.Logger) *ExerciseService {
	return &ExerciseService{store: store, logger: logger}
}

// ExercisePage is one page of listing results.
type ExercisePage struct {
	Rows       []model.Exercise `json:"rows"`
	HasMore    bool             `json:"hasMore"`
	NextOffset string           `json:"nextOffset"`
}

// List returns one page of exercises, filtered by query when non-empty.
func (s *ExerciseService) List(ctx context.Context, query, offset string) (*ExercisePage, error) {
	rows, next, err := s.store.ListPage(ctx, exercisePageSize, offset)
	if err != nil {
		return nil, err
	}

	if q := util.Fold(strings.TrimSpace(query)); q != "" {
		filtered := rows[:0]
		for _, ex := range rows {
			if strings.Contains(util.Fold(ex.Name), q) ||
				strings.Contains(util.Fold(ex.Category), q) ||
				strings.Contains(util.Fold(ex.TargetMuscle), q) ||
				strings.Contains(util.Fold(ex.Notes), q) {
				filtered = append(filtered, ex)
			}
		}
		rows = filtered
	}
	if rows == nil {
		rows = []model.Exercise{}
	}

	return &ExercisePage{
		Rows:       rows,
		HasMore:    next != "",
		NextOffset: next,
	}, nil
}

// Detail returns a single exercise by record id.
func (s *ExerciseService) Detail(ctx context.Context, id string) (*model.Exercise, error) {
	if strings.TrimSpace(id) == "" {
		return nil, ErrMissingFields
	}
	return s.store.Get(ctx, id)
}
