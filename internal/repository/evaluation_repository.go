package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cargohub/hub/internal/huberrors"
	"github.com/cargohub/hub/internal/models"
)

// EvaluationRepository stores controlled tests and their append-only evaluation results.
type EvaluationRepository struct {
	db *pgxpool.Pool
}

// NewEvaluationRepository creates a new evaluation repository.
func NewEvaluationRepository(db *pgxpool.Pool) *EvaluationRepository {
	return &EvaluationRepository{db: db}
}

const controlledTestColumns = `id, name, query, relevant_ids, active, created_at, updated_at`

func scanControlledTest(row pgx.Row) (models.ControlledTest, error) {
	var t models.ControlledTest
	err := row.Scan(&t.ID, &t.Name, &t.Query, &t.RelevantIDs, &t.Active, &t.CreatedAt, &t.UpdatedAt)

	return t, err
}

// mapUniqueViolation turns a unique violation into a ConflictError carrying msg.
func mapUniqueViolation(err error, msg string) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" { // Unique violation
		return huberrors.NewConflictError(msg)
	}

	return err
}

const duplicateTestName = "a controlled test with this name already exists"

// CreateTest inserts a controlled test. Active defaults to true.
func (r *EvaluationRepository) CreateTest(ctx context.Context, req *models.CreateControlledTestRequest) (*models.ControlledTest, error) {
	active := true
	if req.Active != nil {
		active = *req.Active
	}

	t, err := scanControlledTest(r.db.QueryRow(ctx, `
		INSERT INTO controlled_tests (name, query, relevant_ids, active)
		VALUES ($1, $2, $3, $4)
		RETURNING `+controlledTestColumns,
		req.Name, req.Query, req.RelevantIDs, active,
	))
	if err != nil {
		return nil, fmt.Errorf("create controlled test: %w", mapUniqueViolation(err, duplicateTestName))
	}

	return &t, nil
}

// GetTest returns a controlled test or a NotFoundError.
func (r *EvaluationRepository) GetTest(ctx context.Context, id int64) (*models.ControlledTest, error) {
	t, err := scanControlledTest(r.db.QueryRow(ctx,
		`SELECT `+controlledTestColumns+` FROM controlled_tests WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, huberrors.NewNotFoundError("controlled test", strconv.FormatInt(id, 10))
		}

		return nil, fmt.Errorf("get controlled test: %w", err)
	}

	return &t, nil
}

// ListTests returns controlled tests ordered by id; activeOnly drops inactive ones.
func (r *EvaluationRepository) ListTests(ctx context.Context, activeOnly bool) ([]models.ControlledTest, error) {
	query := `SELECT ` + controlledTestColumns + ` FROM controlled_tests`
	if activeOnly {
		query += ` WHERE active`
	}

	rows, err := r.db.Query(ctx, query+` ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list controlled tests: %w", err)
	}
	defer rows.Close()

	var out []models.ControlledTest

	for rows.Next() {
		t, err := scanControlledTest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan controlled test: %w", err)
		}

		out = append(out, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating controlled tests: %w", err)
	}

	return out, nil
}

// UpdateTest applies the non-nil fields of req.
func (r *EvaluationRepository) UpdateTest(
	ctx context.Context, id int64, req *models.UpdateControlledTestRequest,
) (*models.ControlledTest, error) {
	var (
		updates []string
		args    []any
	)

	set := func(col string, v any) {
		args = append(args, v)
		updates = append(updates, fmt.Sprintf("%s = $%d", col, len(args)))
	}

	if req.Name != nil {
		set("name", *req.Name)
	}

	if req.Query != nil {
		set("query", *req.Query)
	}

	if req.RelevantIDs != nil {
		set("relevant_ids", req.RelevantIDs)
	}

	if req.Active != nil {
		set("active", *req.Active)
	}

	if len(updates) == 0 {
		return r.GetTest(ctx, id)
	}

	set("updated_at", time.Now())
	args = append(args, id)

	query := fmt.Sprintf(`UPDATE controlled_tests SET %s WHERE id = $%d RETURNING %s`,
		strings.Join(updates, ", "), len(args), controlledTestColumns)

	t, err := scanControlledTest(r.db.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, huberrors.NewNotFoundError("controlled test", strconv.FormatInt(id, 10))
		}

		return nil, fmt.Errorf("update controlled test: %w", mapUniqueViolation(err, duplicateTestName))
	}

	return &t, nil
}

// SaveResult appends one evaluation result.
func (r *EvaluationRepository) SaveResult(ctx context.Context, res *models.EvaluationResult) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO evaluation_results
			(id, test_id, test_name, query, model, result_limit, mrr, ndcg_10, precision_5, ranking, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		res.ID, res.TestID, res.TestName, res.Query, res.Model, res.Limit,
		res.MRR, res.NDCG10, res.Precision5, res.Ranking, res.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("save evaluation result: %w", err)
	}

	return nil
}

// ListResults returns the results created in [from, to), oldest first.
func (r *EvaluationRepository) ListResults(ctx context.Context, from, to time.Time) ([]models.EvaluationResult, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, test_id, test_name, query, model, result_limit, mrr, ndcg_10, precision_5, ranking, created_at
		FROM evaluation_results
		WHERE created_at >= $1 AND created_at < $2
		ORDER BY created_at, id`, from, to)
	if err != nil {
		return nil, fmt.Errorf("list evaluation results: %w", err)
	}
	defer rows.Close()

	var out []models.EvaluationResult

	for rows.Next() {
		var res models.EvaluationResult
		if err := rows.Scan(&res.ID, &res.TestID, &res.TestName, &res.Query, &res.Model, &res.Limit,
			&res.MRR, &res.NDCG10, &res.Precision5, &res.Ranking, &res.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan evaluation result: %w", err)
		}

		out = append(out, res)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating evaluation results: %w", err)
	}

	return out, nil
}
