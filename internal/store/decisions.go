package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"replenishment-engine/internal/models"

	"github.com/shopspring/decimal"
)

type decisionRow struct {
	ID            string          `db:"id"`
	RunID         string          `db:"run_id"`
	Source        string          `db:"source"`
	ProductID     int64           `db:"product_id"`
	Kind          string          `db:"kind"`
	Payload       string          `db:"payload"`
	Priority      string          `db:"priority"`
	Confidence    float64         `db:"confidence"`
	Impact        string          `db:"impact"`
	ImpactValue   decimal.Decimal `db:"impact_value"`
	PriorityScore float64         `db:"priority_score"`
	Rationale     string          `db:"rationale"`
	Status        string          `db:"status"`
	RetryOf       sql.NullString  `db:"retry_of"`
	SupersededBy  sql.NullString  `db:"superseded_by"`
	Error         sql.NullString  `db:"error"`
	ScheduledAt   *time.Time      `db:"scheduled_at"`
	CreatedAt     time.Time       `db:"created_at"`
	UpdatedAt     time.Time       `db:"updated_at"`
}

func toDecisionRow(runID string, d *models.Decision) (*decisionRow, error) {
	payload, err := json.Marshal(d.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}
	return &decisionRow{
		ID:            d.ID,
		RunID:         runID,
		Source:        d.Source,
		ProductID:     d.ProductID,
		Kind:          string(d.Kind()),
		Payload:       string(payload),
		Priority:      string(d.Priority),
		Confidence:    d.Confidence,
		Impact:        string(d.Impact),
		ImpactValue:   d.ImpactValue,
		PriorityScore: d.PriorityScore,
		Rationale:     d.Rationale,
		Status:        string(d.Status),
		RetryOf:       nullString(d.RetryOf),
		SupersededBy:  nullString(d.SupersededBy),
		Error:         nullString(d.Error),
		ScheduledAt:   d.ScheduledAt,
		CreatedAt:     d.CreatedAt,
		UpdatedAt:     d.UpdatedAt,
	}, nil
}

func (r *decisionRow) decision() (*models.Decision, error) {
	payload, err := models.DecodePayload(models.DecisionKind(r.Kind), []byte(r.Payload))
	if err != nil {
		return nil, err
	}
	return &models.Decision{
		ID:            r.ID,
		Source:        r.Source,
		ProductID:     r.ProductID,
		Payload:       payload,
		Priority:      models.Priority(r.Priority),
		Confidence:    r.Confidence,
		Impact:        models.Impact(r.Impact),
		ImpactValue:   r.ImpactValue,
		PriorityScore: r.PriorityScore,
		Rationale:     r.Rationale,
		Status:        models.DecisionStatus(r.Status),
		RetryOf:       r.RetryOf.String,
		SupersededBy:  r.SupersededBy.String,
		Error:         r.Error.String,
		ScheduledAt:   r.ScheduledAt,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// SaveDecision upserts a decision into the decision log
func (s *PostgresStore) SaveDecision(ctx context.Context, runID string, d *models.Decision) error {
	row, err := toDecisionRow(runID, d)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO decisions (id, run_id, source, product_id, kind, payload, priority, confidence, impact,
			impact_value, priority_score, rationale, status, retry_of, superseded_by, error, scheduled_at,
			created_at, updated_at)
		VALUES (:id, :run_id, :source, :product_id, :kind, :payload, :priority, :confidence, :impact,
			:impact_value, :priority_score, :rationale, :status, :retry_of, :superseded_by, :error, :scheduled_at,
			:created_at, :updated_at)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			priority_score = EXCLUDED.priority_score,
			superseded_by = EXCLUDED.superseded_by,
			error = EXCLUDED.error,
			scheduled_at = EXCLUDED.scheduled_at,
			updated_at = EXCLUDED.updated_at`

	if _, err := s.db.NamedExecContext(ctx, query, row); err != nil {
		return fmt.Errorf("failed to save decision: %w", err)
	}
	return nil
}

// GetDecision retrieves a decision by ID
func (s *PostgresStore) GetDecision(ctx context.Context, id string) (*models.Decision, error) {
	var row decisionRow
	err := s.db.GetContext(ctx, &row, "SELECT * FROM decisions WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("decision %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return row.decision()
}

// ListDecisions retrieves all decisions of a run in creation order
func (s *PostgresStore) ListDecisions(ctx context.Context, runID string) ([]*models.Decision, error) {
	var rows []decisionRow
	err := s.db.SelectContext(ctx, &rows,
		"SELECT * FROM decisions WHERE run_id = $1 ORDER BY created_at, id", runID)
	if err != nil {
		return nil, err
	}

	out := make([]*models.Decision, 0, len(rows))
	for i := range rows {
		d, err := rows[i].decision()
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

// SaveRunReport stores the report of a finished run
func (s *PostgresStore) SaveRunReport(ctx context.Context, r *models.RunReport) error {
	query := `
		INSERT INTO run_reports (run_id, trigger, started_at, finished_at, pairs_assessed, insufficient_data_pairs,
			recommendations_generated, duplicates, decisions_executed, decisions_failed, decisions_superseded,
			decisions_skipped, decisions_pending, cancelled)
		VALUES (:run_id, :trigger, :started_at, :finished_at, :pairs_assessed, :insufficient_data_pairs,
			:recommendations_generated, :duplicates, :decisions_executed, :decisions_failed, :decisions_superseded,
			:decisions_skipped, :decisions_pending, :cancelled)
		ON CONFLICT (run_id) DO NOTHING`

	if _, err := s.db.NamedExecContext(ctx, query, r); err != nil {
		return fmt.Errorf("failed to save run report: %w", err)
	}
	return nil
}

// GetLastRunReport retrieves the most recently finished run
func (s *PostgresStore) GetLastRunReport(ctx context.Context) (*models.RunReport, error) {
	var r models.RunReport
	err := s.db.GetContext(ctx, &r, "SELECT * FROM run_reports ORDER BY finished_at DESC LIMIT 1")
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run report: %w", models.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}
