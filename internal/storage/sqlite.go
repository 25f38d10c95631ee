package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mpataki/jury/internal/models"
	_ "modernc.org/sqlite"
)

var ErrRunNotFound = errors.New("run not found")

// Storage is the durable record of runs and outcomes. The presence of an
// outcome row for a natural key is the checkpoint: there is no second ledger.
type Storage struct {
	db *sql.DB
}

func New(dbPath string) (*Storage, error) {
	dsn := "file:" + dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// One connection serializes writers; SQLite allows a single writer anyway.
	db.SetMaxOpenConns(1)

	s := &Storage{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *Storage) Close() error {
	return s.db.Close()
}

// Ping reports whether the persistence layer is reachable.
func (s *Storage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Storage) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		completed_at TIMESTAMP,
		spec_path TEXT NOT NULL,
		spec_hash TEXT NOT NULL,
		seed INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'pending',
		total_planned INTEGER NOT NULL DEFAULT 0,
		completed INTEGER NOT NULL DEFAULT 0,
		failed INTEGER NOT NULL DEFAULT 0,
		pid INTEGER,
		error TEXT
	);

	CREATE TABLE IF NOT EXISTS outcomes (
		id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL REFERENCES runs(id),
		judge_id TEXT NOT NULL,
		scenario_id TEXT NOT NULL,
		variation_key TEXT NOT NULL,
		mode TEXT NOT NULL,
		assignment TEXT NOT NULL DEFAULT '{}',
		kind TEXT NOT NULL,
		choice_id TEXT,
		confidence REAL,
		difficulty INTEGER,
		rationale TEXT,
		latency_ms INTEGER,
		model TEXT,
		usage TEXT,
		error_class TEXT,
		error_message TEXT,
		attempts INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		UNIQUE(run_id, judge_id, scenario_id, variation_key, mode)
	);

	CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
	CREATE INDEX IF NOT EXISTS idx_outcomes_run_judge ON outcomes(run_id, judge_id);
	CREATE INDEX IF NOT EXISTS idx_outcomes_run_scenario ON outcomes(run_id, scenario_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

const runColumns = `id, created_at, updated_at, completed_at, spec_path, spec_hash, seed, status,
	total_planned, completed, failed, pid, error`

func (s *Storage) CreateRun(ctx context.Context, run *models.Run) error {
	now := time.Now().UTC()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	run.UpdatedAt = now
	if run.Status == "" {
		run.Status = models.RunStatusPending
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, created_at, updated_at, spec_path, spec_hash, seed, status, total_planned)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.CreatedAt, run.UpdatedAt, run.SpecPath, run.SpecHash, run.Seed, run.Status, run.TotalPlanned,
	)
	return err
}

func (s *Storage) GetRun(ctx context.Context, id string) (*models.Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return run, err
}

// UpdateRun persists lifecycle fields. Counters are owned by Record and are
// never written here.
func (s *Storage) UpdateRun(ctx context.Context, run *models.Run) error {
	run.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET updated_at = ?, completed_at = ?, status = ?, total_planned = ?, pid = ?, error = ?
		 WHERE id = ?`,
		run.UpdatedAt, run.CompletedAt, run.Status, run.TotalPlanned, run.PID, nullString(run.Error), run.ID,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, run.ID)
	}
	return nil
}

func (s *Storage) ListRuns(ctx context.Context, limit int) ([]*models.Run, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs ORDER BY created_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*models.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}

	return runs, rows.Err()
}

func (s *Storage) DeleteRun(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM outcomes WHERE run_id = ?`, id); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}

	return tx.Commit()
}

// Record writes one outcome and bumps the run counter in the same
// transaction. It returns false when the natural key already had an outcome,
// in which case nothing changes.
func (s *Storage) Record(ctx context.Context, o *models.Outcome) (bool, error) {
	if (o.Decision == nil) == (o.Failure == nil) {
		return false, fmt.Errorf("outcome for %s must carry exactly one of decision or failure", o.Config.Key())
	}
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now().UTC()
	}

	assignment, err := json.Marshal(o.Config.Assignment)
	if err != nil {
		return false, fmt.Errorf("failed to encode assignment: %w", err)
	}

	var (
		choiceID, rationale, model, usage, errClass, errMsg sql.NullString
		confidence                                          sql.NullFloat64
		difficulty, latency                                 sql.NullInt64
	)
	counter := "completed"
	if d := o.Decision; d != nil {
		choiceID = nullString(d.ChoiceID)
		rationale = nullString(d.Rationale)
		model = nullString(d.Model)
		confidence = sql.NullFloat64{Float64: d.Confidence, Valid: true}
		difficulty = sql.NullInt64{Int64: int64(d.Difficulty), Valid: true}
		latency = sql.NullInt64{Int64: d.Latency.Milliseconds(), Valid: true}
		if d.Usage != nil {
			data, err := json.Marshal(d.Usage)
			if err != nil {
				return false, fmt.Errorf("failed to encode usage: %w", err)
			}
			usage = nullString(string(data))
		}
	} else {
		counter = "failed"
		errClass = nullString(string(o.Failure.Class))
		errMsg = nullString(o.Failure.Message)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	key := o.Config.Key()
	res, err := tx.ExecContext(ctx,
		`INSERT INTO outcomes (id, run_id, judge_id, scenario_id, variation_key, mode, assignment, kind,
			choice_id, confidence, difficulty, rationale, latency_ms, model, usage,
			error_class, error_message, attempts, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(run_id, judge_id, scenario_id, variation_key, mode) DO NOTHING`,
		o.ID, o.RunID, key.JudgeID, key.ScenarioID, key.VariationKey, string(key.Mode), string(assignment), string(o.Kind()),
		choiceID, confidence, difficulty, rationale, latency, model, usage,
		errClass, errMsg, o.Attempts, o.CreatedAt,
	)
	if err != nil {
		return false, err
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if inserted == 0 {
		return false, nil
	}

	res, err = tx.ExecContext(ctx,
		`UPDATE runs SET `+counter+` = `+counter+` + 1, updated_at = ? WHERE id = ?`,
		time.Now().UTC(), o.RunID,
	)
	if err != nil {
		return false, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, fmt.Errorf("%w: %s", ErrRunNotFound, o.RunID)
	}

	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Storage) AlreadyDone(ctx context.Context, runID string, key models.NaturalKey) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM outcomes WHERE run_id = ? AND judge_id = ? AND scenario_id = ? AND variation_key = ? AND mode = ?`,
		runID, key.JudgeID, key.ScenarioID, key.VariationKey, string(key.Mode),
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// LoadCompletedKeys returns every resolved natural key of the run for O(1)
// filtering before dispatch.
func (s *Storage) LoadCompletedKeys(ctx context.Context, runID string) (map[models.NaturalKey]struct{}, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT judge_id, scenario_id, variation_key, mode FROM outcomes WHERE run_id = ?`, runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	done := make(map[models.NaturalKey]struct{})
	for rows.Next() {
		var k models.NaturalKey
		var mode string
		if err := rows.Scan(&k.JudgeID, &k.ScenarioID, &k.VariationKey, &mode); err != nil {
			return nil, err
		}
		k.Mode = models.Mode(mode)
		done[k] = struct{}{}
	}

	return done, rows.Err()
}

type OutcomeFilter struct {
	RunID      string
	JudgeID    string
	ScenarioID string
	Mode       models.Mode
	Kind       models.OutcomeKind
	Limit      int
	Offset     int
}

// ListOutcomes is the read-only query surface for analysis tooling.
func (s *Storage) ListOutcomes(ctx context.Context, f OutcomeFilter) ([]*models.Outcome, error) {
	where := []string{"run_id = ?"}
	args := []any{f.RunID}
	if f.JudgeID != "" {
		where = append(where, "judge_id = ?")
		args = append(args, f.JudgeID)
	}
	if f.ScenarioID != "" {
		where = append(where, "scenario_id = ?")
		args = append(args, f.ScenarioID)
	}
	if f.Mode != "" {
		where = append(where, "mode = ?")
		args = append(args, string(f.Mode))
	}
	if f.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, string(f.Kind))
	}

	limit := f.Limit
	if limit <= 0 {
		limit = -1
	}
	args = append(args, limit, f.Offset)

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, judge_id, scenario_id, variation_key, mode, assignment, kind,
			choice_id, confidence, difficulty, rationale, latency_ms, model, usage,
			error_class, error_message, attempts, created_at
		 FROM outcomes WHERE `+strings.Join(where, " AND ")+`
		 ORDER BY created_at, id LIMIT ? OFFSET ?`, args...,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Outcome
	for rows.Next() {
		o, err := scanOutcome(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}

	return out, rows.Err()
}

type JudgeCounts struct {
	JudgeID   string `json:"judge_id"`
	Succeeded int    `json:"succeeded"`
	Failed    int    `json:"failed"`
}

func (s *Storage) CountsByJudge(ctx context.Context, runID string) ([]JudgeCounts, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT judge_id,
			SUM(CASE WHEN kind = 'decision' THEN 1 ELSE 0 END),
			SUM(CASE WHEN kind = 'failure' THEN 1 ELSE 0 END)
		 FROM outcomes WHERE run_id = ? GROUP BY judge_id ORDER BY judge_id`, runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []JudgeCounts
	for rows.Next() {
		var c JudgeCounts
		if err := rows.Scan(&c.JudgeID, &c.Succeeded, &c.Failed); err != nil {
			return nil, err
		}
		out = append(out, c)
	}

	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*models.Run, error) {
	var run models.Run
	var completedAt sql.NullTime
	var pid sql.NullInt64
	var runErr sql.NullString

	err := row.Scan(
		&run.ID, &run.CreatedAt, &run.UpdatedAt, &completedAt, &run.SpecPath, &run.SpecHash, &run.Seed,
		&run.Status, &run.TotalPlanned, &run.Completed, &run.Failed, &pid, &runErr,
	)
	if err != nil {
		return nil, err
	}

	if completedAt.Valid {
		run.CompletedAt = &completedAt.Time
	}
	if pid.Valid {
		p := int(pid.Int64)
		run.PID = &p
	}
	if runErr.Valid {
		run.Error = runErr.String
	}

	return &run, nil
}

func scanOutcome(row scanner) (*models.Outcome, error) {
	var o models.Outcome
	var judgeID, scenarioID, variationKey, mode, assignment, kind string
	var (
		choiceID, rationale, model, usage, errClass, errMsg sql.NullString
		confidence                                          sql.NullFloat64
		difficulty, latency                                 sql.NullInt64
	)

	err := row.Scan(
		&o.ID, &o.RunID, &judgeID, &scenarioID, &variationKey, &mode, &assignment, &kind,
		&choiceID, &confidence, &difficulty, &rationale, &latency, &model, &usage,
		&errClass, &errMsg, &o.Attempts, &o.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	o.Config = models.Configuration{
		JudgeID:      judgeID,
		ScenarioID:   scenarioID,
		VariationKey: variationKey,
		Mode:         models.Mode(mode),
	}
	if err := json.Unmarshal([]byte(assignment), &o.Config.Assignment); err != nil {
		return nil, fmt.Errorf("outcome %s: bad assignment: %w", o.ID, err)
	}

	if models.OutcomeKind(kind) == models.OutcomeFailure {
		o.Failure = &models.FailureRecord{
			Class:    models.ErrorClass(errClass.String),
			Message:  errMsg.String,
			Attempts: o.Attempts,
		}
		return &o, nil
	}

	o.Decision = &models.Decision{
		ChoiceID:   choiceID.String,
		Confidence: confidence.Float64,
		Difficulty: int(difficulty.Int64),
		Rationale:  rationale.String,
		Latency:    time.Duration(latency.Int64) * time.Millisecond,
		Model:      model.String,
	}
	if usage.Valid {
		var u models.Usage
		if err := json.Unmarshal([]byte(usage.String), &u); err != nil {
			return nil, fmt.Errorf("outcome %s: bad usage: %w", o.ID, err)
		}
		o.Decision.Usage = &u
	}

	return &o, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
