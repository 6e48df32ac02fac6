package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"conclave/internal/domain"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	goal TEXT NOT NULL,
	role TEXT NOT NULL,
	context TEXT NOT NULL,
	status TEXT NOT NULL,
	negotiation_id TEXT NOT NULL DEFAULT '',
	last_error TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS execution_results (
	task_id TEXT NOT NULL,
	attempt INTEGER NOT NULL,
	success INTEGER NOT NULL,
	output TEXT NOT NULL DEFAULT '',
	error TEXT NOT NULL DEFAULT '',
	diagnosis TEXT NOT NULL DEFAULT '',
	governance TEXT NOT NULL DEFAULT '',
	arbitration TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	PRIMARY KEY(task_id, attempt),
	FOREIGN KEY(task_id) REFERENCES tasks(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS negotiations (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL,
	description TEXT NOT NULL,
	status TEXT NOT NULL,
	round INTEGER NOT NULL DEFAULT 0,
	max_rounds INTEGER NOT NULL,
	score REAL NOT NULL DEFAULT 0,
	conflicts TEXT NOT NULL,
	participants TEXT NOT NULL,
	arbitration TEXT NOT NULL DEFAULT '',
	task_id TEXT NOT NULL DEFAULT '',
	cost_cents INTEGER NOT NULL DEFAULT 0,
	started_at INTEGER NULL,
	ended_at INTEGER NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS debate_entries (
	id TEXT PRIMARY KEY,
	negotiation_id TEXT NOT NULL,
	round INTEGER NOT NULL,
	agent TEXT NOT NULL,
	argument TEXT NOT NULL,
	evidence TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	FOREIGN KEY(negotiation_id) REFERENCES negotiations(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_debate_entries_negotiation ON debate_entries(negotiation_id, round, created_at);

CREATE TABLE IF NOT EXISTS score_history (
	negotiation_id TEXT NOT NULL,
	round INTEGER NOT NULL,
	score REAL NOT NULL,
	PRIMARY KEY(negotiation_id, round),
	FOREIGN KEY(negotiation_id) REFERENCES negotiations(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS decision_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	ref_id TEXT NOT NULL,
	actor TEXT NOT NULL,
	action TEXT NOT NULL,
	reason TEXT NOT NULL,
	payload TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_decision_log_ref ON decision_log(ref_id, created_at);
`

type Store struct {
	db *sql.DB
}

func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, stmt := range pragmas {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set sqlite pragma %q: %w", stmt, err)
		}
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

// SaveTask upserts the task row and appends any history entries not yet
// persisted. History is append-only: an existing attempt is never
// rewritten, except for an arbitration decision attached after the fact.
func (s *Store) SaveTask(ctx context.Context, task domain.Task) error {
	now := time.Now().UTC()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx save task: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	_, err = tx.ExecContext(
		ctx,
		`INSERT INTO tasks(id, goal, role, context, status, negotiation_id, last_error, created_at, updated_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			context = excluded.context,
			negotiation_id = excluded.negotiation_id,
			last_error = excluded.last_error,
			updated_at = excluded.updated_at`,
		task.ID, task.Goal, task.Role, task.Context, string(task.Status), task.NegotiationID,
		task.LastError, task.CreatedAt.Unix(), task.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("save task: %w", err)
	}

	for _, result := range task.History {
		createdAt := result.CreatedAt
		if createdAt.IsZero() {
			createdAt = now
		}
		_, err := tx.ExecContext(
			ctx,
			`INSERT INTO execution_results(
				task_id, attempt, success, output, error, diagnosis, governance, arbitration, created_at
			) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(task_id, attempt) DO UPDATE SET
				arbitration = excluded.arbitration
			WHERE excluded.arbitration != ''`,
			task.ID, result.Attempt, boolToInt(result.Success), result.Output, result.Error,
			jsonOrEmpty(result.Diagnosis), jsonOrEmpty(result.Governance), jsonOrEmpty(result.Arbitration),
			createdAt.Unix(),
		)
		if err != nil {
			return fmt.Errorf("save execution result attempt=%d: %w", result.Attempt, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save task: %w", err)
	}
	return nil
}

func (s *Store) GetTask(ctx context.Context, taskID string) (domain.Task, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT id, goal, role, context, status, negotiation_id, last_error, created_at, updated_at
		FROM tasks WHERE id = ?`,
		taskID,
	)
	var t domain.Task
	var status string
	var created, updated int64
	if err := row.Scan(
		&t.ID, &t.Goal, &t.Role, &t.Context, &status, &t.NegotiationID, &t.LastError, &created, &updated,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Task{}, fmt.Errorf("task %s: %w", taskID, domain.ErrNotFound)
		}
		return domain.Task{}, fmt.Errorf("get task: %w", err)
	}
	t.Status = domain.TaskStatus(status)
	t.CreatedAt = unixToTime(created)
	t.UpdatedAt = unixToTime(updated)

	history, err := s.listExecutionResults(ctx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	t.History = history
	return t, nil
}

func (s *Store) listExecutionResults(ctx context.Context, taskID string) ([]domain.ExecutionResult, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT attempt, success, output, error, diagnosis, governance, arbitration, created_at
		FROM execution_results
		WHERE task_id = ?
		ORDER BY attempt ASC`,
		taskID,
	)
	if err != nil {
		return nil, fmt.Errorf("list execution results: %w", err)
	}
	defer rows.Close()

	var history []domain.ExecutionResult
	for rows.Next() {
		var r domain.ExecutionResult
		var success int
		var diagnosis, governance, arbitration string
		var created int64
		if err := rows.Scan(
			&r.Attempt, &success, &r.Output, &r.Error, &diagnosis, &governance, &arbitration, &created,
		); err != nil {
			return nil, fmt.Errorf("scan execution result: %w", err)
		}
		r.Success = success != 0
		r.CreatedAt = unixToTime(created)
		if err := unmarshalInto(diagnosis, &r.Diagnosis); err != nil {
			return nil, fmt.Errorf("decode diagnosis: %w", err)
		}
		if err := unmarshalInto(governance, &r.Governance); err != nil {
			return nil, fmt.Errorf("decode governance: %w", err)
		}
		if err := unmarshalInto(arbitration, &r.Arbitration); err != nil {
			return nil, fmt.Errorf("decode arbitration: %w", err)
		}
		history = append(history, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate execution results: %w", err)
	}
	return history, nil
}

func (s *Store) ListTasks(ctx context.Context) ([]domain.Task, error) {
	return s.listTasksWhere(ctx, "", nil)
}

func (s *Store) ListUnfinishedTasks(ctx context.Context) ([]domain.Task, error) {
	return s.listTasksWhere(
		ctx,
		"WHERE status NOT IN (?, ?)",
		[]any{string(domain.TaskStatusCompleted), string(domain.TaskStatusFailed)},
	)
}

func (s *Store) listTasksWhere(ctx context.Context, where string, args []any) ([]domain.Task, error) {
	query := `SELECT id, goal, role, context, status, negotiation_id, last_error, created_at, updated_at
		FROM tasks ` + where + ` ORDER BY created_at DESC`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	result := make([]domain.Task, 0)
	for rows.Next() {
		var t domain.Task
		var status string
		var created, updated int64
		if err := rows.Scan(
			&t.ID, &t.Goal, &t.Role, &t.Context, &status, &t.NegotiationID, &t.LastError, &created, &updated,
		); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		t.Status = domain.TaskStatus(status)
		t.CreatedAt = unixToTime(created)
		t.UpdatedAt = unixToTime(updated)
		result = append(result, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return result, nil
}

// SaveNegotiation upserts the negotiation row and appends new debate
// entries and score history rows. Both side tables are append-only.
func (s *Store) SaveNegotiation(ctx context.Context, n domain.Negotiation) error {
	now := time.Now().UTC()
	if n.CreatedAt.IsZero() {
		n.CreatedAt = now
	}
	n.UpdatedAt = now

	conflicts, err := json.Marshal(n.Conflicts)
	if err != nil {
		return fmt.Errorf("marshal conflicts: %w", err)
	}
	participants, err := json.Marshal(n.Participants)
	if err != nil {
		return fmt.Errorf("marshal participants: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx save negotiation: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	_, err = tx.ExecContext(
		ctx,
		`INSERT INTO negotiations(
			id, title, description, status, round, max_rounds, score, conflicts, participants,
			arbitration, task_id, cost_cents, started_at, ended_at, created_at, updated_at
		) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			round = excluded.round,
			score = excluded.score,
			arbitration = excluded.arbitration,
			cost_cents = excluded.cost_cents,
			started_at = excluded.started_at,
			ended_at = excluded.ended_at,
			updated_at = excluded.updated_at`,
		n.ID, n.Title, n.Description, string(n.Status), n.Round, n.MaxRounds, n.Score,
		string(conflicts), string(participants), jsonOrEmpty(n.Arbitration), n.TaskID, n.CostCents,
		nullableUnix(n.StartedAt), nullableUnix(n.EndedAt), n.CreatedAt.Unix(), n.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("save negotiation: %w", err)
	}

	for _, entry := range n.Debate {
		createdAt := entry.CreatedAt
		if createdAt.IsZero() {
			createdAt = now
		}
		_, err := tx.ExecContext(
			ctx,
			`INSERT OR IGNORE INTO debate_entries(id, negotiation_id, round, agent, argument, evidence, created_at)
			VALUES(?, ?, ?, ?, ?, ?, ?)`,
			entry.ID, n.ID, entry.Round, entry.Agent, entry.Argument, entry.Evidence, createdAt.Unix(),
		)
		if err != nil {
			return fmt.Errorf("save debate entry: %w", err)
		}
	}

	for _, entry := range n.ScoreHistory {
		_, err := tx.ExecContext(
			ctx,
			`INSERT OR IGNORE INTO score_history(negotiation_id, round, score)
			VALUES(?, ?, ?)`,
			n.ID, entry.Round, entry.Score,
		)
		if err != nil {
			return fmt.Errorf("save score entry: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save negotiation: %w", err)
	}
	return nil
}

func (s *Store) GetNegotiation(ctx context.Context, id string) (domain.Negotiation, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT id, title, description, status, round, max_rounds, score, conflicts, participants,
			arbitration, task_id, cost_cents, started_at, ended_at, created_at, updated_at
		FROM negotiations WHERE id = ?`,
		id,
	)
	n, err := scanNegotiation(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Negotiation{}, fmt.Errorf("negotiation %s: %w", id, domain.ErrNotFound)
		}
		return domain.Negotiation{}, err
	}

	debate, err := s.listDebateEntries(ctx, id)
	if err != nil {
		return domain.Negotiation{}, err
	}
	n.Debate = debate

	scores, err := s.listScoreHistory(ctx, id)
	if err != nil {
		return domain.Negotiation{}, err
	}
	n.ScoreHistory = scores
	return n, nil
}

func (s *Store) ListNegotiations(ctx context.Context) ([]domain.Negotiation, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, title, description, status, round, max_rounds, score, conflicts, participants,
			arbitration, task_id, cost_cents, started_at, ended_at, created_at, updated_at
		FROM negotiations ORDER BY created_at DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list negotiations: %w", err)
	}
	defer rows.Close()

	result := make([]domain.Negotiation, 0)
	for rows.Next() {
		n, err := scanNegotiation(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate negotiations: %w", err)
	}
	return result, nil
}

func (s *Store) CountNegotiations(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM negotiations`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count negotiations: %w", err)
	}
	return count, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNegotiation(row rowScanner) (domain.Negotiation, error) {
	var n domain.Negotiation
	var status, conflicts, participants, arbitration string
	var started, ended sql.NullInt64
	var created, updated int64
	if err := row.Scan(
		&n.ID, &n.Title, &n.Description, &status, &n.Round, &n.MaxRounds, &n.Score,
		&conflicts, &participants, &arbitration, &n.TaskID, &n.CostCents,
		&started, &ended, &created, &updated,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Negotiation{}, err
		}
		return domain.Negotiation{}, fmt.Errorf("scan negotiation: %w", err)
	}
	n.Status = domain.NegotiationStatus(status)
	n.StartedAt = int64ToTimePtr(started)
	n.EndedAt = int64ToTimePtr(ended)
	n.CreatedAt = unixToTime(created)
	n.UpdatedAt = unixToTime(updated)
	if err := json.Unmarshal([]byte(conflicts), &n.Conflicts); err != nil {
		return domain.Negotiation{}, fmt.Errorf("decode conflicts: %w", err)
	}
	if err := json.Unmarshal([]byte(participants), &n.Participants); err != nil {
		return domain.Negotiation{}, fmt.Errorf("decode participants: %w", err)
	}
	if err := unmarshalInto(arbitration, &n.Arbitration); err != nil {
		return domain.Negotiation{}, fmt.Errorf("decode arbitration: %w", err)
	}
	return n, nil
}

func (s *Store) listDebateEntries(ctx context.Context, negotiationID string) ([]domain.DebateEntry, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, round, agent, argument, evidence, created_at
		FROM debate_entries
		WHERE negotiation_id = ?
		ORDER BY round ASC, created_at ASC`,
		negotiationID,
	)
	if err != nil {
		return nil, fmt.Errorf("list debate entries: %w", err)
	}
	defer rows.Close()

	var result []domain.DebateEntry
	for rows.Next() {
		var entry domain.DebateEntry
		var created int64
		if err := rows.Scan(&entry.ID, &entry.Round, &entry.Agent, &entry.Argument, &entry.Evidence, &created); err != nil {
			return nil, fmt.Errorf("scan debate entry: %w", err)
		}
		entry.CreatedAt = unixToTime(created)
		result = append(result, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate debate entries: %w", err)
	}
	return result, nil
}

func (s *Store) listScoreHistory(ctx context.Context, negotiationID string) ([]domain.ScoreEntry, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT round, score FROM score_history WHERE negotiation_id = ? ORDER BY round ASC`,
		negotiationID,
	)
	if err != nil {
		return nil, fmt.Errorf("list score history: %w", err)
	}
	defer rows.Close()

	var result []domain.ScoreEntry
	for rows.Next() {
		var entry domain.ScoreEntry
		if err := rows.Scan(&entry.Round, &entry.Score); err != nil {
			return nil, fmt.Errorf("scan score entry: %w", err)
		}
		result = append(result, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate score history: %w", err)
	}
	return result, nil
}

func (s *Store) LogDecision(ctx context.Context, entry domain.DecisionLog) error {
	payload := string(entry.Payload)
	if payload == "" {
		payload = "{}"
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO decision_log(ref_id, actor, action, reason, payload, created_at)
		VALUES(?, ?, ?, ?, ?, ?)`,
		entry.RefID, entry.Actor, entry.Action, entry.Reason, payload, time.Now().UTC().Unix(),
	)
	if err != nil {
		return fmt.Errorf("log decision: %w", err)
	}
	return nil
}

func (s *Store) ListDecisions(ctx context.Context, refID string, limit int) ([]domain.DecisionLog, error) {
	if limit <= 0 {
		limit = 300
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, ref_id, actor, action, reason, payload, created_at
		FROM decision_log
		WHERE ref_id = ?
		ORDER BY created_at DESC
		LIMIT ?`,
		refID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list decisions: %w", err)
	}
	defer rows.Close()

	result := make([]domain.DecisionLog, 0, limit)
	for rows.Next() {
		var item domain.DecisionLog
		var payload string
		var created int64
		if err := rows.Scan(&item.ID, &item.RefID, &item.Actor, &item.Action, &item.Reason, &payload, &created); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		item.Payload = []byte(payload)
		item.CreatedAt = unixToTime(created)
		result = append(result, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate decisions: %w", err)
	}
	return result, nil
}

func jsonOrEmpty(v any) string {
	switch value := v.(type) {
	case *domain.Diagnosis:
		if value == nil {
			return ""
		}
	case *domain.ValidationResult:
		if value == nil {
			return ""
		}
	case *domain.ArbitrationDecision:
		if value == nil {
			return ""
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}

func unmarshalInto[T any](raw string, target **T) error {
	if raw == "" {
		*target = nil
		return nil
	}
	var value T
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		return err
	}
	*target = &value
	return nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func unixToTime(v int64) time.Time {
	return time.Unix(v, 0).UTC()
}

func int64ToTimePtr(v sql.NullInt64) *time.Time {
	if !v.Valid || v.Int64 <= 0 {
		return nil
	}
	t := time.Unix(v.Int64, 0).UTC()
	return &t
}

func nullableUnix(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Unix()
}
