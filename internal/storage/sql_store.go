package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/mattn/go-sqlite3"

	"coachchat/internal/models"
)

// SQLStore keeps transcripts and accounts in relational tables. Turn and
// transcript-list appends lock the parent row so concurrent appends serialize.
type SQLStore struct {
	db     *sql.DB
	driver string
}

// NewSQLStore wraps an opened and migrated database.
func NewSQLStore(db *sql.DB, driver string) *SQLStore {
	return &SQLStore{db: db, driver: strings.ToLower(driver)}
}

func (s *SQLStore) Close(context.Context) error {
	return s.db.Close()
}

// lockClause returns the row-lock suffix for the dialect. SQLite runs on a
// single connection, so a transaction already excludes other writers.
func (s *SQLStore) lockClause() string {
	if s.driver == "mysql" {
		return " FOR UPDATE"
	}
	return ""
}

func (s *SQLStore) InsertTranscript(ctx context.Context, t *models.Transcript) error {
	if t == nil {
		return errors.New("transcript required")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO transcripts (id, user_id, title, status, pending_since, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.ID, nullString(t.OwnerID), t.Title, string(t.Status), nullTime(t.PendingSince), t.CreatedAt.UTC(), t.UpdatedAt.UTC(),
	)
	if err != nil {
		if isDuplicate(err) {
			return ErrDuplicateID
		}
		return fmt.Errorf("insert transcript: %w", err)
	}
	for i, turn := range t.Turns {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO transcript_turns (transcript_id, seq, role, content, time_label) VALUES (?, ?, ?, ?, ?)`,
			t.ID, i, string(turn.Role), turn.Content, turn.Time,
		); err != nil {
			return fmt.Errorf("insert turn: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transcript: %w", err)
	}
	return nil
}

func (s *SQLStore) GetTranscript(ctx context.Context, id int64) (*models.Transcript, error) {
	var (
		t       models.Transcript
		owner   sql.NullString
		status  string
		pending sql.NullTime
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, title, status, pending_since, created_at, updated_at FROM transcripts WHERE id = ?`, id,
	).Scan(&t.ID, &owner, &t.Title, &status, &pending, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("transcript %d: %w", id, models.ErrNotFound)
		}
		return nil, fmt.Errorf("get transcript: %w", err)
	}
	t.OwnerID = owner.String
	t.Status = models.Status(status)
	if pending.Valid {
		ps := pending.Time
		t.PendingSince = &ps
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT role, content, time_label FROM transcript_turns WHERE transcript_id = ? ORDER BY seq ASC`, id,
	)
	if err != nil {
		return nil, fmt.Errorf("list turns: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var turn models.Turn
		var role string
		if err := rows.Scan(&role, &turn.Content, &turn.Time); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		turn.Role = models.Role(role)
		t.Turns = append(t.Turns, turn)
	}
	return &t, rows.Err()
}

func (s *SQLStore) AppendTurn(ctx context.Context, id int64, turn models.Turn, status models.Status, at time.Time) error {
	if !turn.Role.Valid() {
		return fmt.Errorf("%w: unknown role %q", models.ErrValidation, turn.Role)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var locked int64
	if err := tx.QueryRowContext(ctx, `SELECT id FROM transcripts WHERE id = ?`+s.lockClause(), id).Scan(&locked); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("transcript %d: %w", id, models.ErrNotFound)
		}
		return fmt.Errorf("lock transcript: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO transcript_turns (transcript_id, seq, role, content, time_label)
		 SELECT ?, COALESCE(MAX(seq), -1) + 1, ?, ?, ? FROM transcript_turns WHERE transcript_id = ?`,
		id, string(turn.Role), turn.Content, turn.Time, id,
	); err != nil {
		return fmt.Errorf("append turn: %w", err)
	}
	var pending *time.Time
	if status == models.StatusAwaitingAssistant {
		pending = &at
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE transcripts SET status = ?, pending_since = ?, updated_at = ? WHERE id = ?`,
		string(status), nullTime(pending), at.UTC(), id,
	); err != nil {
		return fmt.Errorf("touch transcript: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit turn: %w", err)
	}
	return nil
}

func (s *SQLStore) SetStatus(ctx context.Context, id int64, status models.Status, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE transcripts SET status = ?, pending_since = NULL, updated_at = ? WHERE id = ?`,
		string(status), at.UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("set status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("status rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("transcript %d: %w", id, models.ErrNotFound)
	}
	return nil
}

func (s *SQLStore) MarkStale(ctx context.Context, cutoff, at time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE transcripts SET status = ?, pending_since = NULL, updated_at = ? WHERE status = ? AND pending_since < ?`,
		string(models.StatusInterrupted), at.UTC(), string(models.StatusAwaitingAssistant), cutoff.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("mark stale transcripts: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLStore) CreateAccount(ctx context.Context, a *models.Account) error {
	if a == nil {
		return errors.New("account required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO accounts (id, email, name, password_hash, created_at) VALUES (?, ?, ?, ?, ?)`,
		a.ID, a.Email, a.Name, a.PasswordHash, a.CreatedAt.UTC(),
	)
	if err != nil {
		if isDuplicate(err) {
			return fmt.Errorf("email %s: %w", a.Email, models.ErrConflict)
		}
		return fmt.Errorf("create account: %w", err)
	}
	return nil
}

func (s *SQLStore) AccountByEmail(ctx context.Context, email string) (*models.Account, error) {
	return s.accountWhere(ctx, "email", email)
}

func (s *SQLStore) AccountByID(ctx context.Context, id string) (*models.Account, error) {
	return s.accountWhere(ctx, "id", id)
}

func (s *SQLStore) accountWhere(ctx context.Context, column, value string) (*models.Account, error) {
	var a models.Account
	err := s.db.QueryRowContext(ctx,
		`SELECT id, email, name, password_hash, created_at FROM accounts WHERE `+column+` = ?`, value,
	).Scan(&a.ID, &a.Email, &a.Name, &a.PasswordHash, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("account: %w", models.ErrNotFound)
		}
		return nil, fmt.Errorf("query account: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT transcript_id FROM account_transcripts WHERE account_id = ? ORDER BY seq ASC`, a.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("list account transcripts: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan account transcript: %w", err)
		}
		a.Transcripts = append(a.Transcripts, id)
	}
	return &a, rows.Err()
}

func (s *SQLStore) AppendAccountTranscript(ctx context.Context, accountID string, transcriptID int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var locked string
	if err := tx.QueryRowContext(ctx, `SELECT id FROM accounts WHERE id = ?`+s.lockClause(), accountID).Scan(&locked); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("account %s: %w", accountID, models.ErrNotFound)
		}
		return fmt.Errorf("lock account: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO account_transcripts (account_id, seq, transcript_id)
		 SELECT ?, COALESCE(MAX(seq), -1) + 1, ? FROM account_transcripts WHERE account_id = ?`,
		accountID, transcriptID, accountID,
	); err != nil {
		return fmt.Errorf("append account transcript: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit account transcript: %w", err)
	}
	return nil
}

func isDuplicate(err error) bool {
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.ExtendedCode == sqlite3.ErrConstraintUnique || liteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == 1062
	}
	return false
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

func nullTime(v *time.Time) sql.NullTime {
	if v == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: v.UTC(), Valid: true}
}
