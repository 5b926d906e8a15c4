package model

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"strings"
	"time"
)

// SQLSessionStore keeps session records in the app database (Postgres or MySQL).
type SQLSessionStore struct {
	db     *sql.DB
	driver string
}

func NewSQLSessionStore(db *sql.DB, driver string) *SQLSessionStore {
	return &SQLSessionStore{db: db, driver: driver}
}

const sessionColumns = `session_id, owner_id, display_name, status, phone_number, qr_payload, created_at, updated_at`

// rebind rewrites $N placeholders into ? for MySQL.
func rebind(driver, query string) string {
	if driver != "mysql" {
		return query
	}
	var b strings.Builder
	b.Grow(len(query))
	for i := 0; i < len(query); i++ {
		if query[i] == '$' && i+1 < len(query) && query[i+1] >= '0' && query[i+1] <= '9' {
			b.WriteByte('?')
			for i+1 < len(query) && query[i+1] >= '0' && query[i+1] <= '9' {
				i++
			}
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// placeholders returns "$start, $start+1, ..." for n arguments.
func placeholders(start, n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = "$" + strconv.Itoa(start+i)
	}
	return strings.Join(parts, ", ")
}

func (s *SQLSessionStore) Create(ctx context.Context, sess *Session) error {
	query := `
		INSERT INTO wa_sessions (session_id, owner_id, display_name, status, phone_number, qr_payload, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := s.db.ExecContext(ctx, rebind(s.driver, query),
		sess.SessionID,
		sess.OwnerID,
		sess.DisplayName,
		string(sess.Status),
		nullString(sess.PhoneNumber),
		nullString(sess.QRPayload),
		sess.CreatedAt,
		sess.UpdatedAt,
	)
	return err
}

func (s *SQLSessionStore) FindByID(ctx context.Context, sessionID string) (*Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM wa_sessions WHERE session_id = $1`

	rows, err := s.db.QueryContext(ctx, rebind(s.driver, query), sessionID)
	if err != nil {
		return nil, err
	}
	list, err := scanSessions(rows)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, ErrRecordNotFound
	}
	return &list[0], nil
}

func (s *SQLSessionStore) FindByOwner(ctx context.Context, ownerID string) ([]Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM wa_sessions WHERE owner_id = $1 ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, rebind(s.driver, query), ownerID)
	if err != nil {
		return nil, err
	}
	return scanSessions(rows)
}

func (s *SQLSessionStore) FindByStatus(ctx context.Context, statuses ...SessionStatus) ([]Session, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	args := make([]interface{}, 0, len(statuses))
	for _, st := range statuses {
		args = append(args, string(st))
	}
	query := `SELECT ` + sessionColumns + ` FROM wa_sessions WHERE status IN (` + placeholders(1, len(statuses)) + `) ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, rebind(s.driver, query), args...)
	if err != nil {
		return nil, err
	}
	return scanSessions(rows)
}

func (s *SQLSessionStore) FindStale(ctx context.Context, ownerID string, statuses []SessionStatus, before time.Time) ([]Session, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	args := []interface{}{before}
	for _, st := range statuses {
		args = append(args, string(st))
	}
	query := `SELECT ` + sessionColumns + ` FROM wa_sessions WHERE updated_at < $1 AND status IN (` + placeholders(2, len(statuses)) + `)`
	if ownerID != "" {
		args = append(args, ownerID)
		query += ` AND owner_id = $` + strconv.Itoa(len(args))
	}

	rows, err := s.db.QueryContext(ctx, rebind(s.driver, query), args...)
	if err != nil {
		return nil, err
	}
	return scanSessions(rows)
}

// Update applies a transition. The status is always written; phone number and
// QR payload only when set.
func (s *SQLSessionStore) Update(ctx context.Context, sessionID string, upd SessionUpdate) error {
	sets := []string{"status = $1", "updated_at = $2"}
	args := []interface{}{string(upd.Status), time.Now().UTC()}
	if upd.PhoneNumber != nil {
		args = append(args, nullString(*upd.PhoneNumber))
		sets = append(sets, "phone_number = $"+strconv.Itoa(len(args)))
	}
	if upd.QRPayload != nil {
		args = append(args, nullString(*upd.QRPayload))
		sets = append(sets, "qr_payload = $"+strconv.Itoa(len(args)))
	}
	args = append(args, sessionID)
	query := `UPDATE wa_sessions SET ` + strings.Join(sets, ", ") + ` WHERE session_id = $` + strconv.Itoa(len(args))

	res, err := s.db.ExecContext(ctx, rebind(s.driver, query), args...)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrRecordNotFound
	}
	return nil
}

func (s *SQLSessionStore) Delete(ctx context.Context, sessionID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, rebind(s.driver, `DELETE FROM wa_sessions WHERE session_id = $1`), sessionID)
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

func (s *SQLSessionStore) DeleteAll(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM wa_sessions`)
	if err != nil {
		return 0, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(rows), nil
}

func scanSessions(rows *sql.Rows) ([]Session, error) {
	defer rows.Close()

	var list []Session
	for rows.Next() {
		var (
			sess   Session
			status string
			phone  sql.NullString
			qr     sql.NullString
		)
		if err := rows.Scan(
			&sess.SessionID,
			&sess.OwnerID,
			&sess.DisplayName,
			&status,
			&phone,
			&qr,
			&sess.CreatedAt,
			&sess.UpdatedAt,
		); err != nil {
			return nil, err
		}
		sess.Status = SessionStatus(status)
		sess.PhoneNumber = phone.String
		sess.QRPayload = qr.String
		list = append(list, sess)
	}
	if err := rows.Err(); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	return list, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
