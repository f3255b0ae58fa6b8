package stores

import (
	"context"
	"time"

	"github.com/oarkflow/squealx"

	"github.com/oarkflow/rebac"
)

// SQLSessionStore persists firefighter sessions in SQL.
type SQLSessionStore struct {
	db *squealx.DB
}

func NewSQLSessionStore(db *squealx.DB) *SQLSessionStore {
	return &SQLSessionStore{db: db}
}

const sessionColumns = `id, user_id, reason, activated_at, expires_at, deactivated_at, deactivated_by`

func scanSession(r rowScanner) (*rebac.FirefighterSession, error) {
	var sess rebac.FirefighterSession
	var activatedRaw, expiresRaw, deactivatedRaw any
	if err := r.Scan(&sess.ID, &sess.UserID, &sess.Reason, &activatedRaw, &expiresRaw, &deactivatedRaw, &sess.DeactivatedBy); err != nil {
		return nil, err
	}
	sess.ActivatedAt = scanTime(activatedRaw)
	sess.ExpiresAt = scanTime(expiresRaw)
	sess.DeactivatedAt = scanTimePtr(deactivatedRaw)
	return &sess, nil
}

func sessionArgs(sess *rebac.FirefighterSession) map[string]any {
	return map[string]any{
		"id":             sess.ID,
		"user_id":        sess.UserID,
		"reason":         sess.Reason,
		"activated_at":   sess.ActivatedAt.Format(time.RFC3339Nano),
		"expires_at":     sess.ExpiresAt.Format(time.RFC3339Nano),
		"deactivated_at": timePtrOrNil(sess.DeactivatedAt),
		"deactivated_by": sess.DeactivatedBy,
	}
}

func (s *SQLSessionStore) CreateSession(ctx context.Context, sess *rebac.FirefighterSession) error {
	q := `INSERT INTO firefighter_sessions(` + sessionColumns + `)
VALUES(:id, :user_id, :reason, :activated_at, :expires_at, :deactivated_at, :deactivated_by)`
	_, err := s.db.NamedExecContext(ctx, q, sessionArgs(sess))
	return err
}

func (s *SQLSessionStore) GetSession(ctx context.Context, id string) (*rebac.FirefighterSession, error) {
	q := `SELECT ` + sessionColumns + ` FROM firefighter_sessions WHERE id = :id`
	r, err := s.db.NamedQueryContext(ctx, q, map[string]any{"id": id})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	if !r.Next() {
		return nil, rebac.NewError(rebac.KindNotFound, "session %s not found", id)
	}
	return scanSession(r)
}

func (s *SQLSessionStore) UpdateSession(ctx context.Context, sess *rebac.FirefighterSession) error {
	q := `UPDATE firefighter_sessions SET user_id = :user_id, reason = :reason, activated_at = :activated_at, expires_at = :expires_at, deactivated_at = :deactivated_at, deactivated_by = :deactivated_by WHERE id = :id`
	res, err := s.db.NamedExecContext(ctx, q, sessionArgs(sess))
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return rebac.NewError(rebac.KindNotFound, "session %s not found", sess.ID)
	}
	return nil
}

func (s *SQLSessionStore) ListSessions(ctx context.Context, userID string) ([]*rebac.FirefighterSession, error) {
	q := `SELECT ` + sessionColumns + ` FROM firefighter_sessions`
	params := map[string]any{}
	if userID != "" {
		q += ` WHERE user_id = :user_id`
		params["user_id"] = userID
	}
	q += ` ORDER BY activated_at DESC`
	r, err := s.db.NamedQueryContext(ctx, q, params)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]*rebac.FirefighterSession, 0)
	for r.Next() {
		sess, err := scanSession(r)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, nil
}
