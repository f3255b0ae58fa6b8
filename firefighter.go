package rebac

import (
	"context"
	"time"
)

// ===== BREAK-GLASS SESSIONS =====
//
// A firefighter session bypasses every other layer for its holder. The
// price is a fresh credential check on entry, a bounded lifetime, and
// an audit record on every access made under the session.

const (
	// DefaultElevationMinutes applies when the caller does not ask for
	// a specific duration.
	DefaultElevationMinutes = 120
	minElevationMinutes     = 15
	maxElevationMinutes     = 480
)

type ElevationRequest struct {
	UserID   string
	Password string
	Reason   string
	// DurationMinutes is clamped to [15, 480]; zero means the default.
	DurationMinutes int
}

// RequestElevation opens a break-glass session after re-verifying the
// caller's credential. One active session per user.
func (e *Engine) RequestElevation(ctx context.Context, req ElevationRequest) (*FirefighterSession, error) {
	if req.UserID == "" {
		return nil, newError(KindInvalidInput, "user is required")
	}
	if req.Reason == "" {
		return nil, newError(KindInvalidInput, "a reason is required for break-glass access")
	}
	if err := e.verifier.Verify(req.UserID, req.Password); err != nil {
		return nil, wrapError(KindBreakGlassRequired, err, "credential verification failed")
	}
	existing, err := e.ActiveSession(ctx, req.UserID)
	if err != nil && !IsNotFound(err) {
		return nil, err
	}
	if existing != nil {
		return nil, newError(KindInvalidInput, "user %s already holds an active session", req.UserID)
	}

	minutes := req.DurationMinutes
	if minutes == 0 {
		minutes = DefaultElevationMinutes
	}
	if minutes < minElevationMinutes {
		minutes = minElevationMinutes
	}
	if minutes > maxElevationMinutes {
		minutes = maxElevationMinutes
	}

	now := e.now()
	sess := &FirefighterSession{
		ID:          newID(),
		UserID:      req.UserID,
		Reason:      req.Reason,
		ActivatedAt: now,
		ExpiresAt:   now.Add(time.Duration(minutes) * time.Minute),
	}
	if err := e.store.Sessions.CreateSession(ctx, sess); err != nil {
		return nil, wrapError(KindStorageFailure, err, "create session")
	}
	e.InvalidateDecisions()
	e.audit(req.UserID, "firefighter.activated", "firefighter_session", sess.ID, map[string]any{
		"reason":           req.Reason,
		"duration_minutes": minutes,
	})
	e.log.Info("break-glass session activated", "user", req.UserID, "session", sess.ID, "minutes", minutes)
	return sess, nil
}

// ActiveSession returns the user's live session, or a NotFound error.
func (e *Engine) ActiveSession(ctx context.Context, userID string) (*FirefighterSession, error) {
	sessions, err := e.store.Sessions.ListSessions(ctx, userID)
	if err != nil {
		return nil, wrapError(KindStorageFailure, err, "list sessions")
	}
	now := e.now()
	for _, s := range sessions {
		if s.ActiveAt(now) {
			return s, nil
		}
	}
	return nil, newError(KindNotFound, "no active session for user %s", userID)
}

// DeactivateSession closes a session before its expiry.
func (e *Engine) DeactivateSession(ctx context.Context, sessionID, actor string) error {
	sess, err := e.store.Sessions.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.DeactivatedAt != nil {
		return newError(KindInvalidInput, "session %s is already deactivated", sessionID)
	}
	now := e.now()
	sess.DeactivatedAt = &now
	sess.DeactivatedBy = actor
	if err := e.store.Sessions.UpdateSession(ctx, sess); err != nil {
		return wrapError(KindStorageFailure, err, "deactivate session")
	}
	e.InvalidateDecisions()
	e.audit(actor, "firefighter.deactivated", "firefighter_session", sess.ID, map[string]any{
		"user": sess.UserID,
	})
	return nil
}

// ListSessions returns break-glass history, newest first; userID narrows
// when set, and expired sessions are dropped unless includeExpired.
func (e *Engine) ListSessions(ctx context.Context, userID string, includeExpired bool) ([]*FirefighterSession, error) {
	sessions, err := e.store.Sessions.ListSessions(ctx, userID)
	if err != nil {
		return nil, wrapError(KindStorageFailure, err, "list sessions")
	}
	if includeExpired {
		return sessions, nil
	}
	now := e.now()
	out := make([]*FirefighterSession, 0, len(sessions))
	for _, s := range sessions {
		if s.ActiveAt(now) {
			out = append(out, s)
		}
	}
	return out, nil
}

// sessionSweeper periodically stamps expired sessions so their end shows
// up in the audit trail even when nobody deactivated them.
func (e *Engine) sessionSweeper() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.sweepExpiredSessions(context.Background())
		}
	}
}

func (e *Engine) sweepExpiredSessions(ctx context.Context) {
	sessions, err := e.store.Sessions.ListSessions(ctx, "")
	if err != nil {
		e.log.Error("session sweep failed", "error", err.Error())
		return
	}
	now := e.now()
	for _, s := range sessions {
		if s.DeactivatedAt != nil || s.ExpiresAt.After(now) {
			continue
		}
		expiry := s.ExpiresAt
		s.DeactivatedAt = &expiry
		s.DeactivatedBy = "system"
		if err := e.store.Sessions.UpdateSession(ctx, s); err != nil {
			e.log.Error("session sweep update failed", "session", s.ID, "error", err.Error())
			continue
		}
		e.audit("system", "firefighter.expired", "firefighter_session", s.ID, map[string]any{
			"user": s.UserID,
		})
	}
}
