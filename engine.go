package rebac

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/google/uuid"

	"github.com/oarkflow/rebac/logger"
)

// ===== ENGINE =====

// Engine binds the ontology graph, the relationship evaluator, the
// policy overlay, and the break-glass path behind one handle. All
// methods are safe for concurrent use.
type Engine struct {
	store Stores

	decisions   *ristretto.Cache
	decisionTTL time.Duration

	clock    Clock
	verifier PasswordVerifier
	sink     AuditSink
	log      logger.Logger

	auditCh      chan Event
	auditDropped atomic.Uint64

	sweepInterval time.Duration
	stopCh        chan struct{}
	stopOnce      sync.Once
	wg            sync.WaitGroup
}

// CacheConfig tunes the ristretto decision cache.
type CacheConfig struct {
	NumCounters int64
	MaxCost     int64
	BufferItems int64
}

type Option func(*Engine)

func WithLogger(l logger.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

func WithClock(c Clock) Option {
	return func(e *Engine) {
		if c != nil {
			e.clock = c
		}
	}
}

func WithPasswordVerifier(v PasswordVerifier) Option {
	return func(e *Engine) {
		if v != nil {
			e.verifier = v
		}
	}
}

func WithAuditSink(s AuditSink) Option {
	return func(e *Engine) {
		if s != nil {
			e.sink = s
		}
	}
}

func WithDecisionTTL(ttl time.Duration) Option {
	return func(e *Engine) {
		if ttl > 0 {
			e.decisionTTL = ttl
		}
	}
}

func WithSweepInterval(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.sweepInterval = d
		}
	}
}

func WithCacheConfig(cfg CacheConfig) Option {
	return func(e *Engine) {
		cache, err := ristretto.NewCache(&ristretto.Config{
			NumCounters: cfg.NumCounters,
			MaxCost:     cfg.MaxCost,
			BufferItems: cfg.BufferItems,
		})
		if err == nil {
			if e.decisions != nil {
				e.decisions.Close()
			}
			e.decisions = cache
		}
	}
}

func NewEngine(store Stores, opts ...Option) *Engine {
	cache, _ := ristretto.NewCache(&ristretto.Config{
		NumCounters: 100_000,
		MaxCost:     10_000,
		BufferItems: 64,
	})
	e := &Engine{
		store:         store,
		decisions:     cache,
		decisionTTL:   30 * time.Second,
		clock:         realClock{},
		verifier:      denyAllVerifier{},
		sink:          nullSink{},
		log:           logger.NewNullLogger(),
		sweepInterval: time.Minute,
		stopCh:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.auditCh = make(chan Event, 1024)
	e.wg.Add(1)
	go e.auditWorker()
	return e
}

// Start launches the background session sweeper. Optional; engines used
// purely for evaluation can skip it.
func (e *Engine) Start() {
	e.wg.Add(1)
	go e.sessionSweeper()
}

// Close stops background workers and releases the decision cache. Safe
// to call more than once.
func (e *Engine) Close() {
	e.stopOnce.Do(func() {
		close(e.stopCh)
		close(e.auditCh)
		e.wg.Wait()
		if e.decisions != nil {
			e.decisions.Close()
		}
	})
}

func (e *Engine) now() time.Time { return e.clock.Now() }

func newID() string { return uuid.NewString() }

// ===== AUDIT =====

func (e *Engine) auditWorker() {
	defer e.wg.Done()
	for ev := range e.auditCh {
		e.sink.Emit(ev)
	}
}

// audit enqueues without blocking; under backpressure events are dropped
// and counted.
func (e *Engine) audit(actor, action, resourceType, resourceID string, detail map[string]any) {
	ev := Event{
		Actor:        actor,
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Detail:       detail,
		At:           e.now(),
	}
	select {
	case e.auditCh <- ev:
	default:
		e.auditDropped.Add(1)
		e.log.Error("audit event dropped", "action", action, "dropped_total", int(e.auditDropped.Load()))
	}
}

// DroppedAuditEvents reports how many events were lost to backpressure.
func (e *Engine) DroppedAuditEvents() uint64 { return e.auditDropped.Load() }

// ===== DECISION CACHE =====

type decisionKey struct {
	UserID     string
	EntityID   string
	Permission string
	TenantID   string
}

func (k decisionKey) cacheKey() string {
	var b strings.Builder
	b.Grow(len(k.UserID) + len(k.EntityID) + len(k.Permission) + len(k.TenantID) + 3)
	b.WriteString(k.UserID)
	b.WriteByte(0)
	b.WriteString(k.EntityID)
	b.WriteByte(0)
	b.WriteString(k.Permission)
	b.WriteByte(0)
	b.WriteString(k.TenantID)
	return b.String()
}

type cachedDecision struct {
	Allowed bool
}

func (e *Engine) cachedDecision(k decisionKey) (bool, bool) {
	if e.decisions == nil {
		return false, false
	}
	v, ok := e.decisions.Get(k.cacheKey())
	if !ok {
		return false, false
	}
	d, ok := v.(cachedDecision)
	if !ok {
		return false, false
	}
	return d.Allowed, true
}

func (e *Engine) storeDecision(k decisionKey, allowed bool) {
	if e.decisions == nil {
		return
	}
	e.decisions.SetWithTTL(k.cacheKey(), cachedDecision{Allowed: allowed}, 1, e.decisionTTL)
}

// InvalidateDecisions flushes the whole decision cache. Every write
// path calls this: entries are cheap to recompute and partial
// invalidation over an inheritance graph is where stale grants hide.
func (e *Engine) InvalidateDecisions() {
	if e.decisions != nil {
		e.decisions.Clear()
	}
}

// waitCache flushes ristretto's admission buffers; tests need writes
// visible before asserting.
func (e *Engine) waitCache() {
	if e.decisions != nil {
		e.decisions.Wait()
	}
}

// ===== DECISION PIPELINE =====

// AuthorizeRequest carries everything one decision needs.
type AuthorizeRequest struct {
	UserID     string
	EntityID   string
	Permission string
	// Field narrows the check to one attribute; field checks bypass
	// the decision cache.
	Field string
	// TenantID, when set, restricts the decision to entities of that
	// tenant; a mismatch denies outright. It is part of the cache key.
	TenantID string
	// Context feeds policy conditions under the request.* prefix.
	Context map[string]any
}

// Authorize runs the full decision pipeline: break-glass, cache, the
// relationship evaluator, schedule filtering, then the policy overlay.
// Policies can override the relationship verdict in both directions;
// when no policy matches, the relationship verdict stands.
func (e *Engine) Authorize(ctx context.Context, req AuthorizeRequest) (bool, error) {
	if req.UserID == "" || req.EntityID == "" || req.Permission == "" {
		return false, newError(KindInvalidInput, "user, entity and permission are required")
	}
	now := e.now()

	// Break-glass short-circuits everything and is never cached.
	sess, err := e.ActiveSession(ctx, req.UserID)
	if err != nil && !IsNotFound(err) {
		return false, err
	}
	if sess != nil {
		e.audit(req.UserID, "firefighter.access."+req.Permission, "entity", req.EntityID, map[string]any{
			"session_id": sess.ID,
		})
		e.log.Debug("break-glass access", "user", req.UserID, "entity", req.EntityID, "permission", req.Permission)
		return true, nil
	}

	// Field and request-context checks vary on inputs the cache key does
	// not carry, so they always recompute.
	cacheable := req.Field == "" && len(req.Context) == 0
	key := decisionKey{UserID: req.UserID, EntityID: req.EntityID, Permission: req.Permission, TenantID: req.TenantID}
	if cacheable {
		if allowed, ok := e.cachedDecision(key); ok {
			return allowed, nil
		}
	}

	entity, err := e.GetEntity(ctx, req.EntityID)
	if err != nil {
		return false, err
	}
	// A tenant-scoped request never reaches across tenants; entities
	// without a tenant stay visible to everyone.
	if req.TenantID != "" && entity.TenantID != "" && entity.TenantID != req.TenantID {
		e.audit(req.UserID, "authorize", "entity", req.EntityID, map[string]any{
			"permission": req.Permission,
			"allowed":    false,
			"tenant":     req.TenantID,
		})
		if cacheable {
			e.storeDecision(key, false)
		}
		return false, nil
	}

	rebac, err := e.CheckPermission(ctx, req.UserID, req.EntityID, req.Permission, req.Field)
	if err != nil {
		return false, err
	}
	rebacAllowed := rebac.Allowed()

	// A positive verdict must be backed by at least one role inside its
	// schedule window right now.
	if rebacAllowed {
		active, err := e.ActiveGrantRoles(ctx, req.UserID, req.EntityID, req.Permission, now)
		if err != nil {
			return false, err
		}
		if len(active) == 0 {
			rebacAllowed = false
		}
	}

	ectx := e.buildEvaluationContext(ctx, entity, req.UserID, req.Context, now)

	policies, err := e.ApplicablePolicies(ctx, entity, req.Permission, now)
	if err != nil {
		return false, err
	}
	verdict := e.EvaluatePolicies(policies, ectx)

	final := rebacAllowed
	switch verdict.Outcome {
	case PolicyDenied:
		final = false
	case PolicyAllowed:
		final = true
	case PolicyNoMatch:
		final = rebacAllowed && !rebac.IsDenied
	}

	rec := &EvaluationRecord{
		ID:              newID(),
		UserID:          req.UserID,
		EntityID:        req.EntityID,
		Permission:      req.Permission,
		RebacAllowed:    rebac.Has,
		RebacDenied:     rebac.IsDenied,
		PolicyResult:    verdict.Outcome.String(),
		FinalResult:     final,
		ContextSnapshot: ectx.Snapshot(),
		At:              now,
	}
	if verdict.Policy != nil {
		rec.DecisivePolicy = verdict.Policy.Name
	}
	if err := e.store.EvalLog.AppendEvaluation(ctx, rec); err != nil {
		e.log.Error("evaluation log append failed", "error", err.Error())
	}
	e.audit(req.UserID, "authorize", "entity", req.EntityID, map[string]any{
		"permission": req.Permission,
		"allowed":    final,
		"policy":     rec.DecisivePolicy,
	})

	if cacheable {
		e.storeDecision(key, final)
	}
	return final, nil
}

// buildEvaluationContext assembles the attribute maps policies evaluate
// against.
func (e *Engine) buildEvaluationContext(ctx context.Context, entity *Entity, userID string, reqCtx map[string]any, now time.Time) *EvaluationContext {
	entityMap := map[string]any{
		"id":              entity.ID,
		"class_id":        entity.ClassID,
		"display_name":    entity.DisplayName,
		"approval_status": string(entity.ApprovalStatus),
		"attributes":      entity.Attributes,
	}
	if entity.ParentEntityID != "" {
		entityMap["parent_entity_id"] = entity.ParentEntityID
	}
	userMap := map[string]any{"id": userID}
	if userEntity, err := e.GetEntity(ctx, userID); err == nil {
		userMap["display_name"] = userEntity.DisplayName
		userMap["attributes"] = userEntity.Attributes
	}
	envMap := map[string]any{
		"time":    now.Format(time.RFC3339),
		"hour":    now.Hour(),
		"weekday": int(now.Weekday()),
	}
	return &EvaluationContext{
		Entity:      entityMap,
		User:        userMap,
		Environment: envMap,
		Request:     reqCtx,
	}
}

// ListEvaluations exposes the decision log, newest first.
func (e *Engine) ListEvaluations(ctx context.Context, userID string, limit int) ([]*EvaluationRecord, error) {
	return e.store.EvalLog.ListEvaluations(ctx, userID, limit)
}
