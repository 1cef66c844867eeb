// Package registry implements the in-process session directory: the
// delegation hierarchy, rollup metric aggregation, delegation
// bookkeeping, alert predicates and a persistence fallback state
// machine that keeps the directory usable when the coordination store
// is unavailable.
package registry

import (
	"errors"
	"sort"
	"strconv"
	"sync"
	"time"

	"warden/internal/events"
	"warden/internal/lifecycle"
	"warden/internal/storage"
	"warden/pkg/logger"
)

// Opener produces a fresh coordination store handle. The registry owns
// the handle it opens and reopens it during recovery.
type Opener func() (*storage.Store, error)

// Registry is the authoritative in-process view of live sessions.
type Registry struct {
	mu       sync.RWMutex
	cfg      Config
	sessions map[int64]*Session
	alerts   map[int64]map[string]Alert
	nextID   int64

	open  Opener
	store *storage.Store
	fb    fallbackState

	lm  *lifecycle.Machine
	bus *events.Bus
	now func() time.Time

	done      chan struct{}
	wg        sync.WaitGroup
	startOnce sync.Once
	closeOnce sync.Once
}

// Option customizes a Registry.
type Option func(*Registry)

// WithBus wires the shared event bus.
func WithBus(bus *events.Bus) Option {
	return func(r *Registry) { r.bus = bus }
}

// WithConfig overrides the default tuning.
func WithConfig(cfg Config) Option {
	return func(r *Registry) { r.cfg = cfg }
}

// WithLifecycle makes the registry open and close an agent state entry
// for every session it registers.
func WithLifecycle(m *lifecycle.Machine) Option {
	return func(r *Registry) { r.lm = m }
}

// WithClock replaces the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// New builds a registry. A nil opener means memory-only operation by
// configuration; an opener that fails activates the persistence
// fallback immediately and schedules recovery.
func New(open Opener, opts ...Option) *Registry {
	r := &Registry{
		cfg:      DefaultConfig(),
		sessions: make(map[int64]*Session),
		alerts:   make(map[int64]map[string]Alert),
		nextID:   1,
		open:     open,
		now:      time.Now,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.cfg = r.cfg.normalize()
	r.fb.currentDelay = r.cfg.RecoveryInterval

	var evts []pendingEvent
	if open != nil {
		store, err := open()
		if err != nil {
			r.mu.Lock()
			evts = r.activateFallbackLocked(classifyReason(err), err)
			r.mu.Unlock()
		} else {
			r.store = store
			if next, perr := store.PeekNextSessionID(); perr == nil {
				r.nextID = next
			} else {
				logger.Warn().Err(perr).Msg("load session id allocator")
			}
		}
	}
	r.emitAll(evts)
	return r
}

// Start launches the background health check loop.
func (r *Registry) Start() {
	r.startOnce.Do(func() {
		r.wg.Add(1)
		go r.healthLoop()
	})
}

// Close stops background work and releases the store handle.
func (r *Registry) Close() error {
	r.closeOnce.Do(func() {
		close(r.done)
		r.mu.Lock()
		if r.fb.recoveryTimer != nil {
			r.fb.recoveryTimer.Stop()
			r.fb.recoveryTimer = nil
		}
		store := r.store
		r.store = nil
		r.mu.Unlock()
		r.wg.Wait()
		if store != nil {
			if err := store.Close(); err != nil {
				logger.Warn().Err(err).Msg("close store")
			}
		}
	})
	return nil
}

// Store exposes the current store handle. It is nil while the registry
// runs memory-only; callers must re-fetch it per use rather than cache
// it across fallback transitions.
func (r *Registry) Store() *storage.Store {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.storeHandleLocked()
}

// Register allocates the next session id, records the session and wires
// it under its parent.
func (r *Registry) Register(opts RegisterOptions) (int64, error) {
	r.mu.Lock()

	var parent *Session
	if opts.ParentID != 0 {
		p, ok := r.sessions[opts.ParentID]
		if !ok {
			r.mu.Unlock()
			return 0, ErrParentNotFound
		}
		parent = p
	}

	id, evts := r.allocateIDLocked()
	now := r.now()

	status := opts.Status
	if status == "" {
		status = StatusActive
	}

	s := &Session{
		ID:            id,
		ProjectKey:    opts.ProjectKey,
		AgentType:     opts.AgentType,
		Status:        status,
		StartTime:     now,
		LastUpdate:    now,
		LastHeartbeat: now,
		Metadata:      cloneMeta(opts.Metadata),
		Hierarchy:     Hierarchy{IsRoot: parent == nil, RootID: id},
	}
	s.Rollup.TotalAgentCount = 1
	if status == StatusActive {
		s.Rollup.ActiveAgentCount = 1
	}

	var parentID int64
	if parent != nil {
		parentID = parent.ID
		s.Hierarchy.ParentID = parent.ID
		s.Hierarchy.RootID = parent.Hierarchy.RootID
		s.Hierarchy.Depth = parent.Hierarchy.Depth + 1
		s.Rollup.MaxDelegationDepth = s.Hierarchy.Depth
		parent.Hierarchy.ChildIDs = append(parent.Hierarchy.ChildIDs, id)
		parent.Rollup.ChildSessionCount++
	}
	r.sessions[id] = s
	r.mu.Unlock()

	if r.lm != nil {
		var parentAgent string
		if parentID != 0 {
			parentAgent = agentID(parentID)
		}
		if _, err := r.lm.Register(agentID(id), parentAgent, nil); err != nil {
			logger.Warn().Err(err).Int64("session", id).Msg("open lifecycle entry")
		}
	}

	r.emitAll(evts)
	r.emit(events.SessionRegistered, map[string]any{
		"sessionId":  id,
		"projectKey": opts.ProjectKey,
		"parentId":   parentID,
	})
	if parentID != 0 {
		r.emit(events.SessionChildAdded, map[string]any{
			"sessionId": parentID,
			"childId":   id,
		})
	}
	return id, nil
}

// Update merges a partial mutation, recomputes the runtime and
// re-evaluates the alert predicates.
func (r *Registry) Update(id int64, u SessionUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}

	if u.Status != "" {
		s.Status = u.Status
	}
	if u.ContextPercent != nil {
		s.ContextPercent = *u.ContextPercent
	}
	if u.QualityScore != nil {
		s.QualityScore = *u.QualityScore
	}
	if u.ConfidenceScore != nil {
		s.ConfidenceScore = *u.ConfidenceScore
	}
	if u.Tokens != nil {
		s.Tokens = *u.Tokens
	}
	if u.Cost != nil {
		s.Cost = *u.Cost
	}
	if len(u.Metadata) > 0 && s.Metadata == nil {
		s.Metadata = make(map[string]string, len(u.Metadata))
	}
	for k, v := range u.Metadata {
		s.Metadata[k] = v
	}

	now := r.now()
	s.RuntimeMS = now.Sub(s.StartTime).Milliseconds()
	s.LastUpdate = now
	r.evaluateAlertsLocked(s, now)
	return nil
}

// Heartbeat refreshes the liveness timestamps.
func (r *Registry) Heartbeat(id int64) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return ErrSessionNotFound
	}
	now := r.now()
	s.LastHeartbeat = now
	s.LastUpdate = now
	r.mu.Unlock()

	r.emit(events.SessionHeartbeat, map[string]any{"sessionId": id})
	return nil
}

// Deregister marks the session ended. The entry stays visible for
// hierarchy traversal until the stale sweep removes it, so parent
// dashboards retain child context briefly after completion.
func (r *Registry) Deregister(id int64) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return ErrSessionNotFound
	}
	now := r.now()
	s.Status = StatusEnded
	s.EndedAt = now
	s.LastUpdate = now
	s.RuntimeMS = now.Sub(s.StartTime).Milliseconds()
	store := r.storeHandleLocked()
	r.mu.Unlock()

	// Drop any coordination locks still held under this session id.
	if store != nil {
		if err := store.DeregisterSession(formatID(id)); err != nil {
			r.handleStoreError(err)
		}
	}
	if r.lm != nil {
		if err := r.lm.Unregister(agentID(id)); err != nil && !errors.Is(err, lifecycle.ErrAgentNotFound) {
			logger.Warn().Err(err).Int64("session", id).Msg("close lifecycle entry")
		}
	}
	r.emit(events.SessionDeregistered, map[string]any{"sessionId": id})
	return nil
}

// GetSession returns a copy of the session.
func (r *Registry) GetSession(id int64) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s.clone(), nil
}

// ListSessions returns copies of all sessions ordered by id.
func (r *Registry) ListSessions() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ActiveCount reports how many sessions are currently active.
func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, s := range r.sessions {
		if s.Status == StatusActive {
			n++
		}
	}
	return n
}

// SweepStale removes every session whose last update is older than the
// stale timeout and emits session:expired for each.
func (r *Registry) SweepStale() int {
	r.mu.Lock()
	cutoff := r.now().Add(-r.cfg.StaleTimeout)

	var expired []int64
	for id, s := range r.sessions {
		if s.LastUpdate.Before(cutoff) {
			expired = append(expired, id)
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i] < expired[j] })

	for _, id := range expired {
		s := r.sessions[id]
		if pid := s.Hierarchy.ParentID; pid != 0 {
			if parent, ok := r.sessions[pid]; ok {
				parent.Hierarchy.ChildIDs = removeID(parent.Hierarchy.ChildIDs, id)
			}
		}
		delete(r.sessions, id)
		delete(r.alerts, id)
	}
	r.mu.Unlock()

	for _, id := range expired {
		r.emit(events.SessionExpired, map[string]any{"sessionId": id})
	}
	if len(expired) > 0 {
		logger.Info().Int("count", len(expired)).Msg("stale sessions swept")
	}
	return len(expired)
}

// allocateIDLocked hands out the next session id, keeping the durable
// allocator in sync while the store is healthy.
func (r *Registry) allocateIDLocked() (int64, []pendingEvent) {
	if store := r.storeHandleLocked(); store != nil {
		id, err := store.NextSessionID()
		if err != nil {
			return r.allocateMemoryLocked(), r.activateFallbackLocked(classifyReason(err), err)
		}
		if id < r.nextID {
			// Counter moved backwards underneath us; trust the local
			// high-water mark and push it back out.
			id = r.nextID
			if serr := store.SetNextSessionID(id + 1); serr != nil {
				logger.Warn().Err(serr).Msg("push session id high-water mark")
			}
		}
		r.nextID = id + 1
		return id, nil
	}
	return r.allocateMemoryLocked(), nil
}

func (r *Registry) allocateMemoryLocked() int64 {
	id := r.nextID
	r.nextID++
	return id
}

func (r *Registry) storeHandleLocked() *storage.Store {
	if r.fb.active {
		return nil
	}
	return r.store
}

// handleStoreError classifies a failed store call and activates the
// fallback if the registry still considered the store healthy.
func (r *Registry) handleStoreError(err error) {
	if err == nil {
		return
	}
	r.mu.Lock()
	var evts []pendingEvent
	if !r.fb.active {
		evts = r.activateFallbackLocked(classifyReason(err), err)
	}
	r.mu.Unlock()
	r.emitAll(evts)
}

type pendingEvent struct {
	name string
	data map[string]any
}

func (r *Registry) emit(name string, data map[string]any) {
	if r.bus != nil {
		r.bus.Emit(name, data)
	}
}

func (r *Registry) emitAll(evts []pendingEvent) {
	for _, e := range evts {
		r.emit(e.name, e.data)
	}
}

func (s *Session) clone() *Session {
	c := *s
	c.Hierarchy.ChildIDs = append([]int64(nil), s.Hierarchy.ChildIDs...)
	c.ActiveDelegations = cloneDelegations(s.ActiveDelegations)
	c.CompletedDelegations = cloneDelegations(s.CompletedDelegations)
	c.Metadata = cloneMeta(s.Metadata)
	return &c
}

func cloneDelegations(ds []Delegation) []Delegation {
	if ds == nil {
		return nil
	}
	out := make([]Delegation, len(ds))
	copy(out, ds)
	for i := range out {
		out[i].Metadata = cloneMeta(out[i].Metadata)
		if out[i].CompletedAt != nil {
			t := *out[i].CompletedAt
			out[i].CompletedAt = &t
		}
	}
	return out
}

func cloneMeta(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func removeID(ids []int64, id int64) []int64 {
	for i, v := range ids {
		if v == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}

func agentID(id int64) string {
	return "session-" + strconv.FormatInt(id, 10)
}

func formatID(id int64) string {
	return strconv.FormatInt(id, 10)
}
