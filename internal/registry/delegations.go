package registry

import (
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"

	"warden/internal/events"
	"warden/internal/storage"
	"warden/pkg/logger"
)

// DelegationResult carries the terminal outcome of a delegation.
type DelegationResult struct {
	Result string
	Error  string
}

// AddDelegation attaches a new delegation to a session and writes the
// audit row. The generated id is returned when the caller left it
// empty.
func (r *Registry) AddDelegation(sessionID int64, d Delegation) (string, error) {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return "", ErrSessionNotFound
	}
	if len(s.ActiveDelegations) >= r.cfg.MaxConcurrentDelegations {
		r.mu.Unlock()
		return "", ErrTooManyDelegations
	}

	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	d.ParentSessionID = sessionID
	if d.Status == "" {
		d.Status = DelegationPending
	}
	now := r.now()
	d.CreatedAt = now
	d.UpdatedAt = now
	s.ActiveDelegations = append(s.ActiveDelegations, d)
	store := r.storeHandleLocked()
	r.mu.Unlock()

	if store != nil {
		rec := &storage.DelegationRecord{
			ID:              d.ID,
			ParentSessionID: formatID(sessionID),
			TargetAgentID:   d.TargetAgentID,
			TaskID:          d.TaskID,
			Pattern:         d.Pattern,
			Status:          d.Status,
			CreatedAt:       d.CreatedAt,
		}
		if err := store.RecordDelegation(rec); err != nil {
			r.handleStoreError(err)
		}
	}

	r.emit(events.DelegationAdded, map[string]any{
		"sessionId":    sessionID,
		"delegationId": d.ID,
		"pattern":      d.Pattern,
	})
	return d.ID, nil
}

// UpdateDelegation transitions a delegation. A terminal status moves
// the record from the active list into the completed ring.
func (r *Registry) UpdateDelegation(sessionID int64, delegationID, status string, res DelegationResult) error {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return ErrSessionNotFound
	}

	idx := -1
	for i := range s.ActiveDelegations {
		if s.ActiveDelegations[i].ID == delegationID {
			idx = i
			break
		}
	}
	if idx < 0 {
		r.mu.Unlock()
		return ErrDelegationNotFound
	}

	d := &s.ActiveDelegations[idx]
	prev := d.Status
	now := r.now()
	d.Status = status
	d.UpdatedAt = now
	if res.Result != "" {
		d.Result = res.Result
	}
	if res.Error != "" {
		d.Error = res.Error
	}

	terminal := IsTerminalDelegation(status)
	var done Delegation
	if terminal {
		d.CompletedAt = &now
		done = *d
		s.ActiveDelegations = append(s.ActiveDelegations[:idx], s.ActiveDelegations[idx+1:]...)
		s.CompletedDelegations = append(s.CompletedDelegations, done)
		if n := len(s.CompletedDelegations); n > maxCompletedDelegations {
			s.CompletedDelegations = s.CompletedDelegations[n-maxCompletedDelegations:]
		}
	}
	store := r.storeHandleLocked()
	r.mu.Unlock()

	switch {
	case terminal:
		if store != nil {
			err := store.CompleteDelegation(delegationID, status, len(done.Result), done.Error)
			if err != nil && !errors.Is(err, storage.ErrNotFound) {
				r.handleStoreError(err)
			}
		}
		r.emit(events.DelegationCompleted, map[string]any{
			"sessionId":    sessionID,
			"delegationId": delegationID,
			"status":       status,
			"durationMs":   now.Sub(done.CreatedAt).Milliseconds(),
		})
	case prev == DelegationPending && status == DelegationActive:
		r.emit(events.DelegationStarted, map[string]any{
			"sessionId":    sessionID,
			"delegationId": delegationID,
		})
	default:
		r.emit(events.DelegationUpdated, map[string]any{
			"sessionId":    sessionID,
			"delegationId": delegationID,
			"status":       status,
		})
	}
	return nil
}

// MarkDelegationRetry bumps the retry counter and parks the delegation
// back in pending for the next dispatch attempt.
func (r *Registry) MarkDelegationRetry(sessionID int64, delegationID string) (int, error) {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return 0, ErrSessionNotFound
	}

	var retries int
	found := false
	for i := range s.ActiveDelegations {
		if s.ActiveDelegations[i].ID == delegationID {
			d := &s.ActiveDelegations[i]
			d.Retries++
			d.Status = DelegationPending
			d.UpdatedAt = r.now()
			retries = d.Retries
			found = true
			break
		}
	}
	r.mu.Unlock()

	if !found {
		return 0, ErrDelegationNotFound
	}
	r.emit(events.DelegationRetry, map[string]any{
		"sessionId":    sessionID,
		"delegationId": delegationID,
		"retries":      retries,
	})
	return retries, nil
}

// TimeoutDelegations fails every active delegation that has not moved
// within maxAge and returns how many were expired.
func (r *Registry) TimeoutDelegations(maxAge time.Duration) int {
	r.mu.Lock()
	now := r.now()
	cutoff := now.Add(-maxAge)

	type timedOut struct {
		sessionID int64
		d         Delegation
	}
	var expired []timedOut
	for _, s := range r.sessions {
		var live []Delegation
		for _, d := range s.ActiveDelegations {
			if d.UpdatedAt.Before(cutoff) {
				t := now
				d.Status = DelegationFailed
				d.Error = "delegation timed out"
				d.UpdatedAt = now
				d.CompletedAt = &t
				s.CompletedDelegations = append(s.CompletedDelegations, d)
				if n := len(s.CompletedDelegations); n > maxCompletedDelegations {
					s.CompletedDelegations = s.CompletedDelegations[n-maxCompletedDelegations:]
				}
				expired = append(expired, timedOut{s.ID, d})
				continue
			}
			live = append(live, d)
		}
		s.ActiveDelegations = live
	}
	sort.Slice(expired, func(i, j int) bool {
		if expired[i].sessionID != expired[j].sessionID {
			return expired[i].sessionID < expired[j].sessionID
		}
		return expired[i].d.ID < expired[j].d.ID
	})
	store := r.storeHandleLocked()
	r.mu.Unlock()

	for _, e := range expired {
		if store != nil {
			err := store.CompleteDelegation(e.d.ID, DelegationFailed, 0, e.d.Error)
			if err != nil && !errors.Is(err, storage.ErrNotFound) {
				r.handleStoreError(err)
				store = nil
			}
		}
		r.emit(events.DelegationTimeout, map[string]any{
			"sessionId":    e.sessionID,
			"delegationId": e.d.ID,
		})
	}
	if len(expired) > 0 {
		logger.Info().Int("count", len(expired)).Msg("delegations timed out")
	}
	return len(expired)
}

// GetDelegations returns copies of the active and completed delegation
// lists for a session.
func (r *Registry) GetDelegations(sessionID int64) (active, completed []Delegation, err error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return nil, nil, ErrSessionNotFound
	}
	return cloneDelegations(s.ActiveDelegations), cloneDelegations(s.CompletedDelegations), nil
}
