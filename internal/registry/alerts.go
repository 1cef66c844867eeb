package registry

import (
	"fmt"
	"sort"
	"time"
)

// evaluateAlertsLocked re-runs the alert predicates for a session after
// an update. A refire at the same severity keeps the original raise
// time so dashboards show how long the condition has held.
func (r *Registry) evaluateAlertsLocked(s *Session, now time.Time) {
	set := func(kind, severity, message string) {
		byKind := r.alerts[s.ID]
		if byKind == nil {
			byKind = make(map[string]Alert)
			r.alerts[s.ID] = byKind
		}
		if existing, ok := byKind[kind]; ok && existing.Severity == severity {
			existing.Message = message
			byKind[kind] = existing
			return
		}
		byKind[kind] = Alert{
			SessionID: s.ID,
			Kind:      kind,
			Severity:  severity,
			Message:   message,
			RaisedAt:  now,
		}
	}
	clear := func(kind string) {
		byKind, ok := r.alerts[s.ID]
		if !ok {
			return
		}
		delete(byKind, kind)
		if len(byKind) == 0 {
			delete(r.alerts, s.ID)
		}
	}

	switch {
	case s.ContextPercent > 90:
		set(AlertContextHigh, SeverityCritical, fmt.Sprintf("context usage at %d%%", s.ContextPercent))
	case s.ContextPercent > 80:
		set(AlertContextHigh, SeverityWarning, fmt.Sprintf("context usage at %d%%", s.ContextPercent))
	default:
		clear(AlertContextHigh)
	}

	switch {
	case s.ConfidenceScore <= 0:
		// Zero means the agent has not reported confidence yet.
		clear(AlertConfidenceLow)
	case s.ConfidenceScore < 40:
		set(AlertConfidenceLow, SeverityCritical, fmt.Sprintf("confidence at %d", s.ConfidenceScore))
	case s.ConfidenceScore < 60:
		set(AlertConfidenceLow, SeverityWarning, fmt.Sprintf("confidence at %d", s.ConfidenceScore))
	default:
		clear(AlertConfidenceLow)
	}
}

// GetAlerts returns every live alert ordered by session id, then kind.
func (r *Registry) GetAlerts() []Alert {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Alert
	for _, byKind := range r.alerts {
		for _, a := range byKind {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SessionID != out[j].SessionID {
			return out[i].SessionID < out[j].SessionID
		}
		return out[i].Kind < out[j].Kind
	})
	return out
}

// SessionAlerts returns the live alerts for one session.
func (r *Registry) SessionAlerts(id int64) ([]Alert, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, ok := r.sessions[id]; !ok {
		return nil, ErrSessionNotFound
	}
	var out []Alert
	for _, a := range r.alerts[id] {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Kind < out[j].Kind })
	return out, nil
}
