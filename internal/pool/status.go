package pool

import (
	"context"
	"sort"
)

// SessionStatus is the per-session view reported by the control server.
type SessionStatus struct {
	Name       string `json:"name"`
	ToolsCount *int   `json:"toolsCount"`
	Status     State  `json:"status"`
	PIDs       []int  `json:"pids,omitempty"`
}

// Status is a snapshot of the pool.
type Status struct {
	Phase    Phase           `json:"phase"`
	Sessions []SessionStatus `json:"connections"`
}

// Initializing reports whether bulk initialization is running.
func (s Status) Initializing() bool { return s.Phase == PhaseInitializing }

// Initialized reports whether bulk initialization has finished.
func (s Status) Initialized() bool { return s.Phase == PhaseReady }

// Status returns the phase and per-session state from cached counts only.
func (p *Pool) Status() Status {
	return Status{Phase: p.Phase(), Sessions: p.snapshot(true)}
}

// Details is Status with optional tool counts. With includeCounts set, a
// session whose count was never fetched gets one bounded fetch attempt.
// The control server uses it for /status?refresh=1.
func (p *Pool) Details(ctx context.Context, includeCounts bool) Status {
	if includeCounts {
		for _, s := range p.sessionList() {
			if _, ok := s.ToolCount(); ok {
				continue
			}
			fetchCtx, cancel := context.WithTimeout(ctx, countFetchTimeout)
			_, _ = s.Tools(fetchCtx)
			cancel()
		}
	}
	return Status{Phase: p.Phase(), Sessions: p.snapshot(includeCounts)}
}

func (p *Pool) sessionList() []*Session {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*Session, 0, len(p.sessions))
	for _, s := range p.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (p *Pool) snapshot(includeCounts bool) []SessionStatus {
	sessions := p.sessionList()
	out := make([]SessionStatus, 0, len(sessions))
	for _, s := range sessions {
		status := SessionStatus{Name: s.Name, Status: s.State(), PIDs: s.OwnedPIDs()}
		if includeCounts {
			if count, ok := s.ToolCount(); ok {
				c := count
				status.ToolsCount = &c
			}
		}
		out = append(out, status)
	}
	return out
}
