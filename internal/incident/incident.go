// Package incident implements the remediation state machine. An
// incident advances by enqueueing one follow-up job per transition;
// no state is mutated in place outside the job payload.
package incident

import (
	"time"
)

// State is one stop in the remediation pipeline.
type State string

const (
	StateNew           State = "NEW"
	StateDiscovery     State = "DISCOVERY"
	StateBaseline      State = "BASELINE"
	StateBackup        State = "BACKUP"
	StateObservability State = "OBSERVABILITY"
	StateFixAttempt    State = "FIX_ATTEMPT"
	StateVerify        State = "VERIFY"
	StateFixed         State = "FIXED"
	StateRollback      State = "ROLLBACK"
	StateEscalated     State = "ESCALATED"
)

// Terminal reports whether no further transitions leave s.
func (s State) Terminal() bool {
	return s == StateFixed || s == StateEscalated
}

// Job names consumed by queue workers.
const (
	JobProcessIncident  = "PROCESS_INCIDENT"
	JobEscalateIncident = "ESCALATE_INCIDENT"
)

// JobPayload is the unit of work flowing through the incident queue.
type JobPayload struct {
	IncidentID     string         `json:"incidentId"`
	SiteID         string         `json:"siteId"`
	ServerID       string         `json:"serverId"`
	CurrentState   State          `json:"currentState"`
	FixAttempts    int            `json:"fixAttempts"`
	MaxFixAttempts int            `json:"maxFixAttempts"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CorrelationID  string         `json:"correlationId"`
	TraceID        string         `json:"traceId"`
}

// meta reads a metadata value, tolerating a nil map.
func (p *JobPayload) meta(key string) (any, bool) {
	if p.Metadata == nil {
		return nil, false
	}
	v, ok := p.Metadata[key]
	return v, ok
}

func (p *JobPayload) metaBool(key string) bool {
	v, ok := p.meta(key)
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// setMeta writes a metadata value, allocating the map on first use.
func (p *JobPayload) setMeta(key string, value any) {
	if p.Metadata == nil {
		p.Metadata = make(map[string]any)
	}
	p.Metadata[key] = value
}

// mergeMeta copies executor data into the payload metadata.
func (p *JobPayload) mergeMeta(data map[string]any) {
	for k, v := range data {
		p.setMeta(k, v)
	}
}

type transition struct {
	from  State
	to    State
	guard func(p *JobPayload) bool
}

// transitions is evaluated top to bottom; the first row whose guard
// passes wins.
var transitions = []transition{
	{StateNew, StateDiscovery, nil},
	{StateDiscovery, StateBaseline, nil},
	{StateBaseline, StateBackup, nil},
	{StateBackup, StateObservability, nil},
	{StateObservability, StateFixAttempt, nil},
	{StateFixAttempt, StateVerify, nil},
	{StateVerify, StateFixed, func(p *JobPayload) bool {
		return p.metaBool("verificationPassed")
	}},
	{StateVerify, StateFixAttempt, func(p *JobPayload) bool {
		return !p.metaBool("verificationPassed") && p.FixAttempts < p.MaxFixAttempts
	}},
	{StateVerify, StateRollback, func(p *JobPayload) bool {
		return !p.metaBool("verificationPassed") && p.FixAttempts >= p.MaxFixAttempts
	}},
	{StateRollback, StateEscalated, nil},
}

// nextTransition resolves the successor state for the payload's current
// state, or false when the state is terminal or unknown.
func nextTransition(p *JobPayload) (State, bool) {
	for _, t := range transitions {
		if t.from != p.CurrentState {
			continue
		}
		if t.guard == nil || t.guard(p) {
			return t.to, true
		}
	}
	return "", false
}

// transitionDelay returns the queue delay applied when entering the
// target state.
func transitionDelay(to State) time.Duration {
	switch to {
	case StateFixAttempt:
		return 5 * time.Second
	case StateVerify:
		return 10 * time.Second
	default:
		return time.Second
	}
}

// retryBackoff caps exponential state-failure backoff at 30 s.
func retryBackoff(fixAttempts int) time.Duration {
	ms := 1000 * (1 << fixAttempts)
	if ms > 30_000 {
		ms = 30_000
	}
	return time.Duration(ms) * time.Millisecond
}
