// Package flapping guards against repeated incident creation for the same
// site. A site that opens too many incidents inside a rolling window is
// placed in cooldown; a site well past the threshold is flagged for
// escalation until an operator intervenes.
package flapping

import (
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Config holds the windowing thresholds.
type Config struct {
	// CooldownWindow is both the rolling counting window and the duration
	// of an imposed cooldown.
	CooldownWindow time.Duration
	// MaxIncidentsPerWindow is the incident count at which a site is
	// considered flapping.
	MaxIncidentsPerWindow int
	// EscalationThreshold is the windowed count at which a flapping site
	// is additionally flagged for operator escalation.
	EscalationThreshold int
}

// DefaultConfig returns the default flapping thresholds.
func DefaultConfig() Config {
	return Config{
		CooldownWindow:        10 * time.Minute,
		MaxIncidentsPerWindow: 3,
		EscalationThreshold:   5,
	}
}

// Decision is the outcome of a creation check.
type Decision struct {
	Allowed        bool
	Reason         string
	IncidentCount  int
	CooldownUntil  time.Time
	IsFlapping     bool
	ShouldEscalate bool
}

// SiteStatus is a defensive copy of one site's record.
type SiteStatus struct {
	SiteID          string
	IncidentCount   int
	FirstIncidentAt time.Time
	LastIncidentAt  time.Time
	CooldownUntil   time.Time
	IsFlapping      bool
	ShouldEscalate  bool
}

// siteRecord tracks one site. Incident timestamps are kept in a bounded
// deque so windowed counts are exact rather than heuristic.
type siteRecord struct {
	incidents      []time.Time
	cooldownUntil  time.Time
	isFlapping     bool
	shouldEscalate bool
	lastTouchedAt  time.Time
}

const lockStripes = 32

// Detector implements per-site flapping prevention. Site records live in
// process memory behind a striped lock; cross-process consistency is not
// required because dispatch already serializes per incident.
type Detector struct {
	cfg    Config
	logger *zap.Logger
	now    func() time.Time

	stripes [lockStripes]struct {
		mu    sync.Mutex
		sites map[string]*siteRecord
	}
}

// Option customizes a Detector.
type Option func(*Detector)

// WithClock replaces the time source. Test hook.
func WithClock(now func() time.Time) Option {
	return func(d *Detector) { d.now = now }
}

// NewDetector creates a flapping detector.
func NewDetector(cfg Config, logger *zap.Logger, opts ...Option) *Detector {
	d := &Detector{
		cfg:    cfg,
		logger: logger.Named("flapping"),
		now:    time.Now,
	}
	for i := range d.stripes {
		d.stripes[i].sites = make(map[string]*siteRecord)
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// CanCreateIncident decides whether a new incident may be opened for the
// site. Denials are policy outcomes, not errors.
func (d *Detector) CanCreateIncident(siteID string) Decision {
	stripe := d.stripe(siteID)
	stripe.mu.Lock()
	defer stripe.mu.Unlock()

	now := d.now()
	rec := d.getLocked(stripe.sites, siteID, now)
	d.rollWindowLocked(rec, now)

	count := len(rec.incidents)

	if now.Before(rec.cooldownUntil) {
		return Decision{
			Allowed:        false,
			Reason:         fmt.Sprintf("site %s is in cooldown", siteID),
			IncidentCount:  count,
			CooldownUntil:  rec.cooldownUntil,
			IsFlapping:     rec.isFlapping,
			ShouldEscalate: rec.shouldEscalate,
		}
	}

	if d.cfg.MaxIncidentsPerWindow > 0 && count >= d.cfg.MaxIncidentsPerWindow {
		rec.cooldownUntil = now.Add(d.cfg.CooldownWindow)
		rec.isFlapping = true
		if count >= d.cfg.EscalationThreshold {
			rec.shouldEscalate = true
		}
		d.logger.Warn("site is flapping, entering cooldown",
			zap.String("site_id", siteID),
			zap.Int("incident_count", count),
			zap.Time("cooldown_until", rec.cooldownUntil),
			zap.Bool("should_escalate", rec.shouldEscalate))
		return Decision{
			Allowed:        false,
			Reason:         fmt.Sprintf("site %s is flapping: %d incidents in window", siteID, count),
			IncidentCount:  count,
			CooldownUntil:  rec.cooldownUntil,
			IsFlapping:     true,
			ShouldEscalate: rec.shouldEscalate,
		}
	}

	return Decision{
		Allowed:        true,
		IncidentCount:  count,
		ShouldEscalate: rec.shouldEscalate,
	}
}

// RecordIncident registers a newly created incident for the site.
func (d *Detector) RecordIncident(siteID, incidentID string) {
	stripe := d.stripe(siteID)
	stripe.mu.Lock()
	defer stripe.mu.Unlock()

	now := d.now()
	rec := d.getLocked(stripe.sites, siteID, now)
	d.rollWindowLocked(rec, now)
	rec.incidents = append(rec.incidents, now)
	rec.lastTouchedAt = now

	d.logger.Debug("incident recorded",
		zap.String("site_id", siteID),
		zap.String("incident_id", incidentID),
		zap.Int("incident_count", len(rec.incidents)))
}

// RecordResolution registers the outcome of an incident. A successful
// resolution while the site is not flapping forgives one windowed
// incident.
func (d *Detector) RecordResolution(siteID, incidentID string, successful bool) {
	stripe := d.stripe(siteID)
	stripe.mu.Lock()
	defer stripe.mu.Unlock()

	now := d.now()
	rec := d.getLocked(stripe.sites, siteID, now)
	d.rollWindowLocked(rec, now)
	rec.lastTouchedAt = now

	if successful && !rec.isFlapping && len(rec.incidents) > 0 {
		rec.incidents = rec.incidents[1:]
	}
}

// Status returns a copy of the site's record, or false if untracked.
func (d *Detector) Status(siteID string) (SiteStatus, bool) {
	stripe := d.stripe(siteID)
	stripe.mu.Lock()
	defer stripe.mu.Unlock()

	rec, ok := stripe.sites[siteID]
	if !ok {
		return SiteStatus{}, false
	}
	d.rollWindowLocked(rec, d.now())
	st := SiteStatus{
		SiteID:         siteID,
		IncidentCount:  len(rec.incidents),
		CooldownUntil:  rec.cooldownUntil,
		IsFlapping:     rec.isFlapping,
		ShouldEscalate: rec.shouldEscalate,
	}
	if len(rec.incidents) > 0 {
		st.FirstIncidentAt = rec.incidents[0]
		st.LastIncidentAt = rec.incidents[len(rec.incidents)-1]
	}
	return st, true
}

// ClearCooldown lifts an active cooldown and the flapping flag, keeping
// the windowed incidents. Operator intervention.
func (d *Detector) ClearCooldown(siteID string) {
	stripe := d.stripe(siteID)
	stripe.mu.Lock()
	defer stripe.mu.Unlock()

	if rec, ok := stripe.sites[siteID]; ok {
		rec.cooldownUntil = time.Time{}
		rec.isFlapping = false
		rec.shouldEscalate = false
		d.logger.Info("cooldown cleared", zap.String("site_id", siteID))
	}
}

// ResetSite discards all tracking for the site. Operator intervention;
// the only way to unset a sticky escalation flag besides ClearCooldown.
func (d *Detector) ResetSite(siteID string) {
	stripe := d.stripe(siteID)
	stripe.mu.Lock()
	defer stripe.mu.Unlock()
	delete(stripe.sites, siteID)
}

// Sweep drops site records untouched for longer than olderThan and not in
// cooldown. Returns the number dropped.
func (d *Detector) Sweep(olderThan time.Duration) int {
	now := d.now()
	cutoff := now.Add(-olderThan)
	dropped := 0
	for i := range d.stripes {
		stripe := &d.stripes[i]
		stripe.mu.Lock()
		for siteID, rec := range stripe.sites {
			if rec.lastTouchedAt.Before(cutoff) && now.After(rec.cooldownUntil) && !rec.shouldEscalate {
				delete(stripe.sites, siteID)
				dropped++
			}
		}
		stripe.mu.Unlock()
	}
	return dropped
}

func (d *Detector) stripe(siteID string) *struct {
	mu    sync.Mutex
	sites map[string]*siteRecord
} {
	h := fnv.New32a()
	_, _ = h.Write([]byte(siteID))
	return &d.stripes[h.Sum32()%lockStripes]
}

func (d *Detector) getLocked(sites map[string]*siteRecord, siteID string, now time.Time) *siteRecord {
	rec, ok := sites[siteID]
	if !ok {
		rec = &siteRecord{lastTouchedAt: now}
		sites[siteID] = rec
	}
	return rec
}

// rollWindowLocked ages out incidents that fell outside the window and
// clears an expired cooldown. Escalation stays sticky until an operator
// resets the site.
func (d *Detector) rollWindowLocked(rec *siteRecord, now time.Time) {
	if d.cfg.CooldownWindow > 0 {
		cutoff := now.Add(-d.cfg.CooldownWindow)
		trimmed := rec.incidents
		for len(trimmed) > 0 && trimmed[0].Before(cutoff) {
			trimmed = trimmed[1:]
		}
		rec.incidents = trimmed
	} else {
		// A zero window means nothing ever accumulates.
		rec.incidents = rec.incidents[:0]
	}
	if !rec.cooldownUntil.IsZero() && !now.Before(rec.cooldownUntil) {
		rec.cooldownUntil = time.Time{}
		rec.isFlapping = false
	}
}
