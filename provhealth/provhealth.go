// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package provhealth implements §4.8: per-provider circuit breaking,
// EWMA-tracked health, and a deterministic fallback-ordering score.
// Grounded on the teacher's engine/bft round-state bookkeeping (small,
// atomically-updated per-peer records guarded by a single mutex) rather
// than any external circuit-breaker library, since none appears in the
// retrieval pack.
package provhealth

import (
	"sort"
	"sync"
	"time"

	"github.com/luxfi/log"

	"github.com/luxfi/tabcore/corecontext"
)

// Circuit is the per-provider breaker state of §4.8.
type Circuit string

const (
	CircuitClosed   Circuit = "CLOSED"
	CircuitOpen     Circuit = "OPEN"
	CircuitHalfOpen Circuit = "HALF_OPEN"
)

// Status is the health-status mapping of §4.8.
type Status string

const (
	StatusHealthy     Status = "HEALTHY"
	StatusDegraded    Status = "DEGRADED"
	StatusUnhealthy   Status = "UNHEALTHY"
	StatusBlacklisted Status = "BLACKLISTED"
	StatusUnknown     Status = "UNKNOWN"
)

// TimeoutType classifies a failed call, per §4.8's timeout taxonomy.
type TimeoutType string

const (
	TimeoutConnection TimeoutType = "connection"
	TimeoutRead       TimeoutType = "read"
	TimeoutTotal      TimeoutType = "total"
)

// CallResult reports the outcome of one provider call.
type CallResult struct {
	Success     bool
	LatencyMS   float64
	TimeoutType TimeoutType // zero value ignored when Success is true
	Retryable   bool        // meaningful only when Success is false
}

// ewmaAlpha weights the most recent observation in both EWMAs.
const ewmaAlpha = 0.2

// ProviderState is the full bookkeeping record for one provider.
type ProviderState struct {
	Name string

	Circuit            Circuit
	SuccessRate        float64
	AvgLatencyMS       float64
	ConsecutiveFailures int
	BlacklistCount     int
	IsLocal            bool

	openedAt        time.Time
	cooldown        time.Duration
	blacklistExpiry time.Time
	halfOpenInUse   int
	hasData         bool
}

// ProvHealth tracks per-provider circuit state and computes fallback
// ordering.
type ProvHealth interface {
	// Register adds (or re-registers) a provider, isLocal marking it as
	// a zero-network-hop provider for the fallback score's locality term.
	Register(name string, isLocal bool)

	// AllowCall reports whether a call may currently be attempted: false
	// when the circuit is OPEN, or when it is HALF_OPEN and the trial
	// budget is exhausted. The caller must report the outcome via
	// RecordResult exactly once per allowed call.
	AllowCall(name string) (bool, error)

	// RecordResult folds one call's outcome into the provider's EWMAs
	// and drives its circuit-breaker state transition.
	RecordResult(name string, result CallResult)

	// Status returns the current health status mapping for name.
	Status(name string) Status

	// Snapshot returns a copy of the bookkeeping record for name, ok
	// false if name was never registered.
	Snapshot(name string) (ProviderState, bool)

	// FallbackOrder returns every registered provider sorted by the
	// §4.8 fallback-priority score, descending, ties broken by name.
	FallbackOrder(primaryHint string) []string
}

type provHealth struct {
	ctx *corecontext.Context

	mu        sync.Mutex
	providers map[string]*ProviderState
}

// New constructs the default ProvHealth.
func New(ctx *corecontext.Context) ProvHealth {
	return &provHealth{
		ctx:       ctx.Component("provhealth"),
		providers: make(map[string]*ProviderState),
	}
}

func (p *provHealth) Register(name string, isLocal bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.providers[name]; ok {
		p.providers[name].IsLocal = isLocal
		return
	}
	p.providers[name] = &ProviderState{Name: name, Circuit: CircuitClosed, IsLocal: isLocal}
}

// get returns name's bookkeeping record, creating it on first reference.
// Callers must hold p.mu.
func (p *provHealth) get(name string) *ProviderState {
	s, ok := p.providers[name]
	if !ok {
		s = &ProviderState{Name: name, Circuit: CircuitClosed}
		p.providers[name] = s
	}
	return s
}

func (p *provHealth) AllowCall(name string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.get(name)
	now := p.ctx.Clock.Now()

	switch s.Circuit {
	case CircuitOpen:
		if now.Before(s.openedAt.Add(s.cooldown)) {
			return false, corecontext.New(corecontext.KindCircuitOpen, "provhealth.allowcall", nil, "provider", name)
		}
		s.Circuit = CircuitHalfOpen
		s.halfOpenInUse = 0
		p.ctx.Logger.Info("circuit half-opening", log.String("provider", name))
		fallthrough
	case CircuitHalfOpen:
		if s.halfOpenInUse >= p.ctx.Config.CircuitHalfOpenMaxCall {
			return false, corecontext.New(corecontext.KindCircuitOpen, "provhealth.allowcall", nil, "provider", name, "state", "half_open_exhausted")
		}
		s.halfOpenInUse++
		return true, nil
	default:
		return true, nil
	}
}

func (p *provHealth) RecordResult(name string, result CallResult) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.get(name)
	hadData := s.hasData
	s.hasData = true

	s.SuccessRate = ewma(s.SuccessRate, boolToFloat(result.Success), hadData)
	s.AvgLatencyMS = ewma(s.AvgLatencyMS, result.LatencyMS, hadData)

	if s.Circuit == CircuitHalfOpen && s.halfOpenInUse > 0 {
		s.halfOpenInUse--
	}

	if result.Success {
		s.ConsecutiveFailures = 0
		if s.Circuit != CircuitClosed {
			p.ctx.Logger.Info("circuit closed", log.String("provider", name))
		}
		s.Circuit = CircuitClosed
		return
	}

	weight := 1
	if !result.Retryable {
		weight = 2
	}
	s.ConsecutiveFailures += weight

	switch s.Circuit {
	case CircuitHalfOpen:
		// a failed half-open trial re-opens with an increased cooldown;
		// the very first CLOSED->OPEN transition does not bump the
		// count, so the first cooldown is the unmultiplied base.
		s.BlacklistCount++
		p.openCircuit(s)
	case CircuitClosed:
		if s.ConsecutiveFailures >= p.ctx.Config.CircuitOpenThreshold {
			p.openCircuit(s)
		}
	}
}

// openCircuit transitions a provider to OPEN with a cooldown derived
// from its current blacklist_count and, past threshold, marks it
// BLACKLISTED with an extended expiry.
func (p *provHealth) openCircuit(s *ProviderState) {
	s.Circuit = CircuitOpen
	s.openedAt = p.ctx.Clock.Now()
	s.cooldown = p.circuitCooldown(s.BlacklistCount)

	p.ctx.Logger.Warn("circuit opened", log.String("provider", s.Name), log.Int("blacklist_count", s.BlacklistCount))

	if s.BlacklistCount > p.ctx.Config.BlacklistThreshold {
		s.blacklistExpiry = s.openedAt.Add(p.ctx.Config.CircuitMaxCooldown)
	}
}

// circuitCooldown is CircuitBaseCooldown * 2^blacklistCount, capped at
// CircuitMaxCooldown.
func (p *provHealth) circuitCooldown(blacklistCount int) time.Duration {
	base, cap := p.ctx.Config.CircuitBaseCooldown, p.ctx.Config.CircuitMaxCooldown
	d := base
	for i := 0; i < blacklistCount && d < cap; i++ {
		d *= 2
	}
	if d > cap {
		d = cap
	}
	return d
}

func (p *provHealth) Status(name string) Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.providers[name]
	if !ok {
		return StatusUnknown
	}
	return statusOf(s, p.ctx.Clock.Now())
}

func statusOf(s *ProviderState, now time.Time) Status {
	if !s.blacklistExpiry.IsZero() && now.Before(s.blacklistExpiry) {
		return StatusBlacklisted
	}
	if !s.hasData {
		return StatusUnknown
	}
	switch s.Circuit {
	case CircuitOpen:
		return StatusUnhealthy
	case CircuitClosed:
		switch {
		case s.SuccessRate >= 0.9:
			return StatusHealthy
		case s.SuccessRate >= 0.5:
			return StatusDegraded
		default:
			return StatusUnhealthy
		}
	default: // HALF_OPEN: treat as degraded until it resolves
		return StatusDegraded
	}
}

func (p *provHealth) Snapshot(name string) (ProviderState, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.providers[name]
	if !ok {
		return ProviderState{}, false
	}
	return *s, true
}

// fallback score weights, per §4.8.
const (
	weightHealth  = 1.0
	weightLatency = 0.4
	weightSuccess = 0.6
	weightPrimary = 0.5
	weightLocal   = 0.2
	weightOpen    = 2.0
)

func healthWeight(status Status) float64 {
	switch status {
	case StatusHealthy:
		return 1
	case StatusDegraded:
		return 0.5
	case StatusUnknown:
		return 0.3
	case StatusUnhealthy:
		return 0.1
	case StatusBlacklisted:
		return -1
	default:
		return 0
	}
}

func (p *provHealth) score(s *ProviderState, primaryHint string, now time.Time) float64 {
	status := statusOf(s, now)

	score := weightHealth * healthWeight(status)
	score += weightLatency * (1 / (1 + s.AvgLatencyMS/1000))
	score += weightSuccess * s.SuccessRate
	if s.Name == primaryHint {
		score += weightPrimary * 1
	}
	if s.IsLocal {
		score += weightLocal * 0.1
	}
	if s.Circuit == CircuitOpen {
		score -= weightOpen * 1
	}
	return score
}

func (p *provHealth) FallbackOrder(primaryHint string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.ctx.Clock.Now()
	names := make([]string, 0, len(p.providers))
	for name := range p.providers {
		names = append(names, name)
	}

	sort.Slice(names, func(i, j int) bool {
		si, sj := p.score(p.providers[names[i]], primaryHint, now), p.score(p.providers[names[j]], primaryHint, now)
		if si != sj {
			return si > sj
		}
		return names[i] < names[j]
	})
	return names
}

func ewma(prev, sample float64, hadData bool) float64 {
	if !hadData {
		return sample
	}
	return ewmaAlpha*sample + (1-ewmaAlpha)*prev
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
