// Copyright (C) 2019-2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package provhealth

import (
	"testing"
	"time"

	"github.com/luxfi/ids"
	"github.com/luxfi/log"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/tabcore/corecontext"
)

func newTestHealth() (ProvHealth, *corecontext.MockClock, corecontext.Config) {
	clock := corecontext.NewMockClock()
	cfg := corecontext.FastTestConfig()
	ctx := corecontext.New(ids.GenerateTestNodeID(), clock, nil, log.NewNoOpLogger(), cfg)
	return New(ctx), clock, cfg
}

func TestStatusMappingHealthyDegradedUnhealthy(t *testing.T) {
	ph, _, _ := newTestHealth()
	ph.Register("a", false)
	ph.RecordResult("a", CallResult{Success: true, LatencyMS: 100})
	require.Equal(t, StatusHealthy, ph.Status("a"))

	ph.Register("b", false)
	// drive success_rate into [0.5, 0.9) with a fresh EWMA sequence.
	ph.RecordResult("b", CallResult{Success: true, LatencyMS: 100})
	ph.RecordResult("b", CallResult{Success: false, LatencyMS: 100, Retryable: true})
	ph.RecordResult("b", CallResult{Success: false, LatencyMS: 100, Retryable: true})
	snap, _ := ph.Snapshot("b")
	require.True(t, snap.SuccessRate >= 0.5 && snap.SuccessRate < 0.9, "expected degraded band, got %f", snap.SuccessRate)
	require.Equal(t, StatusDegraded, ph.Status("b"))
}

func TestUnregisteredProviderIsUnknown(t *testing.T) {
	ph, _, _ := newTestHealth()
	require.Equal(t, StatusUnknown, ph.Status("nobody"))
}

func TestConsecutiveFailuresOpenCircuit(t *testing.T) {
	ph, _, cfg := newTestHealth()
	ph.Register("flaky", false)

	for i := 0; i < cfg.CircuitOpenThreshold; i++ {
		ph.RecordResult("flaky", CallResult{Success: false, Retryable: true})
	}

	allowed, err := ph.AllowCall("flaky")
	require.False(t, allowed)
	require.Error(t, err)
	require.Equal(t, corecontext.KindCircuitOpen, corecontext.KindOf(err))
	require.Equal(t, StatusUnhealthy, ph.Status("flaky"))
}

func TestNonRetryableTimeoutCountsDouble(t *testing.T) {
	ph, _, cfg := newTestHealth()
	ph.Register("flaky", false)

	// half as many non-retryable failures should still open the circuit.
	for i := 0; i < (cfg.CircuitOpenThreshold+1)/2; i++ {
		ph.RecordResult("flaky", CallResult{Success: false, Retryable: false, TimeoutType: TimeoutConnection})
	}

	_, err := ph.AllowCall("flaky")
	require.Error(t, err)
	require.Equal(t, corecontext.KindCircuitOpen, corecontext.KindOf(err))
}

func TestCircuitHalfOpensAfterCooldownThenClosesOnSuccess(t *testing.T) {
	ph, clock, cfg := newTestHealth()
	ph.Register("flaky", false)

	for i := 0; i < cfg.CircuitOpenThreshold; i++ {
		ph.RecordResult("flaky", CallResult{Success: false, Retryable: true})
	}
	_, err := ph.AllowCall("flaky")
	require.Error(t, err)

	clock.Advance(cfg.CircuitBaseCooldown + time.Millisecond)

	allowed, err := ph.AllowCall("flaky")
	require.NoError(t, err)
	require.True(t, allowed, "cooldown elapsed, must allow a half-open trial")

	ph.RecordResult("flaky", CallResult{Success: true, LatencyMS: 50})
	snap, _ := ph.Snapshot("flaky")
	require.Equal(t, CircuitClosed, snap.Circuit)
}

func TestHalfOpenFailureReopensWithLongerCooldown(t *testing.T) {
	ph, clock, cfg := newTestHealth()
	ph.Register("flaky", false)

	for i := 0; i < cfg.CircuitOpenThreshold; i++ {
		ph.RecordResult("flaky", CallResult{Success: false, Retryable: true})
	}
	clock.Advance(cfg.CircuitBaseCooldown + time.Millisecond)
	_, err := ph.AllowCall("flaky")
	require.NoError(t, err)

	ph.RecordResult("flaky", CallResult{Success: false, Retryable: true})
	snap, _ := ph.Snapshot("flaky")
	require.Equal(t, CircuitOpen, snap.Circuit)
	require.Equal(t, 1, snap.BlacklistCount, "the first CLOSED->OPEN transition must not bump blacklist_count")
	require.Greater(t, snap.cooldown, cfg.CircuitBaseCooldown, "a half-open failure must increase the cooldown")
}

func TestBlacklistPastThresholdMarksStatus(t *testing.T) {
	ph, clock, cfg := newTestHealth()
	ph.Register("cursed", false)

	for cycle := 0; cycle <= cfg.BlacklistThreshold+1; cycle++ {
		for i := 0; i < cfg.CircuitOpenThreshold; i++ {
			ph.RecordResult("cursed", CallResult{Success: false, Retryable: true})
		}
		snap, _ := ph.Snapshot("cursed")
		// once blacklisted, waiting out the (capped) cooldown would also
		// pass the blacklist expiry, so the status is checked right here.
		if snap.BlacklistCount > cfg.BlacklistThreshold {
			break
		}
		clock.Advance(snap.cooldown + time.Millisecond)
		allowed, _ := ph.AllowCall("cursed")
		if !allowed {
			break
		}
	}

	snap, _ := ph.Snapshot("cursed")
	require.Greater(t, snap.BlacklistCount, cfg.BlacklistThreshold)
	require.Equal(t, StatusBlacklisted, ph.Status("cursed"))
}

// TestFallbackOrdering mirrors §8 scenario 7.
func TestFallbackOrdering(t *testing.T) {
	ph, _, _ := newTestHealth()

	ph.Register("openrouter", false)
	ph.RecordResult("openrouter", CallResult{Success: true, LatencyMS: 500})
	ph.RecordResult("openrouter", CallResult{Success: true, LatencyMS: 500})
	setSuccessRate(t, ph, "openrouter", 0.9)

	ph.Register("lmstudio", true)
	ph.RecordResult("lmstudio", CallResult{Success: true, LatencyMS: 300})
	setSuccessRate(t, ph, "lmstudio", 0.9)

	ph.Register("ollama", false) // no calls recorded: UNKNOWN

	ph.Register("fallback", true)
	ph.RecordResult("fallback", CallResult{Success: true, LatencyMS: 0})
	setSuccessRate(t, ph, "fallback", 1.0)

	order := ph.FallbackOrder("lmstudio")
	require.Equal(t, []string{"lmstudio", "fallback", "openrouter", "ollama"}, order)

	flipped := ph.FallbackOrder("openrouter")
	require.Equal(t, "openrouter", flipped[0], "flipping primary_hint must move openrouter to the front")
}

// setSuccessRate pins a provider's success_rate to an exact value for a
// deterministic scenario, bypassing the EWMA's gradual convergence.
func setSuccessRate(t *testing.T, ph ProvHealth, name string, rate float64) {
	t.Helper()
	impl := ph.(*provHealth)
	impl.providers[name].SuccessRate = rate
}

func TestHalfOpenRefusesSecondConcurrentTrial(t *testing.T) {
	ph, clock, cfg := newTestHealth()
	ph.Register("flaky", false)
	for i := 0; i < cfg.CircuitOpenThreshold; i++ {
		ph.RecordResult("flaky", CallResult{Success: false, Retryable: true})
	}
	clock.Advance(cfg.CircuitBaseCooldown + time.Millisecond)

	allowed, err := ph.AllowCall("flaky")
	require.NoError(t, err)
	require.True(t, allowed)

	// the single half-open slot is in use; a second concurrent call must
	// be refused until the first trial's result is recorded.
	_, err = ph.AllowCall("flaky")
	require.Error(t, err)
	require.Equal(t, corecontext.KindCircuitOpen, corecontext.KindOf(err))
}
