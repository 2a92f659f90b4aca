package domain

import (
	"slices"
	"strings"
	"time"
)

// CircuitState is the breaker state of a participant bank.
type CircuitState string

const (
	CircuitClosed   CircuitState = "CLOSED"
	CircuitOpen     CircuitState = "OPEN"
	CircuitHalfOpen CircuitState = "HALF_OPEN"
)

// HealthState summarizes bank availability for routing.
type HealthState string

const (
	HealthHealthy     HealthState = "HEALTHY"
	HealthDegraded    HealthState = "DEGRADED"
	HealthUnavailable HealthState = "UNAVAILABLE"
)

// Rank orders health states, lower is better.
func (h HealthState) Rank() int {
	switch h {
	case HealthHealthy:
		return 0
	case HealthDegraded:
		return 1
	default:
		return 2
	}
}

// Capabilities understood by the routing rules.
const (
	CapabilityP2P = "P2P"
	CapabilityP2M = "P2M"
)

// Bank is a registered participant. Health fields live in the registry.
type Bank struct {
	Code         string    `json:"code"`
	Name         string    `json:"name"`
	Endpoint     string    `json:"endpoint"`
	PublicKey    string    `json:"public_key"`
	Capabilities []string  `json:"capabilities,omitempty"`
	SponsorFor   []string  `json:"sponsor_for,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Supports reports whether the bank advertises the capability.
// A bank with no advertised capabilities supports everything.
func (b Bank) Supports(capability string) bool {
	if len(b.Capabilities) == 0 {
		return true
	}
	return slices.ContainsFunc(b.Capabilities, func(c string) bool {
		return strings.EqualFold(c, capability)
	})
}

// Sponsors reports whether the bank accepts credits on behalf of code.
func (b Bank) Sponsors(code string) bool {
	return slices.Contains(b.SponsorFor, code)
}

// BankHealth is a point-in-time view of one bank's registration and health.
type BankHealth struct {
	Bank
	HealthState     HealthState   `json:"health_state"`
	CircuitState    CircuitState  `json:"circuit_state"`
	Forced          bool          `json:"forced"`
	SuccessRate     float64       `json:"success_rate"`
	P95Latency      time.Duration `json:"p95_latency"`
	Requests        int64         `json:"requests"`
	InFlight        int64         `json:"in_flight"`
	ProbeAvailable  bool          `json:"probe_available"`
	LastHeartbeatAt *time.Time    `json:"last_heartbeat_at,omitempty"`
}
