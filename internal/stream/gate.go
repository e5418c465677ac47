package stream

import (
	"context"

	"github.com/saker-ai/tts-streamer/internal/registry"
)

// DefaultCongestionCeiling is the occupancy above which sends are withheld.
const DefaultCongestionCeiling = 20 * 1024

// GateDecision is the outcome of one congestion check.
type GateDecision int

const (
	GateAllow GateDecision = iota
	GateCongested
	GateAbsent
)

func (d GateDecision) String() string {
	switch d {
	case GateAllow:
		return "allow"
	case GateCongested:
		return "congested"
	case GateAbsent:
		return "absent"
	default:
		return "unknown"
	}
}

// CongestionGate withholds sends while a device reports more buffered audio
// than the ceiling allows. It only reads the registry.
type CongestionGate struct {
	registry registry.Reader
	ceiling  int
}

// NewCongestionGate creates a gate. A non-positive ceiling uses the default.
func NewCongestionGate(reader registry.Reader, ceiling int) *CongestionGate {
	if ceiling <= 0 {
		ceiling = DefaultCongestionCeiling
	}
	return &CongestionGate{registry: reader, ceiling: ceiling}
}

// Ceiling returns the configured occupancy ceiling in bytes.
func (g *CongestionGate) Ceiling() int {
	return g.ceiling
}

// Allow reports whether a payload may be sent to deviceID now.
func (g *CongestionGate) Allow(ctx context.Context, deviceID string) bool {
	decision, _ := g.Check(ctx, deviceID)
	return decision == GateAllow
}

// Check reads the registry once and returns the decision together with the
// snapshot it was based on.
func (g *CongestionGate) Check(ctx context.Context, deviceID string) (GateDecision, registry.DeviceState) {
	if g.registry == nil {
		return GateAbsent, registry.DeviceState{}
	}
	state, ok := g.registry.Lookup(ctx, deviceID)
	if !ok {
		return GateAbsent, registry.DeviceState{}
	}
	if state.AvailableAudio > g.ceiling {
		return GateCongested, state
	}
	return GateAllow, state
}
