package neuron

import "math"

// State of one Izhikevich neuron. Every numeric field is single precision.
type State struct {
	Potential   float32 // membrane potential v
	Recovery    float32 // membrane recovery u
	A           float32 // recovery time scale
	B           float32 // recovery sensitivity
	C           float32 // potential reset
	D           float32 // recovery jump after a spike
	SynapticSum float32
	Type        Type
	Channel     int32
	Time        uint64 // elapsed steps
	Fired       bool
	RNG         uint64 // generator state advanced by every draw
}

// NewState starts a neuron at rest: potential at the reset value and
// recovery at B times that
func NewState(t Type, channel int32, a, b, c, d float32) State {
	return State{
		Potential: c,
		Recovery:  float32(b * c),
		A:         a,
		B:         b,
		C:         c,
		D:         d,
		Type:      t,
		Channel:   channel,
	}
}

func (s State) finite() bool {
	for _, value := range []float32{s.Potential, s.Recovery} {
		if math.IsNaN(float64(value)) || math.IsInf(float64(value), 0) {
			return false
		}
	}
	return true
}
