package neuron

import "math"

const golden = 0x9e3779b97f4a7c15

// NormalFunc draws from the standard normal distribution, advancing the
// generator state in place
type NormalFunc func(rng *uint64) float64

func splitmix64(state *uint64) uint64 {
	*state += golden
	z := *state
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	return z ^ (z >> 31)
}

// StandardNormal is a Box-Muller draw from two splitmix64 outputs
func StandardNormal(rng *uint64) float64 {
	u1 := (float64(splitmix64(rng)>>11) + 1) / (1 << 53) // (0, 1]
	u2 := float64(splitmix64(rng)>>11) / (1 << 53)       // [0, 1)
	return math.Sqrt(-2*math.Log(u1)) * math.Cos(2*math.Pi*u2)
}

// SeedRNG derives an independent generator state for one neuron of a job
func SeedRNG(seed uint64, vertexId uint64) uint64 {
	state := seed ^ (vertexId * golden)
	return splitmix64(&state)
}
