package neuron

// stimulus computes the external current injected into a neuron at
// superstep from one normal draw
type stimulus func(s *State, superstep uint64, normal NormalFunc) float32

func scaled(scale float32) stimulus {
	return func(s *State, _ uint64, normal NormalFunc) float32 {
		return scale * float32(normal(&s.RNG))
	}
}

func none(*State, uint64, NormalFunc) float32 {
	return 0
}

const (
	gpeChannelOneOnset uint64 = 1000
	gpeChannelTwoOnset uint64 = 2500
)

// gpeStimulus drives channel 1 after step 1000 and channel 2 after step 2500
func gpeStimulus(s *State, superstep uint64, normal NormalFunc) float32 {
	if superstep <= gpeChannelOneOnset {
		return 0
	}
	switch s.Channel {
	case 1:
		return 9.2 * float32(normal(&s.RNG))
	case 2:
		if superstep > gpeChannelTwoOnset {
			return 17.5 * float32(normal(&s.RNG))
		}
	}
	return 0
}

var stimuli = map[Type]stimulus{
	CE:    scaled(3.5),
	CI:    scaled(2.0),
	TC:    none,
	STN:   scaled(0.5),
	StrD1: none,
	StrD2: none,
	GPe:   gpeStimulus,
	GPi:   scaled(15.0),
}
