package neuron

import (
	"fmt"
	"strings"
)

// Type is the population a neuron belongs to. It selects the external
// stimulus the neuron receives.
type Type uint8

const (
	Unknown Type = iota
	CE           // cortical excitatory
	CI           // cortical inhibitory
	TC           // thalamocortical
	STN          // subthalamic nucleus
	StrD1        // striatum, D1 receptors
	StrD2        // striatum, D2 receptors
	GPe          // globus pallidus externa
	GPi          // globus pallidus interna
)

var typeNames = map[Type]string{
	CE:    "ce",
	CI:    "ci",
	TC:    "tc",
	STN:   "stn",
	StrD1: "strd1",
	StrD2: "strd2",
	GPe:   "gpe",
	GPi:   "gpi",
}

// single letter aliases used by older graph files
var typeLetters = map[string]Type{
	"a": CE,
	"b": CI,
	"c": TC,
	"d": STN,
	"e": StrD1,
	"f": StrD2,
	"g": GPe,
	"h": GPi,
}

func (t Type) String() string {
	if name, found := typeNames[t]; found {
		return name
	}
	return fmt.Sprintf("Type(%d)", uint8(t))
}

// ParseType accepts a population name ("gpe") or its letter ("G"), in any
// case. Unrecognized names return Unknown and false.
func ParseType(name string) (Type, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	if t, found := typeLetters[name]; found {
		return t, true
	}
	for t, typeName := range typeNames {
		if typeName == name {
			return t, true
		}
	}
	return Unknown, false
}
