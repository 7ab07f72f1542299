package pregel

import (
	"fmt"
	"math"
	"sort"
	"time"

	"google.golang.org/grpc/encoding"
	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/proto"
)

// The client API speaks protobuf on the wire (see proto/coord.proto). The
// messages are small enough to encode by hand with protowire. The codec is
// set on the coord's server and client connections only, so the process
// wide "proto" codec stays grpc's own. It falls back to proto.Marshal for
// any generated proto.Message.

// wireMessage is implemented by the API types carried over gRPC
type wireMessage interface {
	marshalWire() []byte
	unmarshalWire(b []byte) error
}

type wireCodec struct{}

var _ encoding.Codec = wireCodec{}

// Name is sent as the content subtype, application/grpc+neurograph
func (wireCodec) Name() string {
	return "neurograph"
}

func (wireCodec) Marshal(v interface{}) ([]byte, error) {
	switch m := v.(type) {
	case wireMessage:
		return m.marshalWire(), nil
	case proto.Message:
		return proto.Marshal(m)
	}
	return nil, fmt.Errorf("wire: cannot marshal %T", v)
}

func (wireCodec) Unmarshal(data []byte, v interface{}) error {
	switch m := v.(type) {
	case wireMessage:
		return m.unmarshalWire(data)
	case proto.Message:
		return proto.Unmarshal(data, m)
	}
	return fmt.Errorf("wire: cannot unmarshal into %T", v)
}

// ProgressRequest subscribes to the progress of a job
type ProgressRequest struct {
	JobId string
}

// field decoders return the number of bytes consumed, 0 to skip the field
// as unknown or a negative protowire error code

func wireVarint(typ protowire.Type, b []byte, dst *uint64) int {
	if typ != protowire.VarintType {
		return 0
	}
	v, n := protowire.ConsumeVarint(b)
	if n >= 0 {
		*dst = v
	}
	return n
}

func wireUint32(typ protowire.Type, b []byte, dst *uint32) int {
	var v uint64
	n := wireVarint(typ, b, &v)
	if n > 0 {
		*dst = uint32(v)
	}
	return n
}

func wireBool(typ protowire.Type, b []byte, dst *bool) int {
	var v uint64
	n := wireVarint(typ, b, &v)
	if n > 0 {
		*dst = protowire.DecodeBool(v)
	}
	return n
}

func wireString(typ protowire.Type, b []byte, dst *string) int {
	if typ != protowire.BytesType {
		return 0
	}
	v, n := protowire.ConsumeString(b)
	if n >= 0 {
		*dst = v
	}
	return n
}

func wireDouble(typ protowire.Type, b []byte, dst *float64) int {
	if typ != protowire.Fixed64Type {
		return 0
	}
	v, n := protowire.ConsumeFixed64(b)
	if n >= 0 {
		*dst = math.Float64frombits(v)
	}
	return n
}

// wireAggregate decodes one map<string, double> entry into dst
func wireAggregate(typ protowire.Type, b []byte, dst *Aggregates) int {
	if typ != protowire.BytesType {
		return 0
	}
	entry, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return n
	}
	var name string
	var value float64
	err := consumeFields(
		entry, func(num protowire.Number, typ protowire.Type, b []byte) int {
			switch num {
			case 1:
				return wireString(typ, b, &name)
			case 2:
				return wireDouble(typ, b, &value)
			}
			return 0
		},
	)
	if err != nil {
		return -1
	}
	if *dst == nil {
		*dst = make(Aggregates)
	}
	(*dst)[name] = value
	return n
}

func consumeFields(b []byte, field func(num protowire.Number, typ protowire.Type, b []byte) int) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		m := field(num, typ, b)
		if m == 0 {
			m = protowire.ConsumeFieldValue(num, typ, b)
		}
		if m < 0 {
			return protowire.ParseError(m)
		}
		b = b[m:]
	}
	return nil
}

func appendString(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, protowire.EncodeBool(v))
}

// appendAggregates writes aggregates as map entries sorted by name
func appendAggregates(b []byte, num protowire.Number, aggregates Aggregates) []byte {
	names := make([]string, 0, len(aggregates))
	for name := range aggregates {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		var entry []byte
		entry = appendString(entry, 1, name)
		entry = protowire.AppendTag(entry, 2, protowire.Fixed64Type)
		entry = protowire.AppendFixed64(entry, math.Float64bits(aggregates[name]))
		b = protowire.AppendTag(b, num, protowire.BytesType)
		b = protowire.AppendBytes(b, entry)
	}
	return b
}

func (j *JobConfig) marshalWire() []byte {
	var b []byte
	b = appendString(b, 1, j.JobId)
	b = appendVarint(b, 2, j.MaxSupersteps)
	b = appendVarint(b, 3, uint64(j.NumWorkers))
	b = appendString(b, 4, string(j.HaltPolicy))
	b = appendString(b, 5, j.NonFinite)
	b = appendVarint(b, 6, j.Seed)
	b = appendVarint(b, 7, j.OutputEvery)
	b = appendString(b, 8, j.OutputPath)
	b = appendString(b, 9, j.Graph.Kind)
	b = appendString(b, 10, j.Graph.Location)
	return b
}

func (j *JobConfig) unmarshalWire(b []byte) error {
	*j = JobConfig{}
	return consumeFields(
		b, func(num protowire.Number, typ protowire.Type, b []byte) int {
			switch num {
			case 1:
				return wireString(typ, b, &j.JobId)
			case 2:
				return wireVarint(typ, b, &j.MaxSupersteps)
			case 3:
				return wireUint32(typ, b, &j.NumWorkers)
			case 4:
				var policy string
				n := wireString(typ, b, &policy)
				j.HaltPolicy = HaltPolicy(policy)
				return n
			case 5:
				return wireString(typ, b, &j.NonFinite)
			case 6:
				return wireVarint(typ, b, &j.Seed)
			case 7:
				return wireVarint(typ, b, &j.OutputEvery)
			case 8:
				return wireString(typ, b, &j.OutputPath)
			case 9:
				return wireString(typ, b, &j.Graph.Kind)
			case 10:
				return wireString(typ, b, &j.Graph.Location)
			}
			return 0
		},
	)
}

func (r *JobResult) marshalWire() []byte {
	var b []byte
	b = appendString(b, 1, r.JobId)
	b = appendVarint(b, 2, r.Supersteps)
	b = appendVarint(b, 3, r.TotalVertices)
	b = appendVarint(b, 4, r.MessagesSent)
	b = appendAggregates(b, 5, r.Aggregates)
	b = appendString(b, 6, r.Error)
	return b
}

func (r *JobResult) unmarshalWire(b []byte) error {
	*r = JobResult{}
	return consumeFields(
		b, func(num protowire.Number, typ protowire.Type, b []byte) int {
			switch num {
			case 1:
				return wireString(typ, b, &r.JobId)
			case 2:
				return wireVarint(typ, b, &r.Supersteps)
			case 3:
				return wireVarint(typ, b, &r.TotalVertices)
			case 4:
				return wireVarint(typ, b, &r.MessagesSent)
			case 5:
				return wireAggregate(typ, b, &r.Aggregates)
			case 6:
				return wireString(typ, b, &r.Error)
			}
			return 0
		},
	)
}

func (r *ProgressRequest) marshalWire() []byte {
	return appendString(nil, 1, r.JobId)
}

func (r *ProgressRequest) unmarshalWire(b []byte) error {
	*r = ProgressRequest{}
	return consumeFields(
		b, func(num protowire.Number, typ protowire.Type, b []byte) int {
			if num == 1 {
				return wireString(typ, b, &r.JobId)
			}
			return 0
		},
	)
}

func (p *Progress) marshalWire() []byte {
	var b []byte
	b = appendString(b, 1, p.JobId)
	b = appendVarint(b, 2, p.SuperStepNum)
	b = appendVarint(b, 3, p.Active)
	b = appendVarint(b, 4, p.Halted)
	b = appendVarint(b, 5, p.MessagesSent)
	b = appendAggregates(b, 6, p.Aggregates)
	b = appendVarint(b, 7, uint64(p.Duration.Nanoseconds()))
	b = appendBool(b, 8, p.Done)
	return b
}

func (p *Progress) unmarshalWire(b []byte) error {
	*p = Progress{}
	return consumeFields(
		b, func(num protowire.Number, typ protowire.Type, b []byte) int {
			switch num {
			case 1:
				return wireString(typ, b, &p.JobId)
			case 2:
				return wireVarint(typ, b, &p.SuperStepNum)
			case 3:
				return wireVarint(typ, b, &p.Active)
			case 4:
				return wireVarint(typ, b, &p.Halted)
			case 5:
				return wireVarint(typ, b, &p.MessagesSent)
			case 6:
				return wireAggregate(typ, b, &p.Aggregates)
			case 7:
				var nanos uint64
				n := wireVarint(typ, b, &nanos)
				p.Duration = time.Duration(int64(nanos))
				return n
			case 8:
				return wireBool(typ, b, &p.Done)
			}
			return 0
		},
	)
}
