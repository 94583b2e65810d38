package keys

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// Value is a document field value. Scalar types order the way their
// key encodings do: null < booleans < numbers < strings. Arrays are
// containers only; they never encode as a single key part, they fan
// out into one part per element.
type Value struct {
	Kind Kind
	Num  float64
	Str  string
	Arr  []Value
}

type Kind byte

const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindArray
)

// Key-part type tags, in comparison order.
const (
	tagNull   = 0x01
	tagBool   = 0x02
	tagNumber = 0x03
	tagString = 0x04
	tagArray  = 0x05 // binary form only
)

var ErrBadValue = errors.New("malformed value encoding")

func Null() Value             { return Value{Kind: KindNull} }
func Int(i int64) Value       { return Value{Kind: KindNumber, Num: float64(i)} }
func Number(f float64) Value  { return Value{Kind: KindNumber, Num: f} }
func String(s string) Value   { return Value{Kind: KindString, Str: s} }
func Array(vs ...Value) Value { return Value{Kind: KindArray, Arr: vs} }

func Bool(b bool) Value {
	v := Value{Kind: KindBool}
	if b {
		v.Num = 1
	}
	return v
}

func (v Value) IsArray() bool { return v.Kind == KindArray }

func (v Value) Truth() bool {
	switch v.Kind {
	case KindNull:
		return false
	case KindBool, KindNumber:
		return v.Num != 0
	case KindString:
		return v.Str != ""
	default:
		return len(v.Arr) > 0
	}
}

// KeyPart returns the order-preserving key encoding of a scalar value.
// Strings containing NUL bytes are rejected: item escaping keeps order
// for embedded zeros, but a NUL would let one primary key be a strict
// prefix of another, which breaks the split-key successor rule.
func (v Value) KeyPart() ([]byte, error) {
	switch v.Kind {
	case KindNull:
		return []byte{tagNull}, nil
	case KindBool:
		if v.Num != 0 {
			return []byte{tagBool, 1}, nil
		}
		return []byte{tagBool, 0}, nil
	case KindNumber:
		out := make([]byte, 9)
		out[0] = tagNumber
		binary.BigEndian.PutUint64(out[1:], orderedFloatBits(v.Num))
		return out, nil
	case KindString:
		if strings.IndexByte(v.Str, 0x00) >= 0 {
			return nil, fmt.Errorf("%w: NUL byte in string key", ErrBadValue)
		}
		out := make([]byte, 0, len(v.Str)+1)
		out = append(out, tagString)
		return append(out, v.Str...), nil
	default:
		return nil, fmt.Errorf("%w: array is not a key part", ErrBadValue)
	}
}

// KeyItem is the escaped, terminated form of KeyPart, ready to be
// appended to a storage key.
func (v Value) KeyItem() ([]byte, error) {
	part, err := v.KeyPart()
	if err != nil {
		return nil, err
	}
	return Item(part), nil
}

// KeyParts fans a value out into its key parts: one per array element,
// or a single part for a scalar.
func (v Value) KeyParts() ([][]byte, error) {
	if v.Kind != KindArray {
		p, err := v.KeyPart()
		if err != nil {
			return nil, err
		}
		return [][]byte{p}, nil
	}
	parts := make([][]byte, 0, len(v.Arr))
	for _, e := range v.Arr {
		p, err := e.KeyPart()
		if err != nil {
			return nil, err
		}
		parts = append(parts, p)
	}
	return parts, nil
}

// DecodeKeyPart inverts KeyPart.
func DecodeKeyPart(part []byte) (Value, error) {
	if len(part) == 0 {
		return Value{}, ErrBadValue
	}
	switch part[0] {
	case tagNull:
		return Null(), nil
	case tagBool:
		if len(part) != 2 {
			return Value{}, ErrBadValue
		}
		return Bool(part[1] != 0), nil
	case tagNumber:
		if len(part) != 9 {
			return Value{}, ErrBadValue
		}
		return Number(unorderedFloatBits(binary.BigEndian.Uint64(part[1:]))), nil
	case tagString:
		return String(string(part[1:])), nil
	default:
		return Value{}, ErrBadValue
	}
}

// Compare orders two scalar values the way their key parts do. Arrays
// compare element-wise, shorter first on ties.
func (v Value) Compare(o Value) int {
	if v.Kind == KindArray || o.Kind == KindArray {
		a, b := v.elements(), o.elements()
		for i := 0; i < len(a) && i < len(b); i++ {
			if c := a[i].Compare(b[i]); c != 0 {
				return c
			}
		}
		return len(a) - len(b)
	}
	pa, ea := v.KeyPart()
	pb, eb := o.KeyPart()
	if ea != nil || eb != nil {
		return 0
	}
	return Compare(pa, pb)
}

func (v Value) elements() []Value {
	if v.Kind == KindArray {
		return v.Arr
	}
	return []Value{v}
}

func (v Value) Equal(o Value) bool { return v.Compare(o) == 0 }

func (v Value) String() string {
	switch v.Kind {
	case KindNull:
		return "null"
	case KindBool:
		if v.Num != 0 {
			return "true"
		}
		return "false"
	case KindNumber:
		return strconv.FormatFloat(v.Num, 'g', -1, 64)
	case KindString:
		return strconv.Quote(v.Str)
	default:
		ss := make([]string, len(v.Arr))
		for i, e := range v.Arr {
			ss[i] = e.String()
		}
		return "[" + strings.Join(ss, ",") + "]"
	}
}

// EncodeBinary is the storage serialization of a value. Unlike key
// parts it round-trips arrays.
func EncodeBinary(v Value) []byte {
	if v.Kind != KindArray {
		part, err := v.KeyPart()
		if err == nil {
			return part
		}
		// NUL-bearing strings are storable, just not indexable.
		out := make([]byte, 0, len(v.Str)+1)
		out = append(out, tagString)
		return append(out, v.Str...)
	}
	out := []byte{tagArray}
	out = binary.BigEndian.AppendUint32(out, uint32(len(v.Arr)))
	for _, e := range v.Arr {
		eb := EncodeBinary(e)
		out = binary.BigEndian.AppendUint32(out, uint32(len(eb)))
		out = append(out, eb...)
	}
	return out
}

// DecodeBinary inverts EncodeBinary.
func DecodeBinary(b []byte) (Value, error) {
	if len(b) == 0 {
		return Value{}, ErrBadValue
	}
	if b[0] != tagArray {
		return DecodeKeyPart(b)
	}
	b = b[1:]
	if len(b) < 4 {
		return Value{}, ErrBadValue
	}
	n := binary.BigEndian.Uint32(b)
	b = b[4:]
	arr := make([]Value, 0, n)
	for i := uint32(0); i < n; i++ {
		if len(b) < 4 {
			return Value{}, ErrBadValue
		}
		l := binary.BigEndian.Uint32(b)
		b = b[4:]
		if uint32(len(b)) < l {
			return Value{}, ErrBadValue
		}
		e, err := DecodeBinary(b[:l])
		if err != nil {
			return Value{}, err
		}
		arr = append(arr, e)
		b = b[l:]
	}
	return Array(arr...), nil
}

// SortParts sorts encoded key parts in place.
func SortParts(parts [][]byte) {
	sort.Slice(parts, func(i, j int) bool { return Compare(parts[i], parts[j]) < 0 })
}

// orderedFloatBits maps float64 bit patterns to uint64 so that
// unsigned comparison matches numeric order.
func orderedFloatBits(f float64) uint64 {
	u := math.Float64bits(f)
	if u&(1<<63) != 0 {
		return ^u
	}
	return u | 1<<63
}

func unorderedFloatBits(u uint64) float64 {
	if u&(1<<63) != 0 {
		return math.Float64frombits(u &^ (1 << 63))
	}
	return math.Float64frombits(^u)
}
