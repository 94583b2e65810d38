// Package keys implements the order-preserving byte encoding used for
// document primary keys, field names and secondary-index entries.
//
// A storage key is a concatenation of items. Every item is escaped
// (0x00 becomes 0x00 0xFF) and terminated with a single 0x00, so that
// lexicographic order of encoded keys matches the item-wise order of
// their raw parts. The byte 0xFF never starts a key; it is reserved as
// the scan sentinel.
package keys

import "bytes"

// Sentinel bounds for scan ranges. The half-open range [Min, Max)
// covers every encodable key.
var (
	Min = []byte{}
	Max = []byte{0xff}
)

// AppendItem appends the escaped, terminated form of raw to dst.
func AppendItem(dst, raw []byte) []byte {
	for _, b := range raw {
		if b == 0x00 {
			dst = append(dst, 0x00, 0xff)
		} else {
			dst = append(dst, b)
		}
	}
	return append(dst, 0x00)
}

// Item returns the escaped, terminated form of raw.
func Item(raw []byte) []byte {
	return AppendItem(make([]byte, 0, len(raw)+1), raw)
}

// FirstItem returns the encoded first item of key, terminator included.
// It returns nil if key contains no complete item.
func FirstItem(key []byte) []byte {
	i := 0
	for i < len(key) {
		if key[i] == 0x00 {
			if i+1 < len(key) && key[i+1] == 0xff {
				i += 2
				continue
			}
			return key[:i+1]
		}
		i++
	}
	return nil
}

// LastItem returns the encoded last complete item of key, terminator
// included.
func LastItem(key []byte) []byte {
	last := []byte(nil)
	rest := key
	off := 0
	for {
		item := FirstItem(rest)
		if item == nil {
			return last
		}
		last = key[off : off+len(item)]
		off += len(item)
		rest = rest[len(item):]
	}
}

// DecodeItem unescapes one encoded item (terminator included) back to
// its raw bytes, returning the raw part and the remainder of the key.
// ok is false if the input is not a complete item.
func DecodeItem(key []byte) (raw, rest []byte, ok bool) {
	out := make([]byte, 0, len(key))
	i := 0
	for i < len(key) {
		if key[i] == 0x00 {
			if i+1 < len(key) && key[i+1] == 0xff {
				out = append(out, 0x00)
				i += 2
				continue
			}
			return out, key[i+1:], true
		}
		out = append(out, key[i])
		i++
	}
	return nil, nil, false
}

// Increment returns the least key strictly greater than every key that
// has k as a prefix: trailing 0xFF bytes are dropped and the last
// remaining byte is incremented. Increment of an empty or all-0xFF key
// is the sentinel Max.
func Increment(k []byte) []byte {
	i := len(k) - 1
	for i >= 0 && k[i] == 0xff {
		i--
	}
	if i < 0 {
		return append([]byte(nil), Max...)
	}
	out := append([]byte(nil), k[:i+1]...)
	out[i]++
	return out
}

// KeyAfter returns the immediate successor of k in lexicographic
// order, k with a 0x00 appended.
func KeyAfter(k []byte) []byte {
	out := make([]byte, 0, len(k)+1)
	out = append(out, k...)
	return append(out, 0x00)
}

// Compare is bytes.Compare, re-exported so callers do not mix key and
// value comparison orders by accident.
func Compare(a, b []byte) int {
	return bytes.Compare(a, b)
}

// MaxOf returns the larger of two keys.
func MaxOf(a, b []byte) []byte {
	if bytes.Compare(a, b) >= 0 {
		return a
	}
	return b
}

// MinOf returns the smaller of two keys.
func MinOf(a, b []byte) []byte {
	if bytes.Compare(a, b) <= 0 {
		return a
	}
	return b
}
