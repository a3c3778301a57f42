// Package streams implements the ordered (ms, seq) index backing the stream
// value type: an append-only radix tree ("Array Mapped Trie") keyed on a
// fixed-width base-64 digit encoding of the composite id, so range scans walk
// the tree in id order without ever sorting.
package streams

import (
	"errors"
	"strconv"
	"time"
)

// Key is a stream entry's composite (ms, seq) id.
type Key struct {
	LeftNr  uint64 // ms
	RightNr uint64 // seq
}

type rxChar = uint8
type internalKey = []rxChar // internal representation of a stream entry key

const MaxUint64 = ^uint64(0)

var MaxKey = Key{MaxUint64, MaxUint64}
var MinKey = Key{0, 0}

// NewKey resolves a wire-format entry id (e.g. "123-456", "123-*", "*", "-",
// "+") against the stream's current last key, per the XADD/XRANGE id rules.
func NewKey(key string, s Stream) (Key, error) {
	part1, part2, err := parseEntryKey(key, s.lastKey)
	if err != nil {
		return Key{}, err
	}
	return Key{part1, part2}, nil
}

func (k Key) String() string {
	return strconv.FormatUint(k.LeftNr, 10) + "-" + strconv.FormatUint(k.RightNr, 10)
}

// GreaterThan returns true if k is greater than k2.
func (k Key) GreaterThan(k2 Key) bool {
	if k.LeftNr > k2.LeftNr {
		return true
	} else if k.LeftNr == k2.LeftNr && k.RightNr > k2.RightNr {
		return true
	}
	return false
}

// LesserThan returns true if k is lesser than k2.
func (k Key) LesserThan(k2 Key) bool {
	if k.LeftNr < k2.LeftNr {
		return true
	} else if k.LeftNr == k2.LeftNr && k.RightNr < k2.RightNr {
		return true
	}
	return false
}

// EqualTo returns true if k is equal to k2.
func (k Key) EqualTo(k2 Key) bool {
	return k.LeftNr == k2.LeftNr && k.RightNr == k2.RightNr
}

// IsMin returns true if k is the lowest possible key, 0-0.
func (k Key) IsMin() bool {
	return k.LeftNr == 0 && k.RightNr == 0
}

// IsMax returns true if k is the highest possible key.
func (k Key) IsMax() bool {
	return k.LeftNr == MaxUint64 && k.RightNr == MaxUint64
}

// parseEntryKey parses a stream entry key string, e.g. "123-123", into two
// integers. Stream keys always denote base 10.
//
//   - "-1" is valid and identical to "0-1", idem for "1-".
//   - "-" represents the lowest possible key, and "+" the highest.
//   - Accepts full wildcards (e.g. "*"), and partial wildcards (e.g. "123-*").
func parseEntryKey(key string, lastKeyUsed Key) (uint64, uint64, error) {
	if key == "-" {
		return 0, 0, nil
	}

	if key == "+" {
		return MaxUint64, MaxUint64, nil
	}

	if key == "*" {
		// Full auto-generation: ms = now, seq resolved by the same rule as a
		// partial wildcard against that ms.
		timestamp := uint64(time.Now().UnixMilli())
		var seq uint64
		if timestamp == lastKeyUsed.LeftNr {
			seq = lastKeyUsed.RightNr + 1
		}
		return timestamp, seq, nil
	}

	// On each iteration we "apply the base (10)" to the previous value, and add the new
	// - '0' to transform the numeric ascii value to its integer counterpart
	addDigitToTotal := func(total uint64, char rune) (newTotal uint64, err error) {
		const MaxUint64base uint64 = MaxUint64 / 10

		if char < 48 || char > 57 {
			return 0, errors.New("invalid stream entry key")
		}

		if total > MaxUint64base {
			return 0, errors.New("integer overflow")
		}
		newBase := total * 10
		newTotal = newBase + uint64(char-'0')
		if newTotal < newBase {
			// Since char is a rune, which is an int32, any overflow caused by the
			// addition above will result in a result that is lower
			return newTotal, errors.New("integer overflow")
		}
		return newTotal, nil
	}

	var result1 uint64
	var result2 uint64
	var i int
	var char rune
	var err error
	for i, char = range key {
		if char == '-' {
			goto secondLoop
		}
		result1, err = addDigitToTotal(result1, char)
		if err != nil {
			return 0, 0, err
		}
	}
	// If we _naturally_ exit the loop, we're missing a hyphen
	return 0, 0, errors.New("invalid stream entry key: no hyphen")

secondLoop:
	for _, char := range key[i+1:] {
		// Partial wildcard: "<ms>-*"
		if char == '*' {
			if result1 == lastKeyUsed.LeftNr {
				result2 = lastKeyUsed.RightNr + 1
			} else {
				result2 = 0
			}
			return result1, result2, nil
		}

		result2, err = addDigitToTotal(result2, char)
		if err != nil {
			return 0, 0, err
		}
	}

	return result1, result2, nil
}

// internalRepr returns the internal representation of k, for use in radix.go:
// the two halves of the key represented as base-64 digits, zero-padded to a
// fixed width of 11 digits each, so every key normalizes to a 22-byte slice
// and lexicographic comparison of that slice matches numeric id order.
func (k Key) internalRepr() internalKey {
	buf := make([]uint8, 22)
	toBase64(buf[:11], k.LeftNr)
	toBase64(buf[11:], k.RightNr)
	return buf
}

// toBase64 represents val as a base-64 number in buf. Each value in buf is
// one digit of the base-64-represented number, between 0 and 63 inclusive.
func toBase64(buf []uint8, val uint64) {
	i := len(buf)
	for val >= 64 {
		i--
		buf[i] = uint8(val & 63)
		val >>= 6 // == number of trailing zero bits in 64
	}

	i--
	buf[i] = uint8(val)
}
