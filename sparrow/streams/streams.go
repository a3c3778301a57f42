package streams

import "errors"

// ErrNotGreater is returned by Put when key is not strictly greater than the
// stream's current last key.
var ErrNotGreater = errors.New("key is not greater than the stream's last key")

// Stream is a time-ordered append-only sequence of (Key, Val) entries, kept
// in an ordered radix tree for O(len(key)) insert/search and range scans
// that never need to sort.
type Stream struct {
	root    RxNode
	lastKey Key
}

// LastKey returns the highest key inserted into the stream so far.
func (s *Stream) LastKey() Key { return s.lastKey }

// Put inserts val at key. key must be strictly greater than the stream's
// current last key; otherwise ErrNotGreater is returned and the stream is
// left unmodified.
func (s *Stream) Put(key Key, val any) error {
	if !key.GreaterThan(s.lastKey) {
		return ErrNotGreater
	}
	s.insert(key, val)
	s.lastKey = key
	return nil
}

func (s *Stream) insert(key Key, val any) {
	node := s.root.create(key.internalRepr())
	if node.entry == nil {
		node.entry = &Entry{Key: key, Val: val}
	} else {
		node.entry.Key = key
		node.entry.Val = val
	}
}

// Search returns the value stored at key, if any.
func (s *Stream) Search(key Key) (any, bool) {
	node, failIdx, _ := s.root.longestCommonPrefix(key.internalRepr())
	if failIdx == -1 {
		return node.entry.Val, true
	}
	return nil, false
}

// Range returns all entries with a key in [from, to], ordered from lowest to
// highest. A Stream zero value (no entries) returns an empty slice.
func (s *Stream) Range(from, to Key) []Entry {
	if from.GreaterThan(to) {
		return []Entry{}
	}
	return s.root.rangeEntries(from.internalRepr(), to.internalRepr())
}

// Len reports how many entries rangeEntries over the full keyspace would
// yield. It walks every entry, so it is not a constant-time count.
func (s *Stream) Len() int {
	return len(s.Range(MinKey, MaxKey))
}
