// Package store implements the threadsafe in-memory key space: string values
// with millisecond TTL and a stream value type, one reader-writer lock
// guarding the top-level key map, and a background sweeper for lazy+eager
// expiry reclamation.
package store

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/kvcore/sparrowdb/sparrow/streams"
)

// Kind tags which payload a Value currently holds.
type Kind int

const (
	KindString Kind = iota
	KindStream
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindStream:
		return "stream"
	default:
		return "none"
	}
}

// FieldValue is one (field, value) pair of a stream entry, kept as an
// ordered slice rather than a map so XRANGE/XREAD reproduce the field order
// the client sent to XADD.
type FieldValue struct {
	Field string
	Value string
}

// Value is the tagged variant stored against every key.
type Value struct {
	Kind   Kind
	Str    string
	Stream *streams.Stream
}

type entry struct {
	value     Value
	expiresAt *time.Time // nil means no TTL
}

func (e *entry) expired(now time.Time) bool {
	return e.expiresAt != nil && !e.expiresAt.After(now)
}

// keyWaiter is the per-key condition variable XREAD BLOCK parks on, signaled
// by XADD. Its mutex is distinct from the Store's lock so a blocked waiter
// never contends with unrelated keys.
type keyWaiter struct {
	mu   sync.Mutex
	cond *sync.Cond
}

func newKeyWaiter() *keyWaiter {
	w := &keyWaiter{}
	w.cond = sync.NewCond(&w.mu)
	return w
}

// Store is the top-level key/value map.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*entry

	waitersMu sync.Mutex
	waiters   map[string]*keyWaiter

	clock clock.Clock
}

// New builds an empty Store. clk lets tests inject a mock clock for
// deterministic TTL behavior; production callers pass clock.New().
func New(clk clock.Clock) *Store {
	return &Store{
		entries: make(map[string]*entry),
		waiters: make(map[string]*keyWaiter),
		clock:   clk,
	}
}

func (s *Store) waiterFor(key string) *keyWaiter {
	s.waitersMu.Lock()
	defer s.waitersMu.Unlock()
	w, ok := s.waiters[key]
	if !ok {
		w = newKeyWaiter()
		s.waiters[key] = w
	}
	return w
}

// Set replaces the entry at key, including any type change, and always
// succeeds.
func (s *Store) Set(key string, val string, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := &entry{value: Value{Kind: KindString, Str: val}}
	if ttl > 0 {
		expiresAt := s.clock.Now().Add(ttl)
		e.expiresAt = &expiresAt
	}
	s.entries[key] = e
}

// Get returns the value at key, lazily expiring it first if its TTL has
// elapsed.
func (s *Store) Get(key string) (Value, bool) {
	s.mu.RLock()
	e, ok := s.entries[key]
	if !ok {
		s.mu.RUnlock()
		return Value{}, false
	}
	expired := e.expired(s.clock.Now())
	val := e.value
	s.mu.RUnlock()

	if !expired {
		return val, true
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e2, ok := s.entries[key]; ok && e2.expired(s.clock.Now()) {
		delete(s.entries, key)
	}
	return Value{}, false
}

// Del removes key, reporting whether it was present and unexpired.
func (s *Store) Del(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return false
	}
	delete(s.entries, key)
	return !e.expired(s.clock.Now())
}

// Type reports key's value kind, or "none" if absent/expired.
func (s *Store) Type(key string) string {
	v, ok := s.Get(key)
	if !ok {
		return "none"
	}
	return v.Kind.String()
}

// Keys returns every unexpired key; ordering is unspecified.
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := s.clock.Now()
	out := make([]string, 0, len(s.entries))
	for k, e := range s.entries {
		if !e.expired(now) {
			out = append(out, k)
		}
	}
	return out
}

// Sweep deletes every currently-expired entry; called periodically by
// RunSweeper, but also safe to call directly from tests.
func (s *Store) Sweep() {
	now := s.clock.Now()

	s.mu.RLock()
	stale := make([]string, 0)
	for k, e := range s.entries {
		if e.expired(now) {
			stale = append(stale, k)
		}
	}
	s.mu.RUnlock()

	if len(stale) == 0 {
		return
	}

	s.mu.Lock()
	for _, k := range stale {
		if e, ok := s.entries[k]; ok && e.expired(s.clock.Now()) {
			delete(s.entries, k)
		}
	}
	s.mu.Unlock()
}

// RunSweeper blocks, sweeping every interval, until ctx is canceled. Callers
// run this in its own goroutine.
func (s *Store) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := s.clock.Ticker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

var (
	// ErrWrongType is returned when an operation targets a key holding the
	// wrong kind of value.
	ErrWrongType = wrongTypeError{}

	// ErrZeroID is returned by XAdd when the resolved id is (0,0).
	ErrZeroID = xaddError("The ID specified in XADD must be greater than 0-0")

	// ErrIDNotGreater is returned by XAdd when the resolved id is not
	// strictly greater than the stream's current last id.
	ErrIDNotGreater = xaddError("The ID specified in XADD is equal or smaller than the target stream top item")
)

type wrongTypeError struct{}

func (wrongTypeError) Error() string {
	return "WRONGTYPE Operation against a key holding the wrong kind of value"
}

type xaddError string

func (e xaddError) Error() string { return string(e) }

// stream returns the *streams.Stream at key, creating an empty one if key is
// absent. Returns ErrWrongType if key holds a string.
func (s *Store) stream(key string) (*streams.Stream, error) {
	e, ok := s.entries[key]
	if !ok || e.expired(s.clock.Now()) {
		e = &entry{value: Value{Kind: KindStream, Stream: &streams.Stream{}}}
		s.entries[key] = e
		return e.value.Stream, nil
	}
	if e.value.Kind != KindStream {
		return nil, ErrWrongType
	}
	return e.value.Stream, nil
}

// LastStreamKey returns key's current last id, or streams.MinKey if key is
// absent, so that resolving "$" on a not-yet-created stream waits for its
// first entry instead of erroring.
func (s *Store) LastStreamKey(key string) (streams.Key, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[key]
	if !ok || e.expired(s.clock.Now()) {
		return streams.MinKey, nil
	}
	if e.value.Kind != KindStream {
		return streams.Key{}, ErrWrongType
	}
	return e.value.Stream.LastKey(), nil
}

// XAdd resolves idSpec against key's current stream (per the partial/full
// wildcard rules in package streams) and appends fields under that id.
func (s *Store) XAdd(key, idSpec string, fields []FieldValue) (streams.Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.stream(key)
	if err != nil {
		return streams.Key{}, err
	}

	id, err := streams.NewKey(idSpec, *st)
	if err != nil {
		return streams.Key{}, err
	}
	if id.IsMin() {
		return streams.Key{}, ErrZeroID
	}
	if err := st.Put(id, fields); err != nil {
		return streams.Key{}, ErrIDNotGreater
	}

	s.waiterFor(key).cond.Broadcast()
	return id, nil
}

// StreamEntry is a resolved (id, fields) pair returned by XRange/XRead.
type StreamEntry struct {
	ID     streams.Key
	Fields []FieldValue
}

func toStreamEntries(entries []streams.Entry) []StreamEntry {
	out := make([]StreamEntry, len(entries))
	for i, e := range entries {
		out[i] = StreamEntry{ID: e.Key, Fields: e.Val.([]FieldValue)}
	}
	return out
}

// XRange returns entries with an id in [from, to], inclusive.
func (s *Store) XRange(key string, from, to streams.Key) ([]StreamEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[key]
	if !ok || e.expired(s.clock.Now()) {
		return nil, nil
	}
	if e.value.Kind != KindStream {
		return nil, ErrWrongType
	}
	return toStreamEntries(e.value.Stream.Range(from, to)), nil
}

// ReadSpec is one key/after-id pair requested by XREAD.
type ReadSpec struct {
	Key   string
	After streams.Key // exclusive lower bound
}

// ReadResult pairs a requested key with the entries XREAD found for it.
type ReadResult struct {
	Key     string
	Entries []StreamEntry
}

// exclusiveRange returns entries with after < id <= streams.MaxKey, i.e. the
// XREAD semantics (exclusive of the lower bound) built atop streams.Stream's
// inclusive Range.
func exclusiveRange(st *streams.Stream, after streams.Key) []streams.Entry {
	lo := streams.Key{LeftNr: after.LeftNr, RightNr: after.RightNr + 1}
	if after.RightNr == streams.MaxUint64 {
		lo = streams.Key{LeftNr: after.LeftNr + 1, RightNr: 0}
	}
	return st.Range(lo, streams.MaxKey)
}

func (s *Store) readOnce(specs []ReadSpec) ([]ReadResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	results := make([]ReadResult, 0, len(specs))
	for _, spec := range specs {
		e, ok := s.entries[spec.Key]
		if !ok || e.expired(s.clock.Now()) {
			continue
		}
		if e.value.Kind != KindStream {
			return nil, ErrWrongType
		}
		entries := toStreamEntries(exclusiveRange(e.value.Stream, spec.After))
		if len(entries) > 0 {
			results = append(results, ReadResult{Key: spec.Key, Entries: entries})
		}
	}
	return results, nil
}

// XRead evaluates specs once and, if nothing matched and blocking is set, parks on
// every requested key's condition variable until a matching XADD occurs or
// block elapses (block == 0 waits forever, tracked via ctx cancellation).
func (s *Store) XRead(ctx context.Context, specs []ReadSpec, block time.Duration, blocking bool) ([]ReadResult, error) {
	results, err := s.readOnce(specs)
	if err != nil || !blocking || len(results) > 0 {
		return results, err
	}

	deadline := make(<-chan time.Time)
	if block > 0 {
		timer := s.clock.Timer(block)
		defer timer.Stop()
		deadline = timer.C
	}

	woken := make(chan struct{}, 1)
	wake := func() {
		select {
		case woken <- struct{}{}:
		default:
		}
	}

	waiters := make([]*keyWaiter, len(specs))
	for i, spec := range specs {
		waiters[i] = s.waiterFor(spec.Key)
	}

	var stopped atomic.Bool
	var wg sync.WaitGroup
	for _, w := range waiters {
		wg.Add(1)
		go func(w *keyWaiter) {
			defer wg.Done()
			w.mu.Lock()
			defer w.mu.Unlock()
			for !stopped.Load() {
				w.cond.Wait()
				if stopped.Load() {
					return
				}
				wake()
			}
		}(w)
	}
	// Broadcasting after setting stopped is what actually unparks the
	// waiters above (cond.Wait only re-checks on a wakeup); without it
	// they'd block in Wait forever once nothing else ever signals their key.
	defer func() {
		stopped.Store(true)
		for _, w := range waiters {
			w.mu.Lock()
			w.cond.Broadcast()
			w.mu.Unlock()
		}
		wg.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline:
			return nil, nil
		case <-woken:
			results, err := s.readOnce(specs)
			if err != nil || len(results) > 0 {
				return results, err
			}
		}
	}
}

// ParseFieldValues splits the trailing field/value arguments of an XADD
// command into ordered pairs.
func ParseFieldValues(args []string) ([]FieldValue, error) {
	if len(args) == 0 || len(args)%2 != 0 {
		return nil, errOddFieldValues
	}
	out := make([]FieldValue, len(args)/2)
	for i := 0; i < len(args); i += 2 {
		out[i/2] = FieldValue{Field: args[i], Value: args[i+1]}
	}
	return out, nil
}

var errOddFieldValues = fieldValueError("a stream entry needs at least one field-value pair")

type fieldValueError string

func (e fieldValueError) Error() string { return string(e) }

// NormalizeCommandName lowercases a RESP array's first element for dispatch.
func NormalizeCommandName(s string) string { return strings.ToLower(s) }
