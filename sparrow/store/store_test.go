package store

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetGetRoundTrip(t *testing.T) {
	s := New(clock.NewMock())
	s.Set("k", "v", 0)

	v, ok := s.Get("k")
	require.True(t, ok)
	assert.Equal(t, KindString, v.Kind)
	assert.Equal(t, "v", v.Str)
}

func TestGetMissingKey(t *testing.T) {
	s := New(clock.NewMock())
	_, ok := s.Get("nope")
	assert.False(t, ok)
}

func TestSetWithTTLExpiresLazily(t *testing.T) {
	mock := clock.NewMock()
	s := New(mock)
	s.Set("k", "v", 50*time.Millisecond)

	v, ok := s.Get("k")
	require.True(t, ok)
	assert.Equal(t, "v", v.Str)

	mock.Add(51 * time.Millisecond)
	_, ok = s.Get("k")
	assert.False(t, ok)
}

func TestSweepRemovesExpiredEntries(t *testing.T) {
	mock := clock.NewMock()
	s := New(mock)
	s.Set("k", "v", 10*time.Millisecond)
	mock.Add(11 * time.Millisecond)

	s.Sweep()

	s.mu.RLock()
	_, present := s.entries["k"]
	s.mu.RUnlock()
	assert.False(t, present)
}

func TestDelReportsPresence(t *testing.T) {
	s := New(clock.NewMock())
	assert.False(t, s.Del("missing"))

	s.Set("k", "v", 0)
	assert.True(t, s.Del("k"))
	assert.False(t, s.Del("k"))
}

func TestTypeReportsNoneForAbsentKey(t *testing.T) {
	s := New(clock.NewMock())
	assert.Equal(t, "none", s.Type("absent"))

	s.Set("k", "v", 0)
	assert.Equal(t, "string", s.Type("k"))
}

func TestXAddRejectsZeroID(t *testing.T) {
	s := New(clock.NewMock())
	_, err := s.XAdd("stream", "0-0", []FieldValue{{Field: "f", Value: "v"}})
	assert.ErrorIs(t, err, ErrZeroID)
}

func TestXAddRejectsNonIncreasingID(t *testing.T) {
	s := New(clock.NewMock())
	_, err := s.XAdd("stream", "5-0", []FieldValue{{Field: "f", Value: "v"}})
	require.NoError(t, err)

	_, err = s.XAdd("stream", "5-0", []FieldValue{{Field: "g", Value: "w"}})
	assert.ErrorIs(t, err, ErrIDNotGreater)
}

func TestXAddOnStringKeyIsWrongType(t *testing.T) {
	s := New(clock.NewMock())
	s.Set("k", "v", 0)
	_, err := s.XAdd("k", "*", []FieldValue{{Field: "f", Value: "v"}})
	assert.ErrorIs(t, err, ErrWrongType)
}

func TestXRangeIsInclusive(t *testing.T) {
	s := New(clock.NewMock())
	id1, err := s.XAdd("stream", "1-1", []FieldValue{{Field: "a", Value: "1"}})
	require.NoError(t, err)
	id2, err := s.XAdd("stream", "1-2", []FieldValue{{Field: "b", Value: "2"}})
	require.NoError(t, err)

	entries, err := s.XRange("stream", id1, id2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, id1, entries[0].ID)
	assert.Equal(t, id2, entries[1].ID)
}

func TestXReadIsExclusiveOfStart(t *testing.T) {
	s := New(clock.NewMock())
	id1, err := s.XAdd("stream", "1-1", []FieldValue{{Field: "a", Value: "1"}})
	require.NoError(t, err)

	results, err := s.readOnce([]ReadSpec{{Key: "stream", After: id1}})
	require.NoError(t, err)
	assert.Empty(t, results)

	id2, err := s.XAdd("stream", "2-0", []FieldValue{{Field: "b", Value: "2"}})
	require.NoError(t, err)

	results, err = s.readOnce([]ReadSpec{{Key: "stream", After: id1}})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Len(t, results[0].Entries, 1)
	assert.Equal(t, id2, results[0].Entries[0].ID)
}

func TestXReadBlockWakesOnMatchingXAdd(t *testing.T) {
	s := New(clock.NewMock())
	done := make(chan []ReadResult, 1)

	go func() {
		results, err := s.XRead(context.Background(), []ReadSpec{{Key: "stream"}}, 0, true)
		assert.NoError(t, err)
		done <- results
	}()

	// Give the reader goroutine a moment to park on the condvar before the
	// XADD broadcasts; a real deployment relies on the same race being
	// harmless because Broadcast is a no-op with nobody waiting, at worst
	// causing a redundant re-check.
	time.Sleep(20 * time.Millisecond)

	id, err := s.XAdd("stream", "1-1", []FieldValue{{Field: "a", Value: "1"}})
	require.NoError(t, err)

	select {
	case results := <-done:
		require.Len(t, results, 1)
		require.Len(t, results[0].Entries, 1)
		assert.Equal(t, id, results[0].Entries[0].ID)
	case <-time.After(2 * time.Second):
		t.Fatal("XREAD BLOCK never woke up")
	}
}

func TestParseFieldValuesRejectsOddArgs(t *testing.T) {
	_, err := ParseFieldValues([]string{"f"})
	assert.Error(t, err)
}
