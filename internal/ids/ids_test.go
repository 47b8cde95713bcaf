package ids

import (
	"sort"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEventID_SortsByTime(t *testing.T) {
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	var got []string
	for i := 0; i < 50; i++ {
		got = append(got, NewEventID(base.Add(time.Duration(i/10)*time.Millisecond)))
	}
	assert.True(t, sort.StringsAreSorted(got))

	ts, ok := EventTime(got[0])
	require.True(t, ok)
	assert.True(t, ts.Equal(base))
}

func TestEventTime_Invalid(t *testing.T) {
	_, ok := EventTime("not-a-ulid")
	assert.False(t, ok)
}

func TestNewSessionID(t *testing.T) {
	id := NewSessionID()
	u, err := uuid.Parse(id)
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(4), u.Version())
}
