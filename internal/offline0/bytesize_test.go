package offline0

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBytes(t *testing.T) {
	cases := map[string]int64{
		"512":   512,
		"64k":   64 * kib,
		"64kb":  64 * kib,
		"5mb":   5 * mib,
		"5M":    5 * mib,
		"1.5g":  int64(1.5 * gib),
		" 2kb ": 2 * kib,
	}
	for in, want := range cases {
		got, err := parseBytes(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	for _, bad := range []string{"", "b", "mb", "-1k", "five"} {
		_, err := parseBytes(bad)
		assert.Error(t, err, bad)
	}
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "900b", formatBytes(900))
	assert.Equal(t, "1kb", formatBytes(kib))
	assert.Equal(t, "1.5kb", formatBytes(kib+kib/2))
	assert.Equal(t, "5mb", formatBytes(5*mib))
	assert.Equal(t, "2gb", formatBytes(2*gib))
}

func TestRateLimitedLogger(t *testing.T) {
	l := newRateLimitedLogger(time.Minute)
	now := time.Now()

	assert.True(t, l.allow("a", now))
	assert.False(t, l.allow("a", now.Add(30*time.Second)))
	assert.True(t, l.allow("b", now.Add(30*time.Second)))
	assert.True(t, l.allow("a", now.Add(61*time.Second)))
}

func TestStatsCollector(t *testing.T) {
	s := newStatsCollector()
	assert.Equal(t, statsSnapshot{}, s.Snapshot())

	s.Observe(100)
	s.Observe(300)
	s.ObserveQueued()

	snap := s.Snapshot()
	assert.Equal(t, uint64(2), snap.Served)
	assert.Equal(t, uint64(1), snap.Queued)
	assert.Equal(t, uint64(100), snap.MinBytes)
	assert.Equal(t, uint64(300), snap.MaxBytes)
	assert.Equal(t, uint64(200), snap.AvgBytes)
}
