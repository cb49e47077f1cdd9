package relay

import (
	"bytes"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStats_Snapshot(t *testing.T) {
	var s Stats
	assert.True(t, s.Snapshot().LastPoll.IsZero())

	s.Forwarded.Add(2)
	s.AppendFailures.Add(1)
	now := time.Now()
	s.markPoll(now)
	s.markStarted(now)
	s.markStarted(now.Add(time.Hour))

	snap := s.Snapshot()
	assert.EqualValues(t, 2, snap.Forwarded)
	assert.EqualValues(t, 1, snap.AppendFailures)
	assert.True(t, snap.LastPoll.Equal(now))
	assert.True(t, snap.StartedAt.Equal(now), "start time is only recorded once")
}

func TestStats_LogValue(t *testing.T) {
	var s Stats
	s.Appended.Add(5)

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	logger.Info("relay stats", "stats", s.Snapshot())

	assert.Contains(t, buf.String(), "stats.appended=5")
}
