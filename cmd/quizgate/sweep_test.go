package main

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSweeper struct {
	calls     int
	corrected int
	err       error
}

func (f *fakeSweeper) Sweep(ctx context.Context) (int, error) {
	f.calls++
	if _, ok := ctx.Deadline(); !ok {
		return 0, errors.New("sweep without deadline")
	}
	return f.corrected, f.err
}

func TestNewSweeper_Schedules(t *testing.T) {
	for _, schedule := range []string{"@every 15m", "*/5 * * * *", "@hourly"} {
		c, err := newSweeper(schedule, &fakeSweeper{}, zerolog.Nop())
		require.NoError(t, err, schedule)
		assert.Len(t, c.Entries(), 1)
	}

	_, err := newSweeper("every fortnight", &fakeSweeper{}, zerolog.Nop())
	assert.Error(t, err)
}

func TestRunSweep(t *testing.T) {
	var logs bytes.Buffer
	f := &fakeSweeper{corrected: 2}

	runSweep(f, zerolog.New(&logs))
	assert.Equal(t, 1, f.calls)
	assert.Contains(t, logs.String(), `"corrected":2`)
	assert.Contains(t, logs.String(), "sweep finished")

	logs.Reset()
	f.err = errors.New("database unavailable")
	runSweep(f, zerolog.New(&logs))
	assert.Contains(t, logs.String(), `"level":"error"`)
	assert.Contains(t, logs.String(), "database unavailable")
}

func TestNewZerolog(t *testing.T) {
	var buf bytes.Buffer

	logger := newZerolog("warn", "json", &buf)
	logger.Info().Msg("hidden")
	logger.Warn().Msg("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"service":"quizgate"`)

	assert.Equal(t, zerolog.InfoLevel, newZerolog("nonsense", "json", &buf).GetLevel())
}
