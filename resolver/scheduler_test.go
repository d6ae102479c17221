package resolver

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trade-consensus/config"
	"trade-consensus/models"
)

type countingSweeper struct {
	calls atomic.Int32
	block chan struct{}
}

func (s *countingSweeper) ResolvePendingPicks(ctx context.Context) *models.ResolutionSummary {
	s.calls.Add(1)
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
		}
	}
	return &models.ResolutionSummary{}
}

type countingRecalibrator struct {
	calls atomic.Int32
}

func (r *countingRecalibrator) RecomputeAll(context.Context) ([]*models.Calibration, []error) {
	r.calls.Add(1)
	return nil, nil
}

func TestNewScheduler_InvalidSpec(t *testing.T) {
	_, err := NewScheduler(config.SchedulerConfig{ResolveSpec: "every minute", CalibrationSpec: "* * * * * *"},
		&countingSweeper{}, &countingRecalibrator{})
	assert.Error(t, err)

	// five-field specs are rejected because seconds are required
	_, err = NewScheduler(config.SchedulerConfig{ResolveSpec: "* * * * * *", CalibrationSpec: "0 2 * * *"},
		&countingSweeper{}, &countingRecalibrator{})
	assert.Error(t, err)
}

func TestScheduler_RunsJobs(t *testing.T) {
	sweeper := &countingSweeper{}
	recal := &countingRecalibrator{}

	s, err := NewScheduler(config.SchedulerConfig{ResolveSpec: "* * * * * *", CalibrationSpec: "* * * * * *"}, sweeper, recal)
	require.NoError(t, err)
	s.Start()

	assert.Eventually(t, func() bool {
		return sweeper.calls.Load() > 0 && recal.calls.Load() > 0
	}, 3*time.Second, 50*time.Millisecond)

	<-s.Stop().Done()
}

func TestScheduler_SkipsOverlappingSweeps(t *testing.T) {
	sweeper := &countingSweeper{block: make(chan struct{})}
	s, err := NewScheduler(config.SchedulerConfig{ResolveSpec: "* * * * * *", CalibrationSpec: "0 0 0 1 1 *"},
		sweeper, &countingRecalibrator{})
	require.NoError(t, err)
	s.Start()

	require.Eventually(t, func() bool { return sweeper.calls.Load() == 1 }, 3*time.Second, 20*time.Millisecond)
	// several more ticks pass while the first sweep is still blocked
	time.Sleep(2500 * time.Millisecond)
	assert.Equal(t, int32(1), sweeper.calls.Load())

	close(sweeper.block)
	<-s.Stop().Done()
}
