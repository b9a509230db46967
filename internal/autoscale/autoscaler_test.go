package autoscale

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDepth struct {
	depth int64
	err   error
}

func (f *fakeDepth) PendingDepth(context.Context) (int64, error) {
	return f.depth, f.err
}

type recordingScaler struct {
	applied []int
}

func (r *recordingScaler) Apply(_ context.Context, workers int) error {
	r.applied = append(r.applied, workers)
	return nil
}

func TestParseBands(t *testing.T) {
	bands, err := ParseBands("0:1, 20:3,100:6")
	require.NoError(t, err)
	require.Len(t, bands, 3)
	assert.Equal(t, int64(20), bands[1].MinDepth)
	assert.Equal(t, 3, bands[1].Workers)

	_, err = ParseBands("")
	assert.Error(t, err)
	_, err = ParseBands("10")
	assert.Error(t, err)
	_, err = ParseBands("0:5,10:2")
	assert.ErrorContains(t, err, "monotonic")
}

func TestTargetSteps(t *testing.T) {
	bands, err := ParseBands("0:1,20:3,100:6,500:12")
	require.NoError(t, err)
	a := New(nil, nil, bands, 10, time.Second, slog.Default())

	assert.Equal(t, 1, a.Target(0))
	assert.Equal(t, 1, a.Target(19))
	assert.Equal(t, 3, a.Target(20))
	assert.Equal(t, 6, a.Target(499))
	assert.Equal(t, 10, a.Target(10000), "ceiling caps the deepest band")
}

func TestTickAppliesOnlyOnChange(t *testing.T) {
	ctx := context.Background()
	depth := &fakeDepth{depth: 0}
	scaler := &recordingScaler{}
	bands, err := ParseBands("0:1,20:3")
	require.NoError(t, err)
	a := New(depth, scaler, bands, 10, time.Second, slog.Default())

	a.Tick(ctx)
	a.Tick(ctx)
	assert.Equal(t, []int{1}, scaler.applied, "redundant target not re-applied")

	depth.depth = 25
	a.Tick(ctx)
	depth.depth = 30
	a.Tick(ctx)
	assert.Equal(t, []int{1, 3}, scaler.applied)

	depth.depth = 5
	a.Tick(ctx)
	assert.Equal(t, []int{1, 3, 1}, scaler.applied)
}

func TestTickSurvivesDepthError(t *testing.T) {
	ctx := context.Background()
	depth := &fakeDepth{err: context.DeadlineExceeded}
	scaler := &recordingScaler{}
	bands, _ := ParseBands("0:1")
	a := New(depth, scaler, bands, 10, time.Second, slog.Default())

	a.Tick(ctx)
	assert.Empty(t, scaler.applied)
}
