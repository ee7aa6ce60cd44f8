package throttle

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewClampsConfiguredMax(t *testing.T) {
	g := New(0, func() (float64, error) { return 0, nil })
	assert.Equal(t, 1, g.Limit())
}

func TestRefreshScalesWithUtilization(t *testing.T) {
	tests := []struct {
		name        string
		configured  int
		utilization float64
		want        int
	}{
		{"idle keeps full limit", 10, 0, 10},
		{"half utilized halves limit", 10, 0.5, 5},
		{"fully utilized floors at one", 10, 1, 1},
		{"over-reported utilization clamps to one", 10, 1.5, 1},
		{"negative utilization clamps to zero effect", 10, -1, 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := New(tt.configured, func() (float64, error) { return tt.utilization, nil })
			g.refresh()
			assert.Equal(t, tt.want, g.Limit())
		})
	}
}

func TestRefreshKeepsPreviousLimitOnSampleError(t *testing.T) {
	g := New(10, func() (float64, error) { return 0.5, nil })
	g.refresh()
	assert.Equal(t, 5, g.Limit())

	g.sample = func() (float64, error) { return 0, errors.New("sampler unavailable") }
	g.refresh()
	assert.Equal(t, 5, g.Limit(), "a failed sample must not reset or zero the limit")
}

func TestStartStop(t *testing.T) {
	g := New(4, func() (float64, error) { return 0, nil })
	g.Start()
	g.Stop()
}
