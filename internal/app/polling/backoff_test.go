package polling

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryPolicy_DelayBound(t *testing.T) {
	tests := []struct {
		name    string
		base    time.Duration
		ceiling time.Duration
		want    []time.Duration
	}{
		{
			name:    "doubles_until_ceiling",
			base:    time.Second,
			ceiling: 10 * time.Second,
			want:    []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 10 * time.Second, 10 * time.Second},
		},
		{
			name:    "ceiling_below_first_delay",
			base:    time.Second,
			ceiling: 1500 * time.Millisecond,
			want:    []time.Duration{1500 * time.Millisecond, 1500 * time.Millisecond},
		},
		{
			name:    "uncapped",
			base:    100 * time.Millisecond,
			ceiling: 0,
			want:    []time.Duration{200 * time.Millisecond, 400 * time.Millisecond, 800 * time.Millisecond, 1600 * time.Millisecond},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newRetryPolicy(tt.base, tt.ceiling)
			for n, want := range tt.want {
				assert.Equal(t, want, p.next(), "after %d consecutive errors", n+1)
			}
			assert.Equal(t, len(tt.want), p.count())
		})
	}
}

func TestRetryPolicy_ResetStartsOver(t *testing.T) {
	p := newRetryPolicy(time.Second, time.Minute)
	p.next()
	p.next()
	p.reset()

	assert.Zero(t, p.count())
	assert.Equal(t, 2*time.Second, p.next())
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultItemConfig().Validate())
	assert.NoError(t, DefaultAggregateConfig().Validate())

	bad := DefaultItemConfig()
	bad.PollInterval = 0
	bad.NotFoundGrace = -1
	assert.Error(t, bad.Validate())

	assert.Greater(t, DefaultAggregateConfig().MaxTotalWait, DefaultItemConfig().MaxTotalWait)
}
