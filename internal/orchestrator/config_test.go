package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Starry-Night-Fantasy-Pavilion/starrynight-engine/internal/engine"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	regular := cfg.Tiers[engine.TierRegular]
	vip := cfg.Tiers[engine.TierVIP]

	assert.Equal(t, 2, regular.RepairBound)
	assert.Greater(t, vip.RepairBound, regular.RepairBound)
	assert.Less(t, vip.HighLevelTimeout, regular.HighLevelTimeout, "vip fails open sooner")
	assert.False(t, cfg.Verbose)
}

func TestPolicyFor(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		tier    engine.UserTier
		options map[string]any
		want    runPolicy
	}{
		{
			name:   "defaults for missing tier entry",
			config: Config{},
			tier:   engine.TierVIP,
			want:   runPolicy{TierPolicy: DefaultConfig().Tiers[engine.TierVIP]},
		},
		{
			name: "zero timeouts fall back, negative bound clamps",
			config: Config{Tiers: map[engine.UserTier]TierPolicy{
				engine.TierRegular: {RepairBound: -3},
			}},
			tier: engine.TierRegular,
			want: runPolicy{TierPolicy: TierPolicy{
				RepairBound:      0,
				StageTimeout:     30 * time.Second,
				LowLevelTimeout:  5 * time.Second,
				HighLevelTimeout: 20 * time.Second,
			}},
		},
		{
			name:   "request options override",
			config: DefaultConfig(),
			tier:   engine.TierRegular,
			options: map[string]any{
				"repair_bound":       5,
				"stage_timeout":      "2s",
				"low_level_timeout":  1.5,
				"high_level_timeout": "750ms",
				"verbose":            "true",
			},
			want: runPolicy{
				TierPolicy: TierPolicy{
					RepairBound:      5,
					StageTimeout:     2 * time.Second,
					LowLevelTimeout:  1500 * time.Millisecond,
					HighLevelTimeout: 750 * time.Millisecond,
				},
				Verbose: true,
			},
		},
		{
			name:    "invalid option values are ignored",
			config:  Config{Verbose: true},
			tier:    engine.TierRegular,
			options: map[string]any{"repair_bound": -1, "stage_timeout": "soon", "verbose": []string{"x"}},
			want: runPolicy{
				TierPolicy: DefaultConfig().Tiers[engine.TierRegular],
				Verbose:    true,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := engine.NewRequest("write", nil, tt.options)
			require.NoError(t, err)
			assert.Equal(t, tt.want, tt.config.policyFor(tt.tier, req))
		})
	}
}

func TestInvoke(t *testing.T) {
	t.Run("returns result", func(t *testing.T) {
		v, err := invoke(context.Background(), time.Second, func(context.Context) (int, error) {
			return 7, nil
		})
		require.NoError(t, err)
		assert.Equal(t, 7, v)
	})

	t.Run("abandons a call that ignores its context", func(t *testing.T) {
		release := make(chan struct{})
		defer close(release)

		_, err := invoke(context.Background(), 10*time.Millisecond, func(context.Context) (int, error) {
			<-release
			return 0, nil
		})
		require.Error(t, err)
		assert.True(t, isTimeout(err))
		assert.True(t, errors.Is(err, errStageTimeout))
	})

	t.Run("parent cancellation is not a timeout", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := invoke(ctx, time.Second, func(ctx context.Context) (int, error) {
			return 1, nil
		})
		assert.ErrorIs(t, err, context.Canceled)
		assert.False(t, isTimeout(err))
	})
}
