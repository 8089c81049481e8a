package cache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stylesift/trendcache/cron"
	"github.com/stylesift/trendcache/types"
)

func newTestCronManager(t *testing.T) types.CronManager {
	t.Helper()

	config := &stubConfigManager{cfg: &types.ServiceConfig{
		Name:    "trendcache-test",
		Version: "0.0.0",
		Cron: &types.CronConfig{
			Enabled:  true,
			Timezone: "UTC",
		},
	}}

	manager, err := cron.NewManager(context.Background(), config, testLogger(), nil)
	require.NoError(t, err)

	return manager
}

func TestSweeper_PeriodicEviction(t *testing.T) {
	mc, clock := newTestCache(t, nil)

	for i := 0; i < 10; i++ {
		require.NoError(t, mc.Put(fmt.Sprintf("stale:%d", i), i, time.Minute, "", 0))
	}
	require.NoError(t, mc.Put("live", "v", time.Hour, "", 0))

	clock.Advance(2 * time.Minute)

	cronManager := newTestCronManager(t)
	sweeper := NewSweeper(testLogger(), cronManager, mc, "@every 100ms")

	require.NoError(t, sweeper.Register())
	require.NoError(t, cronManager.Start())
	defer func() { _ = cronManager.Stop() }()

	require.Eventually(t, func() bool {
		return mc.Stats().Entries == 1
	}, 2*time.Second, 20*time.Millisecond)

	_, exists, err := mc.Get("live")
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, sweeper.Unregister())
	err = sweeper.Unregister()
	assert.True(t, types.IsError(err, types.ErrCronJobNotFound))
}

func TestSweeper_EmptySchedule(t *testing.T) {
	mc, _ := newTestCache(t, nil)
	sweeper := NewSweeper(testLogger(), newTestCronManager(t), mc, "")

	require.Error(t, sweeper.Register())
}
