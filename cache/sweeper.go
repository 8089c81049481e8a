package cache

import (
	"go.uber.org/zap"

	"github.com/stylesift/trendcache/types"
)

const sweepJobName = "cache_expiry_sweep"

// Sweeper schedules periodic EvictExpired runs through the cron
// manager. Lazy expiry on read keeps answers correct; the sweep
// reclaims memory for entries nobody asks for anymore.
type Sweeper struct {
	logger   types.Logger
	cron     types.CronManager
	cache    types.CacheManager
	schedule string
}

func NewSweeper(logger types.Logger, cron types.CronManager, cache types.CacheManager, schedule string) *Sweeper {
	return &Sweeper{
		logger:   logger,
		cron:     cron,
		cache:    cache,
		schedule: schedule,
	}
}

func (s *Sweeper) Register() error {
	if s.schedule == "" {
		return types.NewError("sweep schedule is empty")
	}

	return s.cron.Add(sweepJobName, s.schedule, func() {
		removed, err := s.cache.EvictExpired()
		if err != nil {
			s.logger.ErrorWithErrStack("Cache expiry sweep failed", err)
			return
		}

		if removed > 0 {
			s.logger.Info("Cache expiry sweep completed", zap.Int("removed", removed))
		} else {
			s.logger.Debug("Cache expiry sweep found nothing to remove")
		}
	})
}

func (s *Sweeper) Unregister() error {
	return s.cron.Remove(sweepJobName)
}
