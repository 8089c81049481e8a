package service

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/stylesift/trendcache/cache"
	"github.com/stylesift/trendcache/config"
	"github.com/stylesift/trendcache/cron"
	"github.com/stylesift/trendcache/health"
	"github.com/stylesift/trendcache/logger"
	"github.com/stylesift/trendcache/metrics"
	"github.com/stylesift/trendcache/trend"
	"github.com/stylesift/trendcache/types"
)

type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

// Service wires the cache, its sweep scheduler and the observability
// plumbing into one process with ordered startup and shutdown.
type Service struct {
	ctx             context.Context
	cancel          context.CancelFunc
	configPath      string
	container       *trend.Container
	sweeper         *cache.Sweeper
	done            chan struct{}
	wg              sync.WaitGroup
	state           atomic.Value
	shutdownTimeout time.Duration
	startTimeout    time.Duration
}

func NewService(ctx context.Context, configPath string) (*Service, error) {
	if configPath == "" {
		return nil, types.ErrConfigInvalidPath
	}

	if _, err := os.Stat(configPath); err != nil {
		return nil, types.WrapError(err, "file does not exist")
	}

	serviceCtx, cancel := context.WithCancel(ctx)
	container := trend.InitContainer()

	service := &Service{
		ctx:             serviceCtx,
		cancel:          cancel,
		configPath:      configPath,
		container:       container,
		done:            make(chan struct{}),
		shutdownTimeout: 30 * time.Second,
		startTimeout:    60 * time.Second,
	}

	service.state.Store(StateStopped)

	if err := service.registerProviders(); err != nil {
		cancel()
		return nil, types.WrapError(err, "failed to register providers")
	}

	trend.SetContainer(container)
	return service, nil
}

func (s *Service) registerProviders() error {
	configManager, err := config.NewConfigurationManager(s.ctx, s.configPath)
	if err != nil {
		return types.WrapError(err, "failed to register config manager")
	}
	s.container.SetConfig(configManager)

	serviceConfig := configManager.GetConfig()

	loggerManager, err := logger.NewManager(s.ctx, configManager)
	if err != nil {
		return types.WrapError(err, "failed to register logger")
	}
	s.container.SetLogger(loggerManager)

	var healthManager types.HealthManager
	if serviceConfig.Health != nil && serviceConfig.Health.Enabled {
		healthManager, err = health.NewManager(s.ctx, configManager, loggerManager)
		if err != nil {
			return types.WrapError(err, "failed to register health manager")
		}
		s.container.SetHealth(healthManager)
	}

	var metricsManager types.MetricsManager
	if serviceConfig.Metrics != nil && serviceConfig.Metrics.Enabled {
		metricsManager, err = metrics.NewManager(s.ctx, configManager, loggerManager)
		if err != nil {
			return types.WrapError(err, "failed to register metrics manager")
		}
		s.container.SetMetrics(metricsManager)
	}

	var cronManager types.CronManager
	if serviceConfig.Cron != nil && serviceConfig.Cron.Enabled {
		cronManager, err = cron.NewManager(s.ctx, configManager, loggerManager, metricsManager)
		if err != nil {
			return types.WrapError(err, "failed to register cron manager")
		}
		s.container.SetCron(cronManager)
	}

	var cacheManager types.CacheManager
	if serviceConfig.Cache != nil && serviceConfig.Cache.Enabled {
		cacheManager, err = cache.NewCacheManager(s.ctx, configManager, loggerManager, metricsManager)
		if err != nil {
			return types.WrapError(err, "failed to register cache manager")
		}
		s.container.SetCache(cacheManager)

		if healthManager != nil {
			healthManager.RegisterChecker("cache", cacheChecker(cacheManager))
		}

		if cronManager != nil && serviceConfig.Cron.SweepSchedule != "" {
			s.sweeper = cache.NewSweeper(loggerManager, cronManager, cacheManager,
				serviceConfig.Cron.SweepSchedule)
		}
	}

	return nil
}

func (s *Service) Start() error {
	if !s.transitionState(StateStopped, StateStarting) {
		trend.Logger().Warn("Service is already running")
		return types.ErrAlreadyRunning
	}

	var runErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				buf := make([]byte, 4096)
				n := runtime.Stack(buf, false)
				runErr = fmt.Errorf("service panic: %v", r)
				trend.Logger().Error("Service run panic",
					zap.Any("panic", r),
					zap.String("stack", string(buf[:n])))
				s.setState(StateStopped)
			}
		}()

		runErr = s.run()
	}()

	return runErr
}

func (s *Service) run() error {
	trend.Logger().Info("Starting service")

	ctx, cancel := context.WithTimeout(s.ctx, s.startTimeout)
	defer cancel()

	if err := s.startComponents(ctx); err != nil {
		s.setState(StateStopped)
		return types.WrapError(err, "failed to start components")
	}

	s.setState(StateRunning)
	s.setupSignalHandling()

	s.wg.Add(1)
	go s.contextMonitor()

	trend.Logger().Info("Service started successfully")

	<-s.done

	if err := s.stopComponents(); err != nil {
		trend.Logger().ErrorWithErrStack("Error during service shutdown", err)
	}

	s.wg.Wait()
	s.setState(StateStopped)

	trend.Logger().Info("Service stopped gracefully")
	return nil
}

func (s *Service) Stop() error {
	if !s.transitionState(StateRunning, StateStopping) {
		trend.Logger().Warn("Service is not running")
		return types.ErrServiceNotRunning
	}

	trend.Logger().Info("Stopping service...")
	s.cancel()

	return nil
}

func (s *Service) Done() <-chan struct{} {
	return s.done
}

func (s *Service) Context() context.Context {
	return s.ctx
}

func (s *Service) IsRunning() bool {
	return s.getState() == StateRunning
}

func (s *Service) startComponents(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		if ptr := s.container.Logger.Load(); ptr != nil {
			if manager, ok := (*ptr).(types.LifecycleManager); ok {
				if err := manager.Start(); err != nil {
					return types.WrapError(err, "failed to start logger")
				}
			}
		}
	}

	if ptr := s.container.Health.Load(); ptr != nil {
		if err := (*ptr).Start(); err != nil {
			trend.Logger().Error("Failed to start health manager", zap.Error(err))
		}
	}

	g, gCtx := errgroup.WithContext(ctx)

	if ptr := s.container.Metrics.Load(); ptr != nil {
		manager := *ptr
		g.Go(func() error {
			select {
			case <-gCtx.Done():
				return gCtx.Err()
			default:
				return manager.Start()
			}
		})
	}

	if ptr := s.container.Cache.Load(); ptr != nil {
		manager := *ptr
		g.Go(func() error {
			select {
			case <-gCtx.Done():
				return gCtx.Err()
			default:
				return manager.Start()
			}
		})
	}

	if err := g.Wait(); err != nil {
		select {
		case <-ctx.Done():
			return types.NewErrorf("component startup timeout: %v", ctx.Err())
		default:
			return err
		}
	}

	if ptr := s.container.Cron.Load(); ptr != nil {
		if err := (*ptr).Start(); err != nil {
			return types.WrapError(err, "failed to start cron manager")
		}
	}

	if s.sweeper != nil {
		if err := s.sweeper.Register(); err != nil {
			return types.WrapError(err, "failed to register expiry sweep")
		}
	}

	trend.Logger().Info("All components started successfully")
	return nil
}

func (s *Service) stopComponents() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()

	var errs []error

	trend.Logger().Info("Stopping service components...")

	// The scheduler goes first so no sweep lands on a closing backend.
	if ptr := s.container.Cron.Load(); ptr != nil {
		if err := (*ptr).Stop(); err != nil {
			trend.Logger().ErrorWithErrStack("Failed to stop cron manager", err)
			errs = append(errs, err)
		}
	}

	g, gCtx := errgroup.WithContext(ctx)

	if ptr := s.container.Cache.Load(); ptr != nil {
		manager := *ptr
		g.Go(func() error {
			select {
			case <-gCtx.Done():
				return gCtx.Err()
			default:
				if err := manager.Stop(); err != nil {
					trend.Logger().ErrorWithErrStack("Failed to stop cache manager", err)
					return err
				}
				return nil
			}
		})
	}

	if ptr := s.container.Metrics.Load(); ptr != nil {
		manager := *ptr
		g.Go(func() error {
			select {
			case <-gCtx.Done():
				return gCtx.Err()
			default:
				if err := manager.Stop(); err != nil {
					trend.Logger().ErrorWithErrStack("Failed to stop metrics manager", err)
					return err
				}
				return nil
			}
		})
	}

	if ptr := s.container.Health.Load(); ptr != nil {
		manager := *ptr
		g.Go(func() error {
			select {
			case <-gCtx.Done():
				return gCtx.Err()
			default:
				if err := manager.Stop(); err != nil {
					trend.Logger().ErrorWithErrStack("Failed to stop health manager", err)
					return err
				}
				return nil
			}
		})
	}

	if err := g.Wait(); err != nil {
		select {
		case <-ctx.Done():
			trend.Logger().Warn("Component shutdown timeout, some components may not have stopped gracefully")
		default:
			errs = append(errs, err)
		}
	}

	if ptr := s.container.Logger.Load(); ptr != nil {
		if manager, ok := (*ptr).(types.LifecycleManager); ok {
			if err := manager.Stop(); err != nil {
				errs = append(errs, err)
			}
		}
	}

	if len(errs) > 0 {
		return types.NewErrorf("errors during shutdown: %v", errs)
	}

	trend.Logger().Info("All components stopped successfully")
	return nil
}

func (s *Service) setupSignalHandling() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT,
	)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		select {
		case sig := <-sigChan:
			trend.Logger().Info("Received shutdown signal", zap.String("signal", sig.String()))
			if s.transitionState(StateRunning, StateStopping) {
				s.cancel()
			}

		case <-s.ctx.Done():
			trend.Logger().Info("Service context cancelled")
		}

		signal.Stop(sigChan)
		close(sigChan)
	}()
}

func (s *Service) contextMonitor() {
	defer s.wg.Done()
	defer close(s.done)

	<-s.ctx.Done()

	switch err := s.ctx.Err(); {
	case types.IsError(err, context.Canceled):
		trend.Logger().Info("Service shutdown: context cancelled")
	case types.IsError(err, context.DeadlineExceeded):
		trend.Logger().Warn("Service shutdown: context deadline exceeded")
	default:
		trend.Logger().Info("Service shutdown: context done")
	}
}

func (s *Service) getState() State {
	return s.state.Load().(State)
}

func (s *Service) setState(newState State) bool {
	currentState := s.getState()
	return s.state.CompareAndSwap(currentState, newState)
}

func (s *Service) transitionState(from, to State) bool {
	return s.state.CompareAndSwap(from, to)
}

// cacheChecker reports backend reachability through Stats; a backend
// that cannot answer is unhealthy, a stopped one is unknown.
func cacheChecker(manager types.CacheManager) types.HealthChecker {
	return func(ctx context.Context) types.HealthCheck {
		if !manager.IsRunning() {
			return types.HealthCheck{
				Status:  types.StatusUnknown,
				Message: "cache manager not running",
			}
		}

		stats := manager.Stats()
		return types.HealthCheck{
			Status: types.StatusHealthy,
			Details: map[string]interface{}{
				"entries":     stats.Entries,
				"total_bytes": stats.TotalBytes,
				"hits":        stats.Hits,
				"misses":      stats.Misses,
			},
		}
	}
}
