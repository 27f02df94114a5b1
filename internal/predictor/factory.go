package predictor

import (
	"fmt"

	"github.com/SWT-Forschungsprojekt/tup/internal/config"
	"github.com/SWT-Forschungsprojekt/tup/internal/history"
	"github.com/SWT-Forschungsprojekt/tup/internal/timetable"
)

// New builds the strategy selected in cfg. store is required for the
// historic-average strategy; delays may be nil. Fixed delay wraps
// proximity unless another base is configured.
func New(cfg *config.Config, tt timetable.Accessor, store history.Store, delays DelayRecorder, opts Options) (Predictor, error) {
	opts.Threshold = cfg.ProximityThreshold

	if cfg.Strategy == config.StrategyFixedDelay {
		strategy := cfg.FixedDelayBase
		if strategy == "" {
			strategy = config.StrategyProximity
		}
		base, err := build(strategy, tt, store, delays, opts)
		if err != nil {
			return nil, err
		}
		return NewFixedDelay(cfg.FixedDelay, cfg.FixedDelayRandom, cfg.FixedDelayRandomMax, base)
	}

	return build(cfg.Strategy, tt, store, delays, opts)
}

func build(strategy string, tt timetable.Accessor, store history.Store, delays DelayRecorder, opts Options) (Predictor, error) {
	switch strategy {
	case config.StrategyProximity:
		return NewProximity(tt, opts), nil
	case config.StrategyScheduleDeviation:
		return NewScheduleDeviation(tt, opts, delays), nil
	case config.StrategyHistoricAverage:
		if store == nil {
			return nil, fmt.Errorf("strategy %s requires a historic store", strategy)
		}
		return NewHistoricAverage(tt, store, opts), nil
	default:
		return nil, fmt.Errorf("unknown strategy %q", strategy)
	}
}
