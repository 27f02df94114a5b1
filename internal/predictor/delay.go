package predictor

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"google.golang.org/protobuf/proto"
)

// DefaultRandomMax is the upper bound of a random delay
const DefaultRandomMax = 5 * time.Minute

var (
	// ErrConflictingDelay is returned when a fixed delay is combined with random mode.
	ErrConflictingDelay = errors.New("fixed delay and random delay are mutually exclusive")
	ErrNoBase           = errors.New("fixed delay needs a base strategy")
)

// FixedDelay shifts every prediction of a base strategy by a constant or
// random offset. It exists to exercise consumers with synthetic delays.
//
// The base strategy works on a private undelayed feed; each cycle publishes
// a shifted copy of it, so offsets never accumulate across cycles.
type FixedDelay struct {
	delay     time.Duration
	random    bool
	randomMax time.Duration
	base      Predictor
	rng       *rand.Rand

	undelayed *gtfs.FeedMessage
}

// NewFixedDelay creates the strategy around base, which runs first on every cycle.
func NewFixedDelay(delay time.Duration, random bool, randomMax time.Duration, base Predictor) (*FixedDelay, error) {
	if random && delay != 0 {
		return nil, ErrConflictingDelay
	}
	if base == nil {
		return nil, ErrNoBase
	}
	if delay < 0 {
		return nil, errors.New("fixed delay must not be negative")
	}
	if randomMax <= 0 {
		randomMax = DefaultRandomMax
	}

	return &FixedDelay{
		delay:     delay,
		random:    random,
		randomMax: randomMax,
		base:      base,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		undelayed: &gtfs.FeedMessage{},
	}, nil
}

func (f *FixedDelay) Name() string {
	return "fixed-delay+" + f.base.Name()
}

// Predict replaces the entities of out with the shifted base predictions.
// A failed base cycle leaves both out and the undelayed state untouched.
func (f *FixedDelay) Predict(ctx context.Context, out *gtfs.FeedMessage, vehicles *gtfs.FeedMessage) error {
	working := proto.Clone(f.undelayed).(*gtfs.FeedMessage)
	if err := f.base.Predict(ctx, working, vehicles); err != nil {
		return err
	}
	f.undelayed = working

	out.Entity = proto.Clone(working).(*gtfs.FeedMessage).Entity

	offset := int64(f.next() / time.Second)
	if offset == 0 {
		return nil
	}

	for _, entity := range out.GetEntity() {
		for _, stu := range entity.GetTripUpdate().GetStopTimeUpdate() {
			applyDelay(stu, offset)
		}
	}
	return nil
}

// next returns the offset for this cycle
func (f *FixedDelay) next() time.Duration {
	if !f.random {
		return f.delay
	}
	return time.Duration(f.rng.Int63n(int64(f.randomMax/time.Millisecond)+1)) * time.Millisecond
}

// applyDelay shifts the arrival, or the departure of a departure-only update,
// and keeps the departure from preceding the arrival.
func applyDelay(stu *gtfs.TripUpdate_StopTimeUpdate, offset int64) {
	arrival := stu.GetArrival()
	departure := stu.GetDeparture()

	if arrival == nil || arrival.Time == nil {
		if departure != nil && departure.Time != nil {
			departure.Time = proto.Int64(departure.GetTime() + offset)
		}
		return
	}

	arrival.Time = proto.Int64(arrival.GetTime() + offset)
	if departure != nil && departure.Time != nil && arrival.GetTime() > departure.GetTime() {
		departure.Time = proto.Int64(arrival.GetTime())
	}
}
