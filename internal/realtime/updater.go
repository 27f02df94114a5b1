// Package realtime runs the feed refresh loop: download vehicle positions,
// decode them, run the prediction strategy and publish the result.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
	"google.golang.org/protobuf/proto"

	"github.com/SWT-Forschungsprojekt/tup/internal/feed"
	"github.com/SWT-Forschungsprojekt/tup/internal/predictor"
)

// Cycle outcomes reported to metrics
const (
	OutcomeOK            = "ok"
	OutcomeDownloadError = "download_error"
	OutcomeDecodeError   = "decode_error"
	OutcomePredictError  = "predict_error"
)

var (
	ErrDownload = errors.New("download failed")
	ErrDecode   = errors.New("decode failed")
	ErrPredict  = errors.New("prediction failed")
	ErrStopped  = errors.New("updater stopped")
)

// pruneEvery limits how often retention runs
const pruneEvery = time.Hour

// Options configures the refresh loop
type Options struct {
	URL       string
	Interval  time.Duration
	Timeout   time.Duration // per download attempt
	Retries   int           // extra attempts within one cycle
	RetryWait time.Duration // first backoff interval, doubled per attempt
	Retention time.Duration // prune historic records older than this; 0 disables
}

// Metrics receives per-cycle measurements
type Metrics interface {
	ObserveCycle(outcome string, d time.Duration)
	SetFeedSize(vehicles, tripUpdates int)
	HistoricPrunedAdd(n int64)
}

// Publisher fans out every published feed
type Publisher interface {
	Publish(msg *gtfs.FeedMessage) error
}

// Pruner deletes historic records older than a cutoff
type Pruner interface {
	Prune(ctx context.Context, before time.Time) (int64, error)
}

// Option customises an Updater
type Option func(*Updater)

func WithMetrics(m Metrics) Option         { return func(u *Updater) { u.metrics = m } }
func WithPublisher(p Publisher) Option     { return func(u *Updater) { u.publisher = p } }
func WithPruner(p Pruner) Option           { return func(u *Updater) { u.pruner = p } }
func WithHTTPClient(c *http.Client) Option { return func(u *Updater) { u.client = c } }
func WithClock(now func() time.Time) Option {
	return func(u *Updater) { u.now = now }
}

// Updater is the single writer of the published trip update feed
type Updater struct {
	opts      Options
	predictor predictor.Predictor
	handle    *feed.Handle

	client    *http.Client
	metrics   Metrics
	publisher Publisher
	pruner    Pruner
	now       func() time.Time
	lastPrune time.Time

	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped bool
	running atomic.Bool
	wg      conc.WaitGroup
}

// New creates an updater that writes into handle
func New(opts Options, p predictor.Predictor, handle *feed.Handle, options ...Option) *Updater {
	if opts.Interval <= 0 {
		opts.Interval = 10 * time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.RetryWait <= 0 {
		opts.RetryWait = 500 * time.Millisecond
	}

	u := &Updater{
		opts:      opts,
		predictor: p,
		handle:    handle,
		now:       time.Now,
	}
	for _, o := range options {
		o(u)
	}
	if u.client == nil {
		u.client = &http.Client{Timeout: opts.Timeout}
	}
	return u
}

// Start runs one cycle immediately and then one per interval until Stop is
// called or ctx is cancelled. Calling Start on a running updater is a no-op.
func (u *Updater) Start(ctx context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.stopped {
		return ErrStopped
	}
	if u.cancel != nil {
		return nil
	}

	ctx, u.cancel = context.WithCancel(ctx)
	u.running.Store(true)
	u.wg.Go(func() {
		defer u.running.Store(false)
		u.loop(ctx)
	})

	log.Info().
		Str("strategy", u.predictor.Name()).
		Dur("interval", u.opts.Interval).
		Str("url", u.opts.URL).
		Msg("Refresh loop started")
	return nil
}

// Stop ends the loop and waits for the in-flight cycle to finish. After it
// returns the feed is no longer modified. Stop may be called any number of times.
func (u *Updater) Stop() {
	u.mu.Lock()
	cancel := u.cancel
	first := !u.stopped
	u.stopped = true
	u.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	u.wg.Wait()

	if first && cancel != nil {
		log.Info().Msg("Refresh loop stopped")
	}
}

// Running reports whether the loop goroutine is alive
func (u *Updater) Running() bool {
	return u.running.Load()
}

func (u *Updater) loop(ctx context.Context) {
	u.cycle(ctx)

	ticker := time.NewTicker(u.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			u.cycle(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (u *Updater) cycle(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if err := u.RunOnce(ctx); err != nil && ctx.Err() != nil {
		return
	}
	u.prune(ctx)
}

// RunOnce performs one download, decode, predict and publish cycle. On any
// error the published feed is left untouched.
func (u *Updater) RunOnce(ctx context.Context) error {
	started := time.Now()
	logger := log.With().Str("cycle", uuid.NewString()).Logger()
	ctx = logger.WithContext(ctx)

	outcome, err := u.runOnce(ctx)
	if u.metrics != nil {
		u.metrics.ObserveCycle(outcome, time.Since(started))
	}
	if err != nil && ctx.Err() == nil {
		logger.Warn().Err(err).Msg("Refresh cycle failed, keeping previous feed")
	}
	return err
}

func (u *Updater) runOnce(ctx context.Context) (string, error) {
	logger := zerolog.Ctx(ctx)

	body, err := u.download(ctx)
	if err != nil {
		return OutcomeDownloadError, fmt.Errorf("%w: %w", ErrDownload, err)
	}

	vehicles := &gtfs.FeedMessage{}
	if err := proto.Unmarshal(body, vehicles); err != nil {
		return OutcomeDecodeError, fmt.Errorf("%w: %w", ErrDecode, err)
	}

	// A started prediction always completes, even when Stop cancels ctx
	working := u.handle.Working()
	if err := u.predictor.Predict(context.WithoutCancel(ctx), working, vehicles); err != nil {
		return OutcomePredictError, fmt.Errorf("%w: %w", ErrPredict, err)
	}

	feed.SetHeader(working, u.now())
	u.handle.Publish(working)

	tripUpdates := feed.TripUpdateCount(working)
	if u.metrics != nil {
		u.metrics.SetFeedSize(len(vehicles.GetEntity()), tripUpdates)
	}
	logger.Debug().
		Int("vehicles", len(vehicles.GetEntity())).
		Int("trip_updates", tripUpdates).
		Msg("Published trip updates")

	if u.publisher != nil {
		if err := u.publisher.Publish(working); err != nil {
			logger.Warn().Err(err).Msg("Failed to fan out feed")
		}
	}
	return OutcomeOK, nil
}

// download fetches the vehicle position feed, retrying with exponential backoff
func (u *Updater) download(ctx context.Context) ([]byte, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = u.opts.RetryWait
	b.MaxElapsedTime = 0

	var policy backoff.BackOff = backoff.WithMaxRetries(b, uint64(max(u.opts.Retries, 0)))
	policy = backoff.WithContext(policy, ctx)

	return backoff.RetryNotifyWithData(
		func() ([]byte, error) {
			return u.fetch(ctx)
		},
		policy,
		func(err error, d time.Duration) {
			zerolog.Ctx(ctx).Debug().Err(err).Dur("retry_in", d).Msg("Download failed, retrying")
		},
	)
}

type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("feed returned status %d", e.code)
}

func (u *Updater) fetch(ctx context.Context) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, u.opts.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.opts.URL, nil)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
	}

	resp, err := u.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch feed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := &statusError{code: resp.StatusCode}
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	return body, nil
}

func (u *Updater) prune(ctx context.Context) {
	if u.pruner == nil || u.opts.Retention <= 0 {
		return
	}
	now := u.now()
	if !u.lastPrune.IsZero() && now.Sub(u.lastPrune) < pruneEvery {
		return
	}
	u.lastPrune = now

	removed, err := u.pruner.Prune(ctx, now.Add(-u.opts.Retention))
	if err != nil {
		log.Warn().Err(err).Msg("Failed to prune historic records")
		return
	}
	if u.metrics != nil && removed > 0 {
		u.metrics.HistoricPrunedAdd(removed)
	}
	if removed > 0 {
		log.Info().Int64("removed", removed).Msg("Pruned historic records")
	}
}
