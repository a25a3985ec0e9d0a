// Package clocksync estimates the offset between the local clock and the
// collector's clock so outgoing timestamps can be corrected.
package clocksync

import (
	"context"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/juju/errors"
	"github.com/monti-apm/monti-apm-agent-sub000/util"
	"go.uber.org/zap"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

const syncPath = "/simplentp/sync"

// Prober asks the collector for its current time.
type Prober interface {
	ServerTime(ctx context.Context) (time.Duration, error)
}

type Config struct {
	MinBackoff       time.Duration
	MaxBackoff       time.Duration
	MaxAttempts      int
	ResyncInterval   time.Duration
	FallbackInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		MinBackoff:       time.Second,
		MaxBackoff:       time.Minute,
		MaxAttempts:      5,
		ResyncInterval:   10 * time.Minute,
		FallbackInterval: 30 * time.Minute,
	}
}

type ClockSync struct {
	prober Prober
	clock  util.Clock
	config Config

	diff   int64
	synced atomic.Bool

	syncedCh chan struct{}
	onSync   func(diff time.Duration)
}

func New(prober Prober, clock util.Clock, config Config) *ClockSync {
	defaults := DefaultConfig()
	if config.MinBackoff <= 0 {
		config.MinBackoff = defaults.MinBackoff
	}
	if config.MaxBackoff < config.MinBackoff {
		config.MaxBackoff = config.MinBackoff
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = defaults.MaxAttempts
	}
	if config.ResyncInterval <= 0 {
		config.ResyncInterval = defaults.ResyncInterval
	}
	if config.FallbackInterval <= 0 {
		config.FallbackInterval = defaults.FallbackInterval
	}
	if clock == nil {
		clock = util.SystemClock
	}
	return &ClockSync{
		prober:   prober,
		clock:    clock,
		config:   config,
		syncedCh: make(chan struct{}),
	}
}

// OnSync registers a callback run after every successful sync.
func (cs *ClockSync) OnSync(fn func(diff time.Duration)) {
	cs.onSync = fn
}

func (cs *ClockSync) Diff() time.Duration {
	return time.Duration(atomic.LoadInt64(&cs.diff))
}

func (cs *ClockSync) Synced() bool {
	return cs.synced.Load()
}

// Now returns the current time on the collector's clock.
func (cs *ClockSync) Now() time.Duration {
	return cs.clock() + cs.Diff()
}

// SyncTime converts a local timestamp to the collector's clock. Before the
// first sync it is returned unchanged.
func (cs *ClockSync) SyncTime(local time.Duration) time.Duration {
	return local + cs.Diff()
}

// WaitForSync blocks until the first successful sync or ctx is done.
func (cs *ClockSync) WaitForSync(ctx context.Context) error {
	select {
	case <-cs.syncedCh:
		return nil
	case <-ctx.Done():
		return errors.Trace(ctx.Err())
	}
}

// Sync probes the collector once. The server time is assumed to be read
// halfway through the round trip.
func (cs *ClockSync) Sync(ctx context.Context) error {
	sentAt := cs.clock()
	serverTime, err := cs.prober.ServerTime(ctx)
	if err != nil {
		return errors.Annotate(err, "unable to get server time")
	}
	receivedAt := cs.clock()
	networkTime := (receivedAt - sentAt) / 2
	diff := serverTime - networkTime - sentAt
	atomic.StoreInt64(&cs.diff, int64(diff))

	if !cs.synced.Swap(true) {
		close(cs.syncedCh)
	}
	if cs.onSync != nil {
		cs.onSync(diff)
	}
	return nil
}

// backoff returns the wait before retry number attempt (0 based).
func (cs *ClockSync) backoff(attempt int) time.Duration {
	return retryablehttp.DefaultBackoff(cs.config.MinBackoff, cs.config.MaxBackoff, attempt, nil)
}

// Run keeps the offset fresh until ctx is done. Failed syncs are retried with
// capped exponential backoff; once the attempts are used up it falls back to
// a long fixed interval and keeps trying.
func (cs *ClockSync) Run(ctx context.Context) {
	logger := util.GetLogger("clocksync", "ClockSync::Run")
	attempt := 0
	for {
		var wait time.Duration
		if err := cs.Sync(ctx); err != nil {
			if attempt < cs.config.MaxAttempts {
				wait = cs.backoff(attempt)
			} else {
				wait = cs.config.FallbackInterval
			}
			attempt++
			logger.Warn("Clock sync failed", zap.Error(err), zap.Int("attempt", attempt), zap.Duration("retryIn", wait))
		} else {
			attempt = 0
			wait = cs.config.ResyncInterval
			logger.Debug("Clock synced", zap.Duration("diff", cs.Diff()))
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// HTTPProber reads the collector time, in milliseconds, from its sync endpoint.
type HTTPProber struct {
	Endpoint string
	client   *retryablehttp.Client
}

func NewHTTPProber(endpoint string, timeout time.Duration) *HTTPProber {
	client := retryablehttp.NewClient()
	client.RetryMax = 0
	client.Logger = nil
	client.HTTPClient.Timeout = timeout
	return &HTTPProber{Endpoint: strings.TrimRight(endpoint, "/"), client: client}
}

func (p *HTTPProber) ServerTime(ctx context.Context) (time.Duration, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, p.Endpoint+syncPath, nil)
	if err != nil {
		return 0, errors.Trace(err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return 0, errors.Trace(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, errors.Errorf("unexpected status %d from %s", resp.StatusCode, syncPath)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, errors.Trace(err)
	}
	ms, err := strconv.ParseFloat(strings.TrimSpace(string(body)), 64)
	if err != nil || math.IsNaN(ms) || ms <= 0 {
		return 0, errors.NotValidf("server time %q", strings.TrimSpace(string(body)))
	}
	return time.Duration(ms * float64(time.Millisecond)), nil
}
