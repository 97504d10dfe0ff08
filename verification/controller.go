package verification

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dgc-dev/dccverify/trustlist"
)

// Clock is a trusted time source for the validation clock. Now reports
// ok=false when no trusted time is currently available, in which case rule
// evaluation is skipped and verification yields StatusTimeMissing.
type Clock interface {
	Now() (time.Time, bool)
}

// SystemClock trusts the local wall clock.
type SystemClock struct{}

func (SystemClock) Now() (time.Time, bool) { return time.Now(), true }

// ControllerOption configures a Controller.
type ControllerOption func(*Controller)

func WithVerifier(v *Verifier) ControllerOption {
	return func(c *Controller) {
		c.verifier = v
	}
}

func WithValidationClock(clock Clock) ControllerOption {
	return func(c *Controller) {
		c.clock = clock
	}
}

func WithRefreshInterval(d time.Duration) ControllerOption {
	return func(c *Controller) {
		c.refreshInterval = d
	}
}

// Controller is the top-level handle tying the trust store, its refresher
// and the verifier together. It is constructed once and passed around
// explicitly; there is no package-level singleton.
type Controller struct {
	store           *trustlist.Store
	refresher       *trustlist.Refresher
	verifier        *Verifier
	clock           Clock
	refreshInterval time.Duration
}

func NewController(store *trustlist.Store, refresher *trustlist.Refresher, opts ...ControllerOption) *Controller {
	c := &Controller{
		store:           store,
		refresher:       refresher,
		verifier:        NewVerifier(),
		clock:           SystemClock{},
		refreshInterval: time.Hour,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start refreshes the trust list once, then keeps force-refreshing it
// periodically until the context is cancelled. It blocks and is meant to run
// in its own goroutine.
func (c *Controller) Start(ctx context.Context) {
	c.refresher.Refresh(ctx, false)

	ticker := time.NewTicker(c.refreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logrus.Debug("trust list refresh loop stopped")
			return
		case <-ticker.C:
			c.refresher.Refresh(ctx, true)
		}
	}
}

// RefreshNow forces an immediate refresh of all categories.
func (c *Controller) RefreshNow(ctx context.Context) {
	c.refresher.Refresh(ctx, true)
}

// RefreshIfStale refreshes only the categories that are missing, undecodable
// or past the update interval.
func (c *Controller) RefreshIfStale(ctx context.Context) {
	c.refresher.Refresh(ctx, false)
}

// VerifyQR decodes the QR string and verifies it against the current trust
// list snapshot. Decode failures are hard errors returned to the caller;
// everything downstream is folded into the Result status. A cancelled
// context yields ctx.Err() and no result.
func (c *Controller) VerifyQR(ctx context.Context, qrData string, req Request) (Result, error) {
	unverified, err := c.verifier.decoder.Decode(qrData)
	if err != nil {
		return Result{}, err
	}

	list := c.store.TrustList()
	if list == nil {
		return Result{Status: StatusDataExpired}, nil
	}

	if req.Clock == nil {
		if now, ok := c.clock.Now(); ok {
			req.Clock = &now
		}
	}

	result := c.verifier.Verify(ctx, unverified, list, req)
	select {
	case <-ctx.Done():
		// The scan's scope ended before the verdict: drop it.
		return Result{}, ctx.Err()
	default:
	}
	return result, nil
}
