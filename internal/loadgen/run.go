package loadgen

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
)

// Options configures a load run.
type Options struct {
	// BaseURL is the session context, e.g. http://localhost:8080/app.
	BaseURL    string
	CookieName string
	// Users is the number of simulated users; Concurrency bounds how many
	// run at once.
	Users       int
	Concurrency int
	// Iterations is the number of write+read rounds per user.
	Iterations int
	// RenewEvery renews the session id every n rounds; 0 never renews.
	RenewEvery int
	// Pause is slept between rounds.
	Pause time.Duration
	// KeepSessions leaves the sessions in the store instead of
	// invalidating them at the end.
	KeepSessions bool

	HTTPClient *http.Client
	Logger     *slog.Logger
}

// ErrLostUpdate is returned when a read does not see the value the same user
// wrote just before.
var ErrLostUpdate = errors.New("loadgen: read did not return the last write")

// Run simulates opts.Users users and records every request in stats. It
// returns the number of users whose scenario failed; ctx cancellation stops
// the run early without counting as a failure.
func Run(ctx context.Context, opts Options, stats *Collector) int {
	if opts.Concurrency <= 0 {
		opts.Concurrency = opts.Users
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	failures := make(chan struct{}, opts.Users)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(opts.Concurrency, 1))

	for u := range opts.Users {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := runUser(gctx, u, opts, stats); err != nil && gctx.Err() == nil {
				logger.Debug("user scenario failed", "user", u, "error", err)
				failures <- struct{}{}
			}
			return nil
		})
	}
	_ = g.Wait()
	close(failures)

	n := 0
	for range failures {
		n++
	}
	return n
}

func runUser(ctx context.Context, user int, opts Options, stats *Collector) error {
	c := NewClient(opts.BaseURL, opts.CookieName, opts.HTTPClient, stats)

	v, err := c.Open(ctx)
	if err != nil {
		return err
	}
	if !v.New {
		return fmt.Errorf("user %d: first request did not create a session", user)
	}

	for i := range opts.Iterations {
		if _, err := c.SetAttribute(ctx, "counter", i); err != nil {
			return err
		}
		v, err := c.Open(ctx)
		if err != nil {
			return err
		}
		// JSON numbers decode as float64.
		if got, _ := v.Attributes["counter"].(float64); int(got) != i {
			stats.AddError(OpRead)
			return fmt.Errorf("user %d round %d: %w", user, i, ErrLostUpdate)
		}

		if opts.RenewEvery > 0 && (i+1)%opts.RenewEvery == 0 {
			if _, err := c.Renew(ctx); err != nil {
				return err
			}
		}

		if opts.Pause > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(opts.Pause):
			}
		}
	}

	if opts.KeepSessions {
		return nil
	}
	return c.Invalidate(ctx)
}
