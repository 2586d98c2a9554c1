// Package discovery implements AXDL device discovery (C6): polling a
// Transport until a selector-matching device appears or a deadline
// elapses.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/axdl-go/axdl/internal/axdlerr"
	"github.com/axdl-go/axdl/internal/transport"
)

// PollInterval is the fixed interval between discovery attempts.
const PollInterval = 200 * time.Millisecond

// WaitForDevice polls t at PollInterval until a device matching selector
// appears, ctx is cancelled, or deadline elapses — whichever comes
// first. selector is passed through to Transport.OpenDevice verbatim
// (e.g. a USB VID:PID pair or a serial port descriptor); an empty
// selector matches the first device Transport reports.
func WaitForDevice(ctx context.Context, t transport.Transport, selector string, deadline time.Duration) (transport.Device, error) {
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	policy := backoff.NewConstantBackOff(PollInterval)
	var attempts int

	for {
		attempts++
		names, err := t.ListDevices(ctx)
		if err == nil {
			if dev, ok := tryOpen(ctx, t, selector, names); ok {
				slog.Info("device found", "selector", selector, "attempts", attempts)
				return dev, nil
			}
		} else {
			slog.Debug("discovery list failed, retrying", "error", err, "attempt", attempts)
		}

		wait := policy.NextBackOff()
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil, fmt.Errorf("axdl/discovery: selector %q: %w", selector, axdlerr.ErrCancelled)
			}
			return nil, fmt.Errorf("axdl/discovery: selector %q after %d attempts: %w", selector, attempts, axdlerr.ErrDeviceNotFound)
		case <-timer.C:
		}
	}
}

// tryOpen attempts to open selector (or, if empty, any device in names)
// and reports whether a device was actually claimed.
func tryOpen(ctx context.Context, t transport.Transport, selector string, names []string) (transport.Device, bool) {
	if selector == "" && len(names) == 0 {
		return nil, false
	}
	dev, err := t.OpenDevice(ctx, selector)
	if err != nil {
		return nil, false
	}
	return dev, true
}
