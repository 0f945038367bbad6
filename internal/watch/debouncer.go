package watch

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Debouncer collects raw events from a Source into quiescence-window
// batches. It is driven by the caller's goroutine; no timers run between
// calls to Next.
type Debouncer struct {
	src    Source
	window time.Duration
	logger *slog.Logger
}

// NewDebouncer creates a debouncer reading from src with the given window
func NewDebouncer(src Source, window time.Duration, logger *slog.Logger) *Debouncer {
	return &Debouncer{
		src:    src,
		window: window,
		logger: logger,
	}
}

// Window returns the configured quiescence window
func (d *Debouncer) Window() time.Duration {
	return d.window
}

// Next blocks until at least one event arrives, then keeps collecting for
// one window measured from that first event and returns the coalesced batch.
// The batch may be empty when every change in the burst cancelled out.
//
// If ctx is cancelled while a burst is being collected, the partial batch
// is returned so the caller can still apply it. ErrSourceClosed is returned
// once the source has no more events.
func (d *Debouncer) Next(ctx context.Context) (Batch, error) {
	events := d.src.Events()
	errs := d.src.Errors()

	var raw []Event
	rescan := false

	// Wait for the first event of a burst
	for len(raw) == 0 && !rescan {
		select {
		case <-ctx.Done():
			return Batch{}, ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return Batch{}, ErrSourceClosed
			}
			raw = append(raw, ev)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			rescan = d.handleError(err) || rescan
		}
	}

	timer := time.NewTimer(d.window)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return d.batch(raw, rescan), nil
		case ev, ok := <-events:
			if !ok {
				// Flush what we have; the next call reports the closure.
				return d.batch(raw, rescan), nil
			}
			raw = append(raw, ev)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			rescan = d.handleError(err) || rescan
		case <-timer.C:
			return d.batch(raw, rescan), nil
		}
	}
}

func (d *Debouncer) batch(raw []Event, rescan bool) Batch {
	events := Coalesce(raw)
	d.logger.Debug("debounced batch",
		"raw", len(raw),
		"coalesced", len(events),
		"rescan", rescan)
	return Batch{Events: events, Rescan: rescan}
}

// handleError logs a source error and reports whether it requires a rescan
func (d *Debouncer) handleError(err error) bool {
	if errors.Is(err, ErrOverflow) {
		d.logger.Warn("filesystem events were dropped, scheduling full rescan", "error", err)
		return true
	}
	d.logger.Warn("notification source error", "error", err)
	return false
}
