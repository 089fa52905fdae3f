package streaming

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// fetchWithRetry requests uris via the network engine, retrying recoverable
// NETWORK errors per the configured RetryParameters with exponential
// backoff and fuzz. InfiniteRetriesForLiveStreams exempts live content from
// the attempt ceiling; the config's FailureCallback still gets a chance to
// veto surfacing a terminal error (handled by the caller in runLoop).
func (e *StreamingEngine) fetchWithRetry(ctx context.Context, uris []string, byteRangeStart, byteRangeEnd *int64) ([]byte, error) {
	cfg := e.cfg()
	rp := cfg.RetryParameters

	maxAttempts := rp.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var lastErr error
	delay := rp.BaseDelay
	if delay <= 0 {
		delay = 200 * time.Millisecond
	}

	for attempt := 1; ; attempt++ {
		fetchCtx := ctx
		var cancel context.CancelFunc
		if rp.Timeout > 0 {
			fetchCtx, cancel = context.WithTimeout(ctx, rp.Timeout)
		}
		data, err := e.network.Fetch(fetchCtx, uris, byteRangeStart, byteRangeEnd)
		if cancel != nil {
			cancel()
		}
		if err == nil {
			if cfg.MaxSegmentBytes > 0 && int64(len(data)) > cfg.MaxSegmentBytes {
				return nil, NewNetworkError(CodeSegmentTooLarge, "fetched segment exceeds max_segment_bytes", nil)
			}
			return data, nil
		}

		netErr := NewNetworkError(CodeHTTPError, "fetching segment", err)
		lastErr = netErr
		if !IsRecoverable(netErr) {
			return nil, netErr
		}

		infinite := cfg.InfiniteRetriesForLiveStreams && e.presentation.Timeline.IsLive
		if !infinite && attempt >= maxAttempts {
			return nil, lastErr
		}

		wait := time.Duration(float64(delay) * math.Pow(rp.BackoffFactor, float64(attempt-1)))
		if rp.MaxDelay > 0 && wait > rp.MaxDelay {
			wait = rp.MaxDelay
		}
		if rp.FuzzFactor > 0 {
			fuzz := 1 + (rand.Float64()*2-1)*rp.FuzzFactor
			wait = time.Duration(float64(wait) * fuzz)
		}

		select {
		case <-ctx.Done():
			return nil, NewNetworkError(CodeTimeout, "fetch canceled", ctx.Err())
		case <-time.After(wait):
		}
	}
}
