// Package sshterminal runs the interactive streams of connected sessions
// and turns their output into shell:data events.
//
// # Output delivery
//
// Output is buffered per session and flushed after a delay chosen by the
// buffer size (see [FlushDelay]): under 16 bytes goes out immediately, which
// keeps typing echo responsive, while bulk output is coalesced for up to
// 50ms. Each new chunk re-arms the timer for the new buffer size.
//
// A write carrying a marker switches the session to capture: everything
// that follows is accumulated and delivered as one event tagged with the
// marker after [MarkedIdleTimeout] of silence. On bastion sessions the
// capture also completes as soon as the marker text shows up in the output,
// and the [PassthroughMarker] forwards chunks unbuffered.
//
// # Opening
//
// [Multiplexer.Open] waits a short settle delay, then requests a shell. If
// the server refuses, the configured fallback commands are run as exec
// requests with a pseudo-terminal, in order.
//
// # Security
//
// Large writes are split; writes beyond the rate fail with a RateLimited
// error and are counted.
//
//   - Stream write size: [MaxInputMessageSize] (64 KB) per stream write.
//   - Terminal dimensions: capped at [MaxTermCols] x [MaxTermRows].
//   - Message rate limiting: [RateLimiter] with [MessageRateLimit] per second
//     and a burst of [MessageRateBurst].
//
// Timers run on a [Clock] so tests can drive them with [ManualClock].
package sshterminal
