// Package slidingwindow governs how fast the node may call its upstream fork
// source. It approximates a true sliding window with two fixed-length buckets.
//
// Terminology
//   - Window length: the fixed duration of one bucket, in milliseconds.
//   - Window index: wall-clock milliseconds divided by the window length, floored.
//     The current window is the bucket the clock is in now; the previous window is
//     the one immediately before it.
//
// Main components
//   - WindowCounter: counts governed events per window index. It keeps at most the
//     current and the previous bucket; anything older is evicted before a mutation
//     or read is observed. Eviction depends only on the window index passed in, never
//     on the wall clock, so a sequence of indices always produces the same state.
//     The counter returns raw counts and applies no weighting.
//   - Limiter: the policy on top of the counter. It blends the two raw counts into an
//     effective rate, weighting the previous bucket by the share of it that still
//     overlaps the sliding window:
//
//     rate = previous * (1 - elapsed/windowLength) + current
//
//     Reserve records an event when one more fits the budget and otherwise returns a
//     *RateLimitError carrying how long to back off. Wait blocks on the limiter clock
//     until the event fits or the context ends.
//   - StartUsageWatchdog: a periodic reporter that exports the current estimate and
//     warns when the budget is nearly exhausted.
//
// Ownership
//
// One Limiter (and its counter) belongs to one rate-limited context, typically one
// fork source connection. Window indices passed to a counter must be non-decreasing.
package slidingwindow
