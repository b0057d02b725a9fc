// Package ratelimit provides three interchangeable in-memory rate
// limiters — token bucket, sliding window, and fixed window — behind a
// single Check contract returning allow/deny plus limit, remaining,
// reset time, and a retry-after hint.
package ratelimit
