// Package dedupe provides send deduplication using a time-based cache
// that replays the original send receipt when a client retries a request
// with the same idempotency key.
package dedupe
