// Package rest schedules HTTP API calls against per-route rate-limit buckets.
//
// Every request is resolved to a route (method plus templated endpoint) and a
// major parameter. Requests on the same bucket run strictly one at a time in
// FIFO order; distinct buckets run in parallel. Bucket hashes reported by the
// API are learned from response headers so that routes sharing a hash end up
// on the same queue. A single global lockout, set by any queue that sees a
// global 429, gates every queue before it executes.
package rest
