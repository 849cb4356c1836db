// Package gateway manages sharded connections to the real-time gateway.
//
// A Manager discovers the session-start budget, then admits shards one
// identify window at a time. Each Shard runs its own state machine goroutine
// and owns a Worker, which in turn owns the socket, frame decoding and the
// heartbeat timer. Shards and their workers talk only through channels, so a
// slow dispatch consumer never delays another shard's heartbeat.
package gateway
