// Package agent implements the offline caching policy: precache the manifest
// into the current cache generation on install, drop every other generation
// on activate, and answer GET fetch events cache-first with a network
// fallback and an offline navigation fallback. The agent only talks to its
// capabilities (cache.Storage, Network, Lifecycle), so each event handler can
// be driven directly in tests with in-memory doubles.
package agent
