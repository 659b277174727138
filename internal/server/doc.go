// Package server hosts the Fiber HTTP service that stands between browser pages
// and the origin. Every proxied request becomes a fetch event for the host
// runtime; the response it produces (cache, network or offline fallback) is
// written back with an X-Offline-Hub-Cache-Hit marker. Paths under /-/ are
// reserved for diagnostics registered by the routes subpackage.
package server
