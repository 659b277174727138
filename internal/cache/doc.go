// Package cache defines the named cache generations that back the offline
// agent. A Storage owns every generation (open/delete/list/match across all);
// a Cache is one generation mapping a GET request identity to a stored
// response. Drivers: memory (tests, ephemeral runs), fs (StoragePath/<generation>
// files written via temp file + rename) and sqlite (single database file).
package cache
