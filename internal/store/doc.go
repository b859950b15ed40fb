// Package store defines the read-side repository consumed by reporting layers
// and the query API. Implementations live in internal/storage; this package
// must not import database drivers or concrete clients.
package store
