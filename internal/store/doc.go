// Package store defines the persistence contract for the crawl outcome
// ledger. Implementations live in other packages; this package must not
// import database drivers or concrete clients.
package store
