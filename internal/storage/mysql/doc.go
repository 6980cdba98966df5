// Package mysql owns the shared MySQL connection pool and schema migrations
// for the marketplace stores. Individual packages build their stores on top of
// the pool it opens.
package mysql
