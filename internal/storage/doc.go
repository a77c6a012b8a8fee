// Package storage holds the execution history shared by every process of a
// fleet. A record is created the first time any process claims an
// occurrence (job name plus intended instant); later claims of the same
// occurrence fail with ErrDuplicate, which is how at-most-once execution is
// enforced.
//
// Drivers:
//   - "memory": process-local map, for tests and single-node setups
//   - "file": one JSON file per record, created with O_EXCL (shared volume)
//   - "sqlite": SQLite database file (modernc.org/sqlite, no cgo)
//   - "redis": SET NX with a key TTL (github.com/gomodule/redigo)
package storage
