// Copyright 2026 The Wolflink Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool provides the wolflink-standard SQLite connection
// pool.
//
// It wraps zombiezen.com/go/sqlite with production defaults: WAL
// journal mode, NORMAL synchronous (transactions survive process
// crashes; the connection log is derived data, so OS-crash durability
// is not worth fsync-per-commit), a busy timeout for write contention,
// and in-memory temp storage.
//
// The package is intentionally thin. It applies the standard pragmas
// and exposes the underlying zombiezen types directly; callers write
// SQL with sqlitex.Execute and manage transactions themselves. No
// query builder, no ORM.
//
//	pool, err := sqlitepool.Open(sqlitepool.Config{
//	    Path:   "/var/wolflink/connlog.db",
//	    Logger: logger,
//	    OnConnect: func(conn *sqlite.Conn) error {
//	        return sqlitex.ExecuteScript(conn, schema, nil)
//	    },
//	})
//	...
//	conn, err := pool.Take(ctx)
//	if err != nil {
//	    return err
//	}
//	defer pool.Put(conn)
//
// Connections are not safe for concurrent use; each goroutine must
// Take its own and Put it back when done.
package sqlitepool
