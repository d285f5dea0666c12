//go:build cgo_sqlite

package db

import (
	_ "github.com/mattn/go-sqlite3"
)

const driverName = "sqlite3"

func dsn(path string) string {
	return "file:" + path + "?_journal_mode=WAL&_busy_timeout=5000"
}
