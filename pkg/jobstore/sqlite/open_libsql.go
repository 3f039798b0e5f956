//go:build cgo

package sqlite

import (
	_ "github.com/tursodatabase/go-libsql"
)

const driverName = "libsql"

func checkDriverSupport(Config) error { return nil }
