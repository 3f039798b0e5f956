//go:build !cgo

package sqlite

import (
	"database/sql"
	"errors"

	sqlite "modernc.org/sqlite"
)

// driverName is modernc's pure-Go driver, registered under the libsql name
// so DSNs are the same in both builds.
const driverName = "libsql"

func init() {
	sql.Register(driverName, &sqlite.Driver{})
}

func checkDriverSupport(c Config) error {
	if c.Remote() {
		return errors.New("libsql URL requires cgo-enabled build")
	}
	return nil
}
