// Package migrations embeds the SQL schema for the event store and the
// processor progress tables, and runs them with golang-migrate. Embedding
// keeps deployments zero-config: the binary carries its own schema.
package migrations

import (
	"embed"
	"io/fs"

	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed sql/*.sql
var embedded embed.FS

// FS returns the embedded migration files rooted at the directory that
// contains them.
func FS() fs.FS {
	sub, err := fs.Sub(embedded, "sql")
	if err != nil {
		// The sql directory is embedded at build time; failing to
		// open it is a programming error.
		panic(err)
	}
	return sub
}

// SourceDriver returns a golang-migrate source driver backed by the
// embedded migration files.
func SourceDriver() (source.Driver, error) {
	return iofs.New(FS(), ".")
}
