//go:build postgres

package storage

// This file exists solely to pin transitive dependencies that are required
// when building the storage package with the "postgres" build tag for
// integration tests against a real database. Keeping these blank imports
// ensures the go tool recognises the dependencies when tidying modules.
import (
	_ "github.com/jackc/pgpassfile"
	_ "github.com/jackc/pgservicefile"
	_ "github.com/jackc/puddle/v2"
	_ "golang.org/x/text/transform"
)
