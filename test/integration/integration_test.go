// Package integration exercises the Postgres-backed stores against a real
// database: a pgvector testcontainer locally, the CI service container on
// CI. The in-memory mirrors carry the behavioral test surface; these tests
// pin down what only a real database can get wrong — SQL, migrations,
// locking, and vector scans.
package integration

import (
	"testing"
)

// skipShort gates every test here behind -short so unit runs stay free of
// Docker.
func skipShort(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("integration test requires a database")
	}
}
