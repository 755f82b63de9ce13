//go:build integration

package events

import (
	"testing"

	"github.com/mbd888/htlcrelay/internal/testutil"
)

func TestPostgresStore(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	runStoreSuite(t, NewPostgresStore(db))
}
