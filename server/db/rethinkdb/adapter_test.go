package rethinkdb

import (
	"encoding/json"
	"errors"
	"os"
	"testing"

	"github.com/tinode/topicsync/server/db/common/testsuite"
)

// Set TOPICSYNC_RETHINKDB_ADDR to "host:port" of a RethinkDB server to run.
// The "topicsync_test" database is dropped and re-created.
func TestConformance(tt *testing.T) {
	addr := os.Getenv("TOPICSYNC_RETHINKDB_ADDR")
	if addr == "" {
		tt.Skip("TOPICSYNC_RETHINKDB_ADDR is not set")
	}
	conf, _ := json.Marshal(map[string]any{"addresses": addr, "database": "topicsync_test"})

	a := &adapter{}
	if err := a.Open(conf); err != nil {
		tt.Fatal(err)
	}
	defer a.Close()
	if err := a.CreateDb(true); err != nil {
		tt.Fatal(err)
	}
	if err := a.CheckDbVersion(); err != nil {
		tt.Fatal(err)
	}
	testsuite.Run(tt, a)
}

func TestOpenBadAddresses(tt *testing.T) {
	a := &adapter{}
	if err := a.Open(json.RawMessage(`{"addresses": 42}`)); err == nil {
		tt.Error("Expected error for numeric address")
	}
	if err := a.Open(json.RawMessage(`{"addresses": ["ok:1", false]}`)); err == nil {
		tt.Error("Expected error for non-string address")
	}
	if a.IsOpen() {
		tt.Error("Adapter must not be open")
	}
}

func TestIsMissingDb(tt *testing.T) {
	if isMissingDb(nil) {
		tt.Error("nil is not a missing database")
	}
	if !isMissingDb(errors.New("gorethink: Database `topicsync` does not exist. in:")) {
		tt.Error("Expected missing database")
	}
}
