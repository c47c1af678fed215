package mysql

import (
	"encoding/json"
	"os"
	"testing"

	"github.com/tinode/topicsync/server/db/common/testsuite"
)

// Set TOPICSYNC_MYSQL_DSN to run, e.g. "root:@tcp(localhost:3306)/topicsync_test".
// The database is dropped and re-created.
func TestConformance(tt *testing.T) {
	dsn := os.Getenv("TOPICSYNC_MYSQL_DSN")
	if dsn == "" {
		tt.Skip("TOPICSYNC_MYSQL_DSN is not set")
	}
	conf, _ := json.Marshal(map[string]any{"dsn": dsn, "sql_timeout": 10})

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

func TestOpenBadConfig(tt *testing.T) {
	a := &adapter{}
	if err := a.Open(json.RawMessage(`{"dsn": 5}`)); err == nil {
		tt.Error("Expected config parsing error")
	}
	if err := a.Open(json.RawMessage(`{"dsn": "not a dsn"}`)); err == nil {
		tt.Error("Expected dsn parsing error")
	}
	if a.IsOpen() {
		tt.Error("Adapter must not be open")
	}
}
