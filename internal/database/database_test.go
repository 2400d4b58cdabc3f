package database

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(DriverSQLite, "", t.TempDir())
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func mustExec(t *testing.T, db *DB, query string, args ...any) {
	t.Helper()
	if _, err := db.Exec(db.Rebind(query), args...); err != nil {
		t.Fatalf("exec %q: %v", query, err)
	}
}

func TestOpenAndMigrate(t *testing.T) {
	dir := t.TempDir()

	db, err := Open(DriverSQLite, "", dir)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer db.Close()

	if _, err := os.Stat(filepath.Join(dir, "tenantgw.db")); os.IsNotExist(err) {
		t.Fatal("database file was not created")
	}

	var journalMode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&journalMode); err != nil {
		t.Fatalf("querying journal_mode: %v", err)
	}
	if journalMode != "wal" {
		t.Errorf("journal_mode = %q, want wal", journalMode)
	}

	tables := []string{
		"schema_migrations", "media_engines", "tenants", "destinations",
		"tenant_routes", "sources",
	}
	for _, table := range tables {
		var count int
		err := db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
		if err != nil {
			t.Errorf("checking table %s: %v", table, err)
		}
		if count != 1 {
			t.Errorf("table %s not found", table)
		}
	}
}

func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	db1, err := Open(DriverSQLite, "", dir)
	if err != nil {
		t.Fatalf("first Open() error: %v", err)
	}
	db1.Close()

	db2, err := Open(DriverSQLite, "", dir)
	if err != nil {
		t.Fatalf("second Open() error: %v", err)
	}
	db2.Close()
}

func TestOpenUnknownDriver(t *testing.T) {
	if _, err := Open("mysql", "", t.TempDir()); err == nil {
		t.Fatal("expected error for unsupported driver")
	}
}

func TestRebind(t *testing.T) {
	pg := &DB{driver: DriverPostgres}
	got := pg.Rebind("SELECT a FROM t WHERE b = ? AND c = ?")
	if want := "SELECT a FROM t WHERE b = $1 AND c = $2"; got != want {
		t.Errorf("Rebind() = %q, want %q", got, want)
	}

	lite := &DB{driver: DriverSQLite}
	if got := lite.Rebind("b = ?"); got != "b = ?" {
		t.Errorf("sqlite Rebind() = %q, want unchanged", got)
	}
}

func TestStore(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	mustExec(t, db, `INSERT INTO media_engines (host, port, timeout_ms, reject_on_failure, position) VALUES (?, ?, ?, ?, ?)`,
		"10.0.0.2", 22222, 500, 1, 2)
	mustExec(t, db, `INSERT INTO media_engines (host, port, position) VALUES (?, ?, ?)`,
		"10.0.0.1", 22222, 1)
	mustExec(t, db, `INSERT INTO tenants (id, name, domain) VALUES (?, ?, ?)`, 7, "Acme", "acme.example.com")
	mustExec(t, db, `INSERT INTO destinations (tenant_id, uri, type, priority, options_ping, media_options) VALUES (?, ?, ?, ?, ?, ?)`,
		7, "sip:low.example.com", "pstn", 1, 0, `{"ICE":"remove"}`)
	mustExec(t, db, `INSERT INTO destinations (tenant_id, uri, type, priority, options_ping, media_options, auth_username, auth_password) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		7, "sip:high.example.com", "pstn", 10, 1, "", "user", "secret")
	mustExec(t, db, `INSERT INTO tenant_routes (tenant_id, inbound_type, outbound_type, priority) VALUES (?, ?, ?, ?)`,
		7, "carrier", "pstn", 5)
	mustExec(t, db, `INSERT INTO tenant_routes (tenant_id, inbound_type, outbound_type, priority) VALUES (?, ?, ?, ?)`,
		7, "carrier", "backup", 10)
	mustExec(t, db, `INSERT INTO sources (address, type, media_options) VALUES (?, ?, ?)`,
		"192.0.2.10", "carrier", `{"flags":["trust-address"],"record call":"yes"}`)

	store := NewStore(db)

	engines, err := store.ListEngines(ctx)
	if err != nil {
		t.Fatalf("ListEngines() error: %v", err)
	}
	if len(engines) != 2 || engines[0].Host != "10.0.0.1" {
		t.Fatalf("ListEngines() = %+v, want 10.0.0.1 first by position", engines)
	}
	if engines[0].TimeoutMS != 1000 {
		t.Errorf("default timeout = %d, want 1000", engines[0].TimeoutMS)
	}
	if !engines[1].RejectOnFailure {
		t.Error("engines[1].RejectOnFailure = false, want true")
	}

	ids, err := store.ListTenantIDs(ctx)
	if err != nil {
		t.Fatalf("ListTenantIDs() error: %v", err)
	}
	if len(ids) != 1 || ids[0] != 7 {
		t.Fatalf("ListTenantIDs() = %v, want [7]", ids)
	}

	tenant, err := store.GetTenant(ctx, 7)
	if err != nil {
		t.Fatalf("GetTenant() error: %v", err)
	}
	if tenant.Domain != "acme.example.com" {
		t.Errorf("Domain = %q, want acme.example.com", tenant.Domain)
	}

	if _, err := store.GetTenant(ctx, 99); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetTenant(99) error = %v, want ErrNotFound", err)
	}

	dests, err := store.ListDestinations(ctx, 7)
	if err != nil {
		t.Fatalf("ListDestinations() error: %v", err)
	}
	if len(dests) != 2 {
		t.Fatalf("ListDestinations() returned %d rows, want 2", len(dests))
	}
	if dests[0].URI != "sip:high.example.com" || !dests[0].OptionsPing {
		t.Errorf("dests[0] = %+v, want high priority with options ping", dests[0])
	}
	if len(dests[0].MediaOptions) != 0 {
		t.Errorf("empty media options should decode to an empty map, got %v", dests[0].MediaOptions)
	}
	if dests[0].AuthUsername != "user" || dests[0].AuthPassword != "secret" {
		t.Errorf("credentials not loaded: %+v", dests[0])
	}
	if dests[1].MediaOptions["ICE"] != "remove" {
		t.Errorf("dests[1].MediaOptions = %v, want ICE=remove", dests[1].MediaOptions)
	}

	routes, err := store.ListRoutes(ctx, 7)
	if err != nil {
		t.Fatalf("ListRoutes() error: %v", err)
	}
	if len(routes) != 2 || routes[0].OutboundType != "backup" {
		t.Fatalf("ListRoutes() = %+v, want backup first", routes)
	}

	sources, err := store.ListSources(ctx)
	if err != nil {
		t.Fatalf("ListSources() error: %v", err)
	}
	if len(sources) != 1 {
		t.Fatalf("ListSources() returned %d rows, want 1", len(sources))
	}
	if sources[0].MediaOptions["record call"] != "yes" {
		t.Errorf("source media options = %v", sources[0].MediaOptions)
	}
	if flags, ok := sources[0].MediaOptions["flags"].([]any); !ok || len(flags) != 1 {
		t.Errorf("flags = %#v, want one-element list", sources[0].MediaOptions["flags"])
	}
}

func TestMalformedMediaOptions(t *testing.T) {
	db := openTestDB(t)
	mustExec(t, db, `INSERT INTO sources (address, type, media_options) VALUES (?, ?, ?)`,
		"192.0.2.10", "carrier", `{not json`)

	if _, err := NewSourceRepository(db).ListSources(context.Background()); err == nil {
		t.Fatal("expected error for malformed media options")
	}
}
