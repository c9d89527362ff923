package persist

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"pkt.systems/termlink/schema"
)

func TestStoreLoadMissing(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	_, ok, err := store.Load("ws")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if ok {
		t.Fatalf("expected missing snapshot")
	}
	if _, ok, err := store.Session(schema.SessionKey{WorkspaceID: "ws", TerminalID: "main"}); err != nil || ok {
		t.Fatalf("expected missing session, got ok=%v err=%v", ok, err)
	}
}

func TestStoreSaveSessionRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	first := SessionRecord{
		Key:        schema.SessionKey{WorkspaceID: "ws", TerminalID: "main"},
		LastActive: at,
		Modes:      schema.TerminalMode{AltScreen: true, Mouse: true, MouseSGR: true, MouseEncoding: "sgr"},
	}
	second := SessionRecord{
		Key:        schema.SessionKey{WorkspaceID: "ws", TerminalID: "aux"},
		LastActive: at.Add(time.Minute),
		Modes:      schema.TerminalMode{MouseEncoding: "x10"},
	}
	if err := store.SaveSession(first); err != nil {
		t.Fatalf("save first: %v", err)
	}
	if err := store.SaveSession(second); err != nil {
		t.Fatalf("save second: %v", err)
	}
	got, ok, err := store.Session(first.Key)
	if err != nil || !ok {
		t.Fatalf("session: ok=%v err=%v", ok, err)
	}
	if !reflect.DeepEqual(first, got) {
		t.Fatalf("record mismatch:\nwant: %+v\ngot:  %+v", first, got)
	}

	first.Modes = schema.TerminalMode{MouseEncoding: "x10"}
	if err := store.SaveSession(first); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	snapshot, ok, err := store.Load("ws")
	if err != nil || !ok {
		t.Fatalf("load: ok=%v err=%v", ok, err)
	}
	if len(snapshot.Sessions) != 2 {
		t.Fatalf("expected two records, got %d", len(snapshot.Sessions))
	}
	if snapshot.Sessions[0].Key.TerminalID != "aux" || snapshot.Sessions[1].Modes.AltScreen {
		t.Fatalf("unexpected records: %+v", snapshot.Sessions)
	}
	info, err := os.Stat(filepath.Join(dir, "ws.json"))
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("expected 0600 state file, got %v", info.Mode().Perm())
	}
}

func TestStoreSaveSessionRejectsInvalidKey(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if err := store.SaveSession(SessionRecord{Key: schema.SessionKey{WorkspaceID: "ws"}}); err == nil {
		t.Fatalf("expected invalid key error")
	}
}

func TestStoreLoadInvalidJSON(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	path := filepath.Join(dir, "ws.json")
	if err := os.WriteFile(path, []byte("{not-json"), 0o600); err != nil {
		t.Fatalf("write bad json: %v", err)
	}
	if _, _, err := store.Load("ws"); err == nil {
		t.Fatalf("expected error for invalid JSON")
	}
}
