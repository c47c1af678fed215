package store

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/tinode/topicsync/server/store/types"
)

func testKey(size int) []byte {
	key := make([]byte, size)
	for i := range key {
		key[i] = byte(i)
	}
	return key
}

func TestNewPayloadEncryption(t *testing.T) {
	pe, err := NewPayloadEncryption(nil)
	if err != nil {
		t.Fatalf("Failed to create disabled encryption: %v", err)
	}
	if pe != nil || pe.IsEnabled() {
		t.Error("Encryption should be disabled when no key provided")
	}

	for _, size := range []int{16, 24, 32} {
		pe, err = NewPayloadEncryption(testKey(size))
		if err != nil {
			t.Fatalf("Failed to create encryption with %d-byte key: %v", size, err)
		}
		if !pe.IsEnabled() {
			t.Errorf("Encryption with %d-byte key should be enabled", size)
		}
	}

	if _, err = NewPayloadEncryption([]byte("short")); err == nil {
		t.Error("Expected error for invalid key size")
	}
}

func TestPayloadSealOpen(t *testing.T) {
	pe, err := NewPayloadEncryption(testKey(32))
	if err != nil {
		t.Fatal(err)
	}

	plain := json.RawMessage(`{"symbol":"ABC","price":10}`)
	sealed, err := pe.Seal(plain)
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	if bytes.Contains(sealed, []byte("ABC")) {
		t.Errorf("Sealed payload leaks plaintext: %s", sealed)
	}
	if !json.Valid(sealed) {
		t.Errorf("Sealed payload must be valid JSON: %s", sealed)
	}

	again, _ := pe.Seal(plain)
	if bytes.Equal(sealed, again) {
		t.Error("Nonce must differ between seals")
	}

	opened, err := pe.Open(sealed)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if string(opened) != string(plain) {
		t.Errorf("Round trip: expected %s, got %s", plain, opened)
	}

	// Stored before encryption was enabled.
	legacy := json.RawMessage(`"plain text"`)
	if opened, err = pe.Open(legacy); err != nil || string(opened) != string(legacy) {
		t.Errorf("Legacy payload must pass through, got %s, %v", opened, err)
	}

	other, _ := NewPayloadEncryption(testKey(16))
	if _, err = other.Open(sealed); err == nil {
		t.Error("Open with a wrong key must fail")
	}

	var disabled *PayloadEncryption
	if out, _ := disabled.Seal(plain); string(out) != string(plain) {
		t.Errorf("Disabled encryption must not change payloads, got %s", out)
	}
}

func TestSealChangesKeepsInput(t *testing.T) {
	pe, _ := NewPayloadEncryption(testKey(32))
	changes := []types.EntryChange{
		{Command: types.CommandAdd, EntryID: "e1", Payload: json.RawMessage(`1`)},
		{Command: types.CommandRemove, EntryID: "e2"},
	}

	sealed, err := pe.sealChanges(changes)
	if err != nil {
		t.Fatal(err)
	}
	if string(changes[0].Payload) != "1" {
		t.Errorf("Input must not be modified, got %s", changes[0].Payload)
	}
	if string(sealed[0].Payload) == "1" || sealed[0].EntryID != "e1" {
		t.Errorf("Unexpected sealed change %+v", sealed[0])
	}
	if sealed[1].Payload != nil {
		t.Errorf("Empty payload must stay empty, got %s", sealed[1].Payload)
	}

	entries := []types.Entry{{ID: "e1", Value: sealed[0].Payload}}
	if err = pe.openEntries(entries); err != nil || string(entries[0].Value) != "1" {
		t.Errorf("Expected opened value 1, got %s, %v", entries[0].Value, err)
	}
}
