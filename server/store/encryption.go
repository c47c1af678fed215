package store

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"

	"github.com/tinode/topicsync/server/store/types"
)

// PayloadEncryption encrypts entry values and queue messages at rest with AES-GCM.
// A nil *PayloadEncryption leaves payloads unchanged.
type PayloadEncryption struct {
	aead cipher.AEAD
}

// sealedPayload is the stored form of an encrypted payload. It's valid JSON, so adapters
// with JSON columns accept it.
type sealedPayload struct {
	Data      []byte `json:"data"`
	Nonce     []byte `json:"nonce"`
	Encrypted bool   `json:"encrypted"`
}

// NewPayloadEncryption creates the cipher. Returns nil if the key is empty.
func NewPayloadEncryption(key []byte) (*PayloadEncryption, error) {
	if len(key) == 0 {
		return nil, nil
	}

	// AES-128, AES-192 or AES-256.
	if len(key) != 16 && len(key) != 24 && len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be 16, 24, or 32 bytes, got %d", len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM mode: %w", err)
	}
	return &PayloadEncryption{aead: aead}, nil
}

// IsEnabled returns whether payloads are encrypted.
func (pe *PayloadEncryption) IsEnabled() bool {
	return pe != nil
}

// Seal encrypts the payload. Empty payloads are returned as is.
func (pe *PayloadEncryption) Seal(payload json.RawMessage) (json.RawMessage, error) {
	if pe == nil || len(payload) == 0 {
		return payload, nil
	}

	nonce := make([]byte, pe.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return json.Marshal(&sealedPayload{
		Data:      pe.aead.Seal(nil, nonce, payload, nil),
		Nonce:     nonce,
		Encrypted: true,
	})
}

// Open decrypts a payload produced by Seal. Payloads stored before encryption was enabled
// are returned unchanged.
func (pe *PayloadEncryption) Open(stored json.RawMessage) (json.RawMessage, error) {
	if pe == nil || len(stored) == 0 {
		return stored, nil
	}

	var sealed sealedPayload
	if err := json.Unmarshal(stored, &sealed); err != nil || !sealed.Encrypted {
		return stored, nil
	}
	plain, err := pe.aead.Open(nil, sealed.Nonce, sealed.Data, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt payload: %w", err)
	}
	return plain, nil
}

func (pe *PayloadEncryption) sealChanges(changes []types.EntryChange) ([]types.EntryChange, error) {
	if pe == nil {
		return changes, nil
	}
	sealed := make([]types.EntryChange, len(changes))
	for i, ch := range changes {
		payload, err := pe.Seal(ch.Payload)
		if err != nil {
			return nil, err
		}
		ch.Payload = payload
		sealed[i] = ch
	}
	return sealed, nil
}

func (pe *PayloadEncryption) sealQueue(msgs []types.QueueMessage) ([]types.QueueMessage, error) {
	if pe == nil {
		return msgs, nil
	}
	sealed := make([]types.QueueMessage, len(msgs))
	for i, msg := range msgs {
		payload, err := pe.Seal(msg.Message)
		if err != nil {
			return nil, err
		}
		msg.Message = payload
		sealed[i] = msg
	}
	return sealed, nil
}

func (pe *PayloadEncryption) openEntries(entries []types.Entry) error {
	for i := range entries {
		value, err := pe.Open(entries[i].Value)
		if err != nil {
			return err
		}
		entries[i].Value = value
	}
	return nil
}

func (pe *PayloadEncryption) openQueue(msgs []types.QueueMessage) error {
	for i := range msgs {
		payload, err := pe.Open(msgs[i].Message)
		if err != nil {
			return err
		}
		msgs[i].Message = payload
	}
	return nil
}
