// Package token implements identity resolution by HMAC-signed security token.
package token

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"time"

	"github.com/tinode/topicsync/server/auth"
	"github.com/tinode/topicsync/server/store/types"
)

// Maximum length of identity in bytes.
const maxIdentityLength = 255

// Resolver verifies tokens and issues new ones.
type Resolver struct {
	hmacSalt     []byte
	lifetime     time.Duration
	serialNumber int
}

// tokenLayout defines positioning of various bytes in token.
// [4:expires][2:serial-number][1:identity-length][N:identity][32:signature]
type tokenLayout struct {
	// Token expiration time.
	Expires uint32
	// Serial number - to invalidate all tokens if needed.
	SerialNumber uint16
	// Length of the identity which follows the header.
	IdentLen uint8
}

// Init initializes the resolver: parses the config and sets salt, serial number and lifetime.
func (tr *Resolver) Init(jsonconf json.RawMessage) error {
	type configType struct {
		// Key for signing tokens
		Key []byte `json:"key"`
		// Serial number, to invalidate all issued tokens at once.
		SerialNum int `json:"serial_num"`
		// Token expiration time, seconds.
		ExpireIn int `json:"expire_in"`
	}
	var config configType
	if err := json.Unmarshal(jsonconf, &config); err != nil {
		return errors.New("auth_token: failed to parse config: " + err.Error() + "(" + string(jsonconf) + ")")
	}

	if len(config.Key) < sha256.Size {
		return errors.New("auth_token: the key is missing or too short")
	}
	if config.ExpireIn <= 0 {
		return errors.New("auth_token: invalid expiration value")
	}

	tr.hmacSalt = config.Key
	tr.lifetime = time.Duration(config.ExpireIn) * time.Second
	tr.serialNumber = config.SerialNum

	return nil
}

func (tr *Resolver) sign(data []byte) []byte {
	hasher := hmac.New(sha256.New, tr.hmacSalt)
	hasher.Write(data)
	return hasher.Sum(nil)
}

// ResolveIdentity checks validity of the URL-safe base64-encoded token.
func (tr *Resolver) ResolveIdentity(secret string) (types.Identity, error) {
	token, err := base64.RawURLEncoding.DecodeString(secret)
	if err != nil {
		return "", auth.ErrMalformed
	}

	var tl tokenLayout
	headSize := binary.Size(&tl)
	if len(token) < headSize+sha256.Size {
		// Token is too short
		return "", auth.ErrMalformed
	}
	if err = binary.Read(bytes.NewReader(token), binary.LittleEndian, &tl); err != nil {
		return "", auth.ErrMalformed
	}
	dataSize := headSize + int(tl.IdentLen)
	if tl.IdentLen == 0 || len(token) != dataSize+sha256.Size {
		return "", auth.ErrMalformed
	}

	// Check signature.
	if !hmac.Equal(token[dataSize:], tr.sign(token[:dataSize])) {
		return "", auth.ErrFailed
	}

	// Check serial number.
	if int(tl.SerialNumber) != tr.serialNumber {
		return "", auth.ErrFailed
	}

	// Check token expiration time.
	expires := time.Unix(int64(tl.Expires), 0).UTC()
	if expires.Before(time.Now().Add(1 * time.Second)) {
		return "", auth.ErrExpired
	}

	return types.Identity(token[headSize:dataSize]), nil
}

// GenSecret generates a new token for the identity. Zero lifetime means the configured default.
func (tr *Resolver) GenSecret(ident types.Identity, lifetime time.Duration) (string, time.Time, error) {
	if ident.IsZero() || len(ident) > maxIdentityLength {
		return "", time.Time{}, auth.ErrMalformed
	}
	if lifetime == 0 {
		lifetime = tr.lifetime
	} else if lifetime < 0 {
		return "", time.Time{}, auth.ErrExpired
	}
	expires := time.Now().Add(lifetime).UTC().Round(time.Second)

	tl := tokenLayout{
		Expires:      uint32(expires.Unix()),
		SerialNumber: uint16(tr.serialNumber),
		IdentLen:     uint8(len(ident)),
	}
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, &tl)
	buf.WriteString(string(ident))
	buf.Write(tr.sign(buf.Bytes()))

	return base64.RawURLEncoding.EncodeToString(buf.Bytes()), expires, nil
}

func init() {
	auth.Register("token", func() auth.Handler { return &Resolver{} })
}
