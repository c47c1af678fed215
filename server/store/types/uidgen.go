package types

import (
	"encoding/base64"
	"encoding/binary"
	"errors"

	sf "github.com/tinode/snowflake"
	"golang.org/x/crypto/xtea"
)

// Length of an unpadded base64-encoded 8-byte id.
const idBase64Unpadded = 11

// UidGenerator holds snowflake and encryption parameters.
// Entry ids are snowflake-generated uint64 values weakly encrypted so they look random
// and don't leak creation order to clients.
type UidGenerator struct {
	seq    *sf.SnowFlake
	cipher *xtea.Cipher
}

// Init initialises the id generator. Already initialized parts are left untouched.
func (ug *UidGenerator) Init(workerID uint, key []byte) error {
	var err error

	if ug.seq == nil {
		if ug.seq, err = sf.NewSnowFlake(uint32(workerID)); err != nil {
			return err
		}
	}
	if ug.cipher == nil {
		if ug.cipher, err = xtea.NewCipher(key); err != nil {
			return err
		}
	}

	return nil
}

// Get generates a unique weakly-encrypted id as uint64.
func (ug *UidGenerator) Get() uint64 {
	buf, err := getIDBuffer(ug)
	if err != nil {
		return 0
	}
	return binary.LittleEndian.Uint64(buf)
}

// GetStr generates a unique id then returns it as an unpadded base64 string.
func (ug *UidGenerator) GetStr() string {
	buf, err := getIDBuffer(ug)
	if err != nil {
		return ""
	}
	return base64.URLEncoding.EncodeToString(buf)[:idBase64Unpadded]
}

// getIDBuffer returns a byte array holding the encrypted id bytes.
func getIDBuffer(ug *UidGenerator) ([]byte, error) {
	if ug.seq == nil || ug.cipher == nil {
		return nil, errors.New("uidgen: not initialized")
	}

	id, err := ug.seq.Next()
	if err != nil {
		return nil, err
	}

	src := make([]byte, 8)
	dst := make([]byte, 8)
	binary.LittleEndian.PutUint64(src, id)
	ug.cipher.Encrypt(dst, src)

	return dst, nil
}
