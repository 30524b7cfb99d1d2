package util

import (
	"crypto/subtle"
	"fmt"

	"golang.org/x/crypto/argon2"
)

// Argon2idParams are the cost parameters stored next to a PIN hash.
type Argon2idParams struct {
	Time        uint32 `json:"time"`
	MemoryKiB   uint32 `json:"memory"`
	Parallelism uint8  `json:"parallelism"`
	KeyLen      uint32 `json:"key_len"`
}

func DefaultArgon2idParams() Argon2idParams {
	return Argon2idParams{
		Time:        1,
		MemoryKiB:   64 * 1024,
		Parallelism: 4,
		KeyLen:      32,
	}
}

// PINHash is the persisted form of a token PIN.
type PINHash struct {
	Params Argon2idParams `json:"params"`
	Salt   []byte         `json:"salt"`
	Hash   []byte         `json:"hash"`
}

func DeriveArgon2idKey(secret string, salt []byte, params Argon2idParams) ([]byte, error) {
	if params.KeyLen != 32 {
		return nil, fmt.Errorf("argon2id key length must be 32 bytes")
	}
	key := argon2.IDKey([]byte(secret), salt, params.Time, params.MemoryKiB, params.Parallelism, params.KeyLen)
	return key, nil
}

// HashPIN normalises pin and derives its Argon2id hash under a fresh salt.
func HashPIN(pin string, params Argon2idParams) (*PINHash, error) {
	salt, err := RandomBytes(16)
	if err != nil {
		return nil, err
	}
	key, err := DeriveArgon2idKey(NormalizePIN(pin), salt, params)
	if err != nil {
		return nil, err
	}
	return &PINHash{Params: params, Salt: salt, Hash: key}, nil
}

// Verify reports whether pin matches the stored hash in constant time.
func (h *PINHash) Verify(pin string) (bool, error) {
	key, err := DeriveArgon2idKey(NormalizePIN(pin), h.Salt, h.Params)
	if err != nil {
		return false, err
	}
	defer WipeBytes(key)
	return subtle.ConstantTimeCompare(key, h.Hash) == 1, nil
}
