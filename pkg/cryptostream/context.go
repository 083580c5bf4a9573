// Package cryptostream implements the encrypted-stream cryptographic
// provider (libgcry/libossl, lmcry_*): a file-format-aware streaming
// symmetric cipher maintaining a sidecar .encinfo metadata file.
package cryptostream

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

// Algo identifies a symmetric cipher algorithm.
type Algo string

// Mode identifies a block cipher mode of operation.
type Mode string

const (
	AlgoAES128 Algo = "AES-128"
	AlgoAES192 Algo = "AES-192"
	AlgoAES256 Algo = "AES-256"

	ModeCBC Mode = "CBC"
)

// keyLength returns the key length in bytes an Algo requires, or 0 if
// the algo is unknown.
func (a Algo) keyLength() int {
	switch a {
	case AlgoAES128:
		return 16
	case AlgoAES192:
		return 24
	case AlgoAES256:
		return 32
	default:
		return 0
	}
}

// Context holds the algorithm, mode, and symmetric key. It is built
// before any file is opened and is immutable once a CryptoFile has been
// opened against it (mutating it afterward is a caller error the
// package does not guard against, per the caller-serialized
// concurrency model).
type Context struct {
	algo Algo
	mode Mode
	key  []byte
}

// NewContext creates a Context with the documented default of
// AES-128-CBC.
func NewContext() *Context {
	return &Context{algo: AlgoAES128, mode: ModeCBC}
}

// SetAlgo sets the cipher algorithm. Returns ErrInvalidAlgo for unknown
// names.
func (c *Context) SetAlgo(name Algo) error {
	if name.keyLength() == 0 {
		return ErrInvalidAlgo
	}
	c.algo = name
	return nil
}

// SetMode sets the cipher mode. Returns ErrInvalidMode for unknown
// names; only CBC is implemented.
func (c *Context) SetMode(name Mode) error {
	if name != ModeCBC {
		return ErrInvalidMode
	}
	c.mode = name
	return nil
}

// SetKey sets the symmetric key. On success returns 0. On a length
// mismatch it returns the required key length (per the documented
// 4.2's set_key contract) without modifying the context.
func (c *Context) SetKey(key []byte) int {
	want := c.algo.keyLength()
	if len(key) != want {
		return want
	}
	c.key = append([]byte(nil), key...)
	return 0
}

// pbkdfIterations and pbkdfSalt are fixed rather than per-stream: the
// .encinfo format has no field to carry a salt, so SetPassphrase is
// only as strong as a fixed-salt PBKDF2 derivation. Callers that need a
// per-stream salt should derive the key themselves and call SetKey.
const pbkdfIterations = 100000

var pbkdfSalt = []byte("rsyslog-cryptostream-pbkdf2")

// SetPassphrase derives a key of the algo's required length from a
// passphrase via PBKDF2-HMAC-SHA256 and sets it, as an alternative to
// supplying a raw key through SetKey.
func (c *Context) SetPassphrase(passphrase string) {
	want := c.algo.keyLength()
	c.key = pbkdf2.Key([]byte(passphrase), pbkdfSalt, pbkdfIterations, want, sha256.New)
}

// BlockLength returns the cipher's block size in bytes (16 for AES,
// regardless of key length).
func (c *Context) BlockLength() int {
	return aes.BlockSize
}

// newCipher builds a cipher.Block for the current algo.
func (c *Context) newCipher() (cipher.Block, error) {
	if len(c.key) != c.algo.keyLength() {
		return nil, fmt.Errorf("cryptostream: key not set or wrong length for %s", c.algo)
	}
	switch c.algo {
	case AlgoAES128, AlgoAES192, AlgoAES256:
		return aes.NewCipher(c.key)
	default:
		return nil, ErrInvalidAlgo
	}
}
