package cryptosession

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/spearit/spearhead/internal/protocol"
)

var (
	// ErrEncryptionFailed indicates a frame could not be encrypted.
	ErrEncryptionFailed = errors.New("cryptosession: encryption failed")
	// ErrDecryptionFailed indicates a ciphertext could not be decrypted.
	ErrDecryptionFailed = errors.New("cryptosession: decryption failed")
	// ErrInvalidPadding indicates PKCS7 padding was malformed on decrypt.
	ErrInvalidPadding = errors.New("cryptosession: invalid PKCS7 padding")
)

// Cipher wraps a fixed AES-128-CBC key/IV pair and encrypts/decrypts whole
// inner frames the way the Connection is required to per spec.md §4.2:
// serialize without the outer total-length prefix, PKCS7-pad to the block
// size, encrypt, and prefix the result with an 8-byte big-endian length.
type Cipher struct {
	key [KeySize]byte
	iv  [IVSize]byte
}

// NewCipher builds a Cipher from an already-derived session key and IV.
func NewCipher(key [KeySize]byte, iv [IVSize]byte) *Cipher {
	return &Cipher{key: key, iv: iv}
}

// EncryptFrame serializes f's fields (no outer length prefix), pads, and
// encrypts under CBC, returning the [len:8][ciphertext] wire form.
func (c *Cipher) EncryptFrame(f *protocol.Frame) ([]byte, error) {
	plain, err := innerFieldBytes(f)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}

	block, err := aes.NewCipher(c.key[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}

	padded := pkcs7Pad(plain, block.BlockSize())
	ciphertext := make([]byte, len(padded))
	mode := cipher.NewCBCEncrypter(block, c.iv[:])
	mode.CryptBlocks(ciphertext, padded)

	out := make([]byte, 8+len(ciphertext))
	binary.BigEndian.PutUint64(out[:8], uint64(len(ciphertext)))
	copy(out[8:], ciphertext)
	return out, nil
}

// DecryptFrame reverses EncryptFrame: it expects data to already have the
// 8-byte ciphertext-length prefix stripped (the caller reads exactly that
// many bytes off the socket), decrypts, unpads, and re-parses the result
// as a frame with no outer length prefix.
func (c *Cipher) DecryptFrame(ciphertext []byte) (*protocol.Frame, error) {
	block, err := aes.NewCipher(c.key[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}

	if len(ciphertext) == 0 || len(ciphertext)%block.BlockSize() != 0 {
		return nil, fmt.Errorf("%w: ciphertext length %d is not a multiple of block size", ErrDecryptionFailed, len(ciphertext))
	}

	plainPadded := make([]byte, len(ciphertext))
	mode := cipher.NewCBCDecrypter(block, c.iv[:])
	mode.CryptBlocks(plainPadded, ciphertext)

	plain, err := pkcs7Unpad(plainPadded, block.BlockSize())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}

	return decodeInnerFields(plain)
}

// EncryptBytes encrypts an arbitrary byte string under the session
// key/IV, for callers that manage their own framing.
func (c *Cipher) EncryptBytes(plain []byte) ([]byte, error) {
	block, err := aes.NewCipher(c.key[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	padded := pkcs7Pad(plain, block.BlockSize())
	ciphertext := make([]byte, len(padded))
	mode := cipher.NewCBCEncrypter(block, c.iv[:])
	mode.CryptBlocks(ciphertext, padded)
	return ciphertext, nil
}

// DecryptBytes is the inverse of EncryptBytes.
func (c *Cipher) DecryptBytes(ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(c.key[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	if len(ciphertext) == 0 || len(ciphertext)%block.BlockSize() != 0 {
		return nil, fmt.Errorf("%w: ciphertext length %d is not a multiple of block size", ErrDecryptionFailed, len(ciphertext))
	}
	plainPadded := make([]byte, len(ciphertext))
	mode := cipher.NewCBCDecrypter(block, c.iv[:])
	mode.CryptBlocks(plainPadded, ciphertext)
	return pkcs7Unpad(plainPadded, block.BlockSize())
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padded := make([]byte, len(data)+padLen)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(padLen)
	}
	return padded
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, ErrInvalidPadding
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > blockSize || padLen > len(data) {
		return nil, ErrInvalidPadding
	}
	for _, b := range data[len(data)-padLen:] {
		if int(b) != padLen {
			return nil, ErrInvalidPadding
		}
	}
	return data[:len(data)-padLen], nil
}

// innerFieldBytes and decodeInnerFields give cryptosession access to the
// field-only (no total-length prefix) wire form, mirroring the distinction
// protocol.Encode/Decode draw between the outer frame and its field list.
func innerFieldBytes(f *protocol.Frame) ([]byte, error) {
	wrapped, err := protocol.Encode(f)
	if err != nil {
		return nil, err
	}
	// Encode() always prepends an 8-byte total length; strip it since the
	// encrypted wire form carries its own ciphertext-length prefix instead.
	return wrapped[protocol.TotalLenSize:], nil
}

func decodeInnerFields(body []byte) (*protocol.Frame, error) {
	prefixed := make([]byte, protocol.TotalLenSize+len(body))
	binary.BigEndian.PutUint64(prefixed[:protocol.TotalLenSize], uint64(len(body)))
	copy(prefixed[protocol.TotalLenSize:], body)
	return protocol.Decode(prefixed)
}
