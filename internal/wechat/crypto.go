// Package wechat implements the official-account platform protocol: the
// symmetric message crypto scheme, the callback signature scheme, the XML
// message envelope, and a small client for the platform HTTP API.
package wechat

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
)

var (
	ErrBadPadding        = errors.New("wechat: bad padding")
	ErrLengthMismatch    = errors.New("wechat: length mismatch")
	ErrReceiverMismatch  = errors.New("wechat: receiver mismatch")
	ErrSignatureMismatch = errors.New("wechat: signature mismatch")
)

// The platform pads to 32-byte blocks even though AES operates on 16-byte
// blocks; both the random prefix and the length field sit inside the first
// padded block.
const (
	padBlockSize = 32
	prefixSize   = 16
	lengthSize   = 4
)

// AESKey is the 32-byte message key decoded from the platform's
// 43-character EncodingAESKey string.
type AESKey [32]byte

// ParseAESKey decodes a 43-character no-pad base64 EncodingAESKey.
func ParseAESKey(s string) (AESKey, error) {
	var key AESKey
	if len(s) != 43 {
		return key, fmt.Errorf("encoding aes key must be 43 characters, got %d", len(s))
	}
	raw, err := base64.StdEncoding.WithPadding(base64.NoPadding).DecodeString(s)
	if err != nil {
		return key, fmt.Errorf("decode encoding aes key: %w", err)
	}
	if len(raw) != 32 {
		return key, fmt.Errorf("encoding aes key decodes to %d bytes, want 32", len(raw))
	}
	copy(key[:], raw)
	return key, nil
}

// String re-encodes the key in the platform's no-pad base64 form.
func (k AESKey) String() string {
	return base64.StdEncoding.WithPadding(base64.NoPadding).EncodeToString(k[:])
}

// iv returns the CBC initialization vector, which the platform fixes as the
// first 16 bytes of the key.
func (k AESKey) iv() []byte {
	return k[:aes.BlockSize]
}

// Codec encrypts, decrypts, signs, and verifies platform callbacks.
// It is read-only after construction and safe for concurrent use.
type Codec struct {
	key   AESKey
	token string
	appID string
}

// NewCodec builds a codec from the callback token and message key.
func NewCodec(token string, key AESKey, appID string) *Codec {
	return &Codec{key: key, token: token, appID: appID}
}

// AppID returns the receiver identifier the codec embeds and expects.
func (c *Codec) AppID() string { return c.appID }

// Encrypt seals plaintext for the given receiver id and returns standard
// base64 ciphertext. Layout before encryption:
//
//	random[16] | len(plaintext) big-endian uint32 | plaintext | receiver
//
// padded with PKCS#7 to a 32-byte boundary (a full block of padding when
// already aligned) and encrypted with AES-256-CBC.
func (c *Codec) Encrypt(plaintext []byte, receiver string) (string, error) {
	buf := make([]byte, 0, prefixSize+lengthSize+len(plaintext)+len(receiver)+padBlockSize)

	prefix := make([]byte, prefixSize)
	if _, err := rand.Read(prefix); err != nil {
		return "", fmt.Errorf("random prefix: %w", err)
	}
	buf = append(buf, prefix...)

	var lenField [lengthSize]byte
	binary.BigEndian.PutUint32(lenField[:], uint32(len(plaintext)))
	buf = append(buf, lenField[:]...)
	buf = append(buf, plaintext...)
	buf = append(buf, receiver...)
	buf = pkcs7Pad(buf)

	block, err := aes.NewCipher(c.key[:])
	if err != nil {
		return "", fmt.Errorf("init cipher: %w", err)
	}
	cipher.NewCBCEncrypter(block, c.key.iv()).CryptBlocks(buf, buf)

	return base64.StdEncoding.EncodeToString(buf), nil
}

// Decrypt opens base64 ciphertext and returns the embedded plaintext.
// The embedded receiver id must equal expectedReceiver; this check runs
// even when decryption and framing succeed, and is the replay and
// cross-tenant defense.
func (c *Codec) Decrypt(ciphertextB64, expectedReceiver string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertextB64)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPadding, err)
	}
	if len(raw) == 0 || len(raw)%aes.BlockSize != 0 {
		return nil, ErrBadPadding
	}

	block, err := aes.NewCipher(c.key[:])
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	pt := make([]byte, len(raw))
	cipher.NewCBCDecrypter(block, c.key.iv()).CryptBlocks(pt, raw)

	pt, err = pkcs7Unpad(pt)
	if err != nil {
		return nil, err
	}
	if len(pt) < prefixSize+lengthSize {
		return nil, ErrLengthMismatch
	}

	payloadLen := int(binary.BigEndian.Uint32(pt[prefixSize : prefixSize+lengthSize]))
	if prefixSize+lengthSize+payloadLen > len(pt) {
		return nil, ErrLengthMismatch
	}
	payload := pt[prefixSize+lengthSize : prefixSize+lengthSize+payloadLen]
	receiver := string(pt[prefixSize+lengthSize+payloadLen:])

	if subtle.ConstantTimeCompare([]byte(receiver), []byte(expectedReceiver)) != 1 {
		return nil, ErrReceiverMismatch
	}
	return payload, nil
}

// Sign computes the callback signature: SHA1 over the lexicographically
// sorted concatenation of the token, timestamp, nonce, and any extra
// tokens (the ciphertext in encrypted mode), hex-encoded.
func (c *Codec) Sign(timestamp, nonce string, extra ...string) string {
	parts := append([]string{c.token, timestamp, nonce}, extra...)
	sort.Strings(parts)

	h := sha1.New()
	for _, p := range parts {
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Verify recomputes the signature and compares in constant time.
func (c *Codec) Verify(signature, timestamp, nonce string, extra ...string) error {
	want := c.Sign(timestamp, nonce, extra...)
	if subtle.ConstantTimeCompare([]byte(signature), []byte(want)) != 1 {
		return ErrSignatureMismatch
	}
	return nil
}

func pkcs7Pad(data []byte) []byte {
	n := padBlockSize - len(data)%padBlockSize
	pad := make([]byte, n)
	for i := range pad {
		pad[i] = byte(n)
	}
	return append(data, pad...)
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, ErrBadPadding
	}
	n := int(data[len(data)-1])
	if n < 1 || n > padBlockSize || n > len(data) {
		return nil, ErrBadPadding
	}
	return data[:len(data)-n], nil
}
