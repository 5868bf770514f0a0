// Package token decodes the encrypted session keys clients present at
// connect time. A key is a URL-escaped, base64-encoded AES-128-CBC
// ciphertext wrapping a JSON object whose "from" and "to" fields are Excel
// serial day numbers relative to the 1899-12-30 epoch.
package token

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Window is a decoded session validity interval.
type Window struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether now falls strictly inside the window. Both
// bounds are exclusive, matching the issuer's validity semantics.
func (w Window) Contains(now time.Time) bool {
	return now.After(w.Start) && now.Before(w.End)
}

// OpenWindow returns a window that admits the next 24 hours. It backs the
// skip-validity mode used in development, where no session key is decoded.
func OpenWindow(now time.Time) Window {
	return Window{Start: now.Add(-time.Minute), End: now.Add(24 * time.Hour)}
}

// Decoder decrypts session keys with a fixed key/IV pair and interprets the
// embedded serial dates in a fixed location.
type Decoder struct {
	key      []byte
	iv       []byte
	location *time.Location
}

// NewDecoder validates the cipher parameters up front so per-connection
// decodes cannot fail on configuration problems.
func NewDecoder(key, iv []byte, location *time.Location) (*Decoder, error) {
	if len(key) != 16 && len(key) != 24 && len(key) != 32 {
		return nil, fmt.Errorf("session aes key must be 16, 24, or 32 bytes, got %d", len(key))
	}
	if len(iv) != aes.BlockSize {
		return nil, fmt.Errorf("session aes iv must be %d bytes, got %d", aes.BlockSize, len(iv))
	}
	if location == nil {
		location = time.UTC
	}
	return &Decoder{key: key, iv: iv, location: location}, nil
}

type sessionClaims struct {
	From *float64 `json:"from"`
	To   *float64 `json:"to"`
}

// Decode decrypts a session key and returns its validity window. Any failure
// (bad encoding, bad padding, missing fields) means the session has no
// decodable window and must be treated as invalid by the caller.
func (d *Decoder) Decode(sessionKey string) (Window, error) {
	plaintext, err := d.decrypt(sessionKey)
	if err != nil {
		return Window{}, err
	}

	// Some issuers append a stray trailing quote to the JSON payload.
	plaintext = strings.TrimSuffix(plaintext, `"`)

	var claims sessionClaims
	if err := json.Unmarshal([]byte(plaintext), &claims); err != nil {
		return Window{}, fmt.Errorf("parse session claims: %w", err)
	}
	if claims.From == nil || claims.To == nil {
		return Window{}, fmt.Errorf("session claims missing from/to")
	}

	return Window{
		Start: d.fromSerialDays(*claims.From),
		End:   d.fromSerialDays(*claims.To),
	}, nil
}

func (d *Decoder) decrypt(sessionKey string) (string, error) {
	// Keys arrive via query strings, so '+' may have been flattened to a
	// space on the way in. Unescape first, then restore any plus signs.
	unquoted, err := url.QueryUnescape(sessionKey)
	if err != nil {
		unquoted = sessionKey
	}
	unquoted = strings.ReplaceAll(unquoted, " ", "+")

	ciphertext, err := base64.StdEncoding.DecodeString(unquoted)
	if err != nil {
		return "", fmt.Errorf("decode session key: %w", err)
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return "", fmt.Errorf("session key ciphertext length %d is not a multiple of the aes block size", len(ciphertext))
	}

	block, err := aes.NewCipher(d.key)
	if err != nil {
		return "", fmt.Errorf("init aes cipher: %w", err)
	}

	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, d.iv).CryptBlocks(plaintext, ciphertext)

	plaintext, err = stripPKCS7(plaintext)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// Excel's day-zero, in the decoder's location so decoded instants compare
// correctly against wall-clock "now" in the same zone.
func (d *Decoder) fromSerialDays(days float64) time.Time {
	epoch := time.Date(1899, time.December, 30, 0, 0, 0, 0, d.location)
	return epoch.Add(time.Duration(days * float64(24*time.Hour)))
}

func stripPKCS7(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty plaintext")
	}
	pad := int(data[len(data)-1])
	if pad == 0 || pad > aes.BlockSize || pad > len(data) {
		return nil, fmt.Errorf("invalid pkcs7 padding")
	}
	if !bytes.Equal(data[len(data)-pad:], bytes.Repeat([]byte{byte(pad)}, pad)) {
		return nil, fmt.Errorf("invalid pkcs7 padding")
	}
	return data[:len(data)-pad], nil
}
