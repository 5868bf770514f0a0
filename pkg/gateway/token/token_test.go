package token

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"net/url"
	"testing"
	"time"
)

var (
	testKey = []byte("0123456789012345")
	testIV  = []byte("5432109876543210")
)

func encryptForTest(t *testing.T, plaintext string) string {
	t.Helper()

	block, err := aes.NewCipher(testKey)
	if err != nil {
		t.Fatalf("cipher: %v", err)
	}

	pad := aes.BlockSize - len(plaintext)%aes.BlockSize
	padded := append([]byte(plaintext), bytes.Repeat([]byte{byte(pad)}, pad)...)

	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, testIV).CryptBlocks(ciphertext, padded)
	return base64.StdEncoding.EncodeToString(ciphertext)
}

func newTestDecoder(t *testing.T) *Decoder {
	t.Helper()
	loc, err := time.LoadLocation("Asia/Hong_Kong")
	if err != nil {
		t.Fatalf("load location: %v", err)
	}
	d, err := NewDecoder(testKey, testIV, loc)
	if err != nil {
		t.Fatalf("new decoder: %v", err)
	}
	return d
}

func TestDecode_WindowFromSerialDays(t *testing.T) {
	d := newTestDecoder(t)

	// 45000 days after 1899-12-30 is 2023-03-15.
	key := encryptForTest(t, `{"from":45000,"to":45001.5}`)
	w, err := d.Decode(key)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	loc, _ := time.LoadLocation("Asia/Hong_Kong")
	wantStart := time.Date(2023, time.March, 15, 0, 0, 0, 0, loc)
	wantEnd := time.Date(2023, time.March, 16, 12, 0, 0, 0, loc)
	if !w.Start.Equal(wantStart) {
		t.Fatalf("start=%v, want %v", w.Start, wantStart)
	}
	if !w.End.Equal(wantEnd) {
		t.Fatalf("end=%v, want %v", w.End, wantEnd)
	}
}

func TestDecode_URLEscapedAndSpaceFlattenedKey(t *testing.T) {
	d := newTestDecoder(t)

	key := encryptForTest(t, `{"from":45000,"to":45010}`)

	if _, err := d.Decode(url.QueryEscape(key)); err != nil {
		t.Fatalf("decode url-escaped key: %v", err)
	}

	// Transports that treat '+' as a space must still decode.
	flattened := bytes.ReplaceAll([]byte(key), []byte("+"), []byte(" "))
	if _, err := d.Decode(string(flattened)); err != nil {
		t.Fatalf("decode space-flattened key: %v", err)
	}
}

func TestDecode_TrailingQuoteFixup(t *testing.T) {
	d := newTestDecoder(t)
	key := encryptForTest(t, `{"from":45000,"to":45010}"`)
	if _, err := d.Decode(key); err != nil {
		t.Fatalf("decode with trailing quote: %v", err)
	}
}

func TestDecode_Failures(t *testing.T) {
	d := newTestDecoder(t)

	cases := []struct {
		name string
		key  string
	}{
		{"not base64", "%%%not-base64%%%"},
		{"wrong length", base64.StdEncoding.EncodeToString([]byte("short"))},
		{"missing fields", encryptForTest(t, `{"email":"a@b.c"}`)},
		{"not json", encryptForTest(t, `garbage`)},
	}
	for _, tc := range cases {
		if _, err := d.Decode(tc.key); err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
	}
}

func TestDecode_GarbledCiphertextFailsPadding(t *testing.T) {
	d := newTestDecoder(t)
	garbled := base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{0xAB}, aes.BlockSize*2))
	if _, err := d.Decode(garbled); err == nil {
		t.Fatalf("expected padding or parse error for garbled ciphertext")
	}
}

func TestNewDecoder_RejectsBadParams(t *testing.T) {
	if _, err := NewDecoder([]byte("short"), testIV, time.UTC); err == nil {
		t.Fatalf("expected error for short key")
	}
	if _, err := NewDecoder(testKey, []byte("short"), time.UTC); err == nil {
		t.Fatalf("expected error for short iv")
	}
}

func TestNewDecoder_NilLocationDefaultsUTC(t *testing.T) {
	d, err := NewDecoder(testKey, testIV, nil)
	if err != nil {
		t.Fatalf("new decoder: %v", err)
	}
	got := d.fromSerialDays(1)
	want := time.Date(1899, time.December, 31, 0, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("day 1 = %v, want %v", got, want)
	}
}

func TestWindowContains_BoundsExclusive(t *testing.T) {
	start := time.Date(2023, time.March, 15, 9, 0, 0, 0, time.UTC)
	end := start.Add(time.Hour)
	w := Window{Start: start, End: end}

	if w.Contains(start) {
		t.Fatalf("window must not contain its start bound")
	}
	if w.Contains(end) {
		t.Fatalf("window must not contain its end bound")
	}
	if !w.Contains(start.Add(time.Minute)) {
		t.Fatalf("window must contain interior instants")
	}
	if w.Contains(start.Add(-time.Second)) || w.Contains(end.Add(time.Second)) {
		t.Fatalf("window must not contain instants outside its bounds")
	}
}

func TestOpenWindow(t *testing.T) {
	now := time.Date(2024, time.June, 1, 12, 0, 0, 0, time.UTC)
	w := OpenWindow(now)
	if !w.Contains(now) {
		t.Fatalf("open window must contain now")
	}
	if !w.Contains(now.Add(23 * time.Hour)) {
		t.Fatalf("open window must span the next day")
	}
	if w.Contains(now.Add(25 * time.Hour)) {
		t.Fatalf("open window must close after 24 hours")
	}
}
