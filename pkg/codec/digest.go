package codec

import (
	"database/sql/driver"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// DigestSize is the byte length of all digests in the system.
const DigestSize = 32

// Digest is a fixed-width SHA-256 digest. Receipts, roots, and ciphertext
// hashes all use this type so that wire encodings stay fixed-width.
type Digest [DigestSize]byte

// ZeroDigest is the all-zero digest, used as the genesis root.
var ZeroDigest Digest

// DigestFromHex parses a 64-character hex string into a Digest.
func DigestFromHex(s string) (Digest, error) {
	var d Digest
	raw, err := hex.DecodeString(s)
	if err != nil {
		return d, fmt.Errorf("codec: invalid digest hex: %w", err)
	}
	if len(raw) != DigestSize {
		return d, fmt.Errorf("codec: digest must be %d bytes, got %d", DigestSize, len(raw))
	}
	copy(d[:], raw)
	return d, nil
}

// DigestFromBytes copies raw into a Digest, rejecting wrong lengths.
func DigestFromBytes(raw []byte) (Digest, error) {
	var d Digest
	if len(raw) != DigestSize {
		return d, fmt.Errorf("codec: digest must be %d bytes, got %d", DigestSize, len(raw))
	}
	copy(d[:], raw)
	return d, nil
}

// IsZero reports whether the digest is all zeros.
func (d Digest) IsZero() bool {
	return d == ZeroDigest
}

// String returns the lowercase hex encoding.
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// Bytes returns a copy of the digest bytes.
func (d Digest) Bytes() []byte {
	out := make([]byte, DigestSize)
	copy(out, d[:])
	return out
}

// MarshalJSON encodes the digest as a hex string.
func (d Digest) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON decodes a hex string into the digest.
func (d *Digest) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := DigestFromHex(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// Value implements driver.Valuer so digests can be bound as SQL parameters.
func (d Digest) Value() (driver.Value, error) {
	return d.String(), nil
}

// Scan implements sql.Scanner for TEXT and BLOB columns.
func (d *Digest) Scan(src any) error {
	switch v := src.(type) {
	case string:
		parsed, err := DigestFromHex(v)
		if err != nil {
			return err
		}
		*d = parsed
		return nil
	case []byte:
		if len(v) == DigestSize {
			copy(d[:], v)
			return nil
		}
		parsed, err := DigestFromHex(string(v))
		if err != nil {
			return err
		}
		*d = parsed
		return nil
	default:
		return fmt.Errorf("codec: cannot scan %T into Digest", src)
	}
}
