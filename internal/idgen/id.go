// Package idgen mints the gateway's internal identifiers: ObjectID-style
// message/session ids and disambiguated pairing codes. Durable entities
// that the spec calls out as UUIDs (ActionProposal) use google/uuid
// directly instead; this package is for everything else.
package idgen

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sync/atomic"
	"time"
)

var counter uint32

// New returns a 12-byte ObjectID-like string (24 hex characters):
// 4-byte unix timestamp, 5 random bytes, 3-byte atomic counter.
func New() string {
	var b [12]byte
	binary.BigEndian.PutUint32(b[0:4], uint32(time.Now().Unix()))
	_, _ = rand.Read(b[4:9])
	c := atomic.AddUint32(&counter, 1) % 0xFFFFFF
	b[9] = byte(c >> 16)
	b[10] = byte(c >> 8)
	b[11] = byte(c)
	return hex.EncodeToString(b[:])
}

// TimeOf extracts the creation time encoded in the leading 8 hex chars of
// an id minted by New.
func TimeOf(id string) (time.Time, error) {
	if len(id) < 8 {
		return time.Time{}, fmt.Errorf("id too short: %d", len(id))
	}
	b, err := hex.DecodeString(id[:8])
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(int64(binary.BigEndian.Uint32(b)), 0), nil
}

// pairingAlphabet excludes 0/1/I/O, which are easy to confuse when a code
// is read aloud or typed from a phone screen.
const pairingAlphabet = "23456789ABCDEFGHJKLMNPQRSTUVWXYZ"

// PairingCode returns an 8-character code drawn uniformly from
// pairingAlphabet, retrying against exists until it finds one that isn't
// already in use.
func PairingCode(exists func(code string) bool) (string, error) {
	for attempt := 0; attempt < 100; attempt++ {
		code, err := randomCode(8)
		if err != nil {
			return "", err
		}
		if exists == nil || !exists(code) {
			return code, nil
		}
	}
	return "", fmt.Errorf("idgen: could not find unused pairing code after 100 attempts")
}

func randomCode(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("idgen: read random bytes: %w", err)
	}
	out := make([]byte, n)
	for i, b := range buf {
		out[i] = pairingAlphabet[int(b)%len(pairingAlphabet)]
	}
	return string(out), nil
}
