// Package ident generates and inspects the prefixed identifiers carried by
// every entity, and implements the key codec that makes arbitrary
// user-supplied map keys safe for the backing store.
package ident

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/google/uuid"
)

// Entity kind prefixes. The prefix is part of the id itself, so any
// well-formed id reveals what kind of entity it names.
const (
	PrefixAgent        = "agt"
	PrefixResource     = "res"
	PrefixGroup        = "grp"
	PrefixApplication  = "app"
	PrefixProcedure    = "prc"
	PrefixJob          = "job"
	PrefixSubscription = "sub"
)

const (
	alphabet   = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"
	encodedLen = 22
	prefixLen  = 3
)

// New returns a fresh identifier of the given kind: the prefix, a dash, and
// a random UUID encoded as 22 base62 characters.
func New(prefix string) string {
	return prefix + "-" + Encode(uuid.New())
}

// Encode renders a 128-bit value as exactly 22 base62 characters, zero-padded
// on the left.
func Encode(raw [16]byte) string {
	n := new(big.Int).SetBytes(raw[:])
	base := big.NewInt(62)
	rem := new(big.Int)
	buf := make([]byte, encodedLen)
	for i := encodedLen - 1; i >= 0; i-- {
		n.QuoRem(n, base, rem)
		buf[i] = alphabet[rem.Int64()]
	}
	return string(buf)
}

// Decode is the inverse of Encode.
func Decode(s string) ([16]byte, error) {
	var raw [16]byte
	if len(s) != encodedLen {
		return raw, fmt.Errorf("ident: encoded id must be %d characters, got %d", encodedLen, len(s))
	}
	n := new(big.Int)
	base := big.NewInt(62)
	digit := new(big.Int)
	for i := 0; i < len(s); i++ {
		d := strings.IndexByte(alphabet, s[i])
		if d < 0 {
			return raw, fmt.Errorf("ident: invalid character %q at position %d", s[i], i)
		}
		n.Mul(n, base).Add(n, digit.SetInt64(int64(d)))
	}
	// 62^22 slightly exceeds 2^128, so a few well-formed strings name values
	// that do not fit.
	if n.BitLen() > 128 {
		return raw, fmt.Errorf("ident: value out of range")
	}
	n.FillBytes(raw[:])
	return raw, nil
}

// Kind extracts the prefix from a well-formed id. ok is false when the value
// is not shaped like an id at all, letting callers fall back to name lookup.
func Kind(s string) (string, bool) {
	if len(s) != prefixLen+1+encodedLen || s[prefixLen] != '-' {
		return "", false
	}
	prefix := s[:prefixLen]
	switch prefix {
	case PrefixAgent, PrefixResource, PrefixGroup, PrefixApplication,
		PrefixProcedure, PrefixJob, PrefixSubscription:
	default:
		return "", false
	}
	for i := prefixLen + 1; i < len(s); i++ {
		if strings.IndexByte(alphabet, s[i]) < 0 {
			return "", false
		}
	}
	return prefix, true
}

// IsKind reports whether s is a well-formed id of the given kind.
func IsKind(s, kind string) bool {
	k, ok := Kind(s)
	return ok && k == kind
}
