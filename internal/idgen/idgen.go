// Package idgen provides cryptographically random identifiers.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
)

// Crockford's base32 alphabet: no I, L, O or U, so references survive being
// read aloud or typed from a screenshot.
const transactionAlphabet = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

// TransactionIDLength is the number of random characters after "TXN-".
const TransactionIDLength = 10

// TransactionID returns a human-referenceable deal reference such as
// "TXN-7K3M9QXB2D".
func TransactionID() string {
	b := random(TransactionIDLength)
	out := make([]byte, 0, 4+TransactionIDLength)
	out = append(out, "TXN-"...)
	for _, v := range b {
		out = append(out, transactionAlphabet[v%32])
	}
	return string(out)
}

// IsTransactionID reports whether s has the shape produced by TransactionID.
func IsTransactionID(s string) bool {
	if len(s) != 4+TransactionIDLength || s[:4] != "TXN-" {
		return false
	}
	for i := 4; i < len(s); i++ {
		if !isTransactionChar(s[i]) {
			return false
		}
	}
	return true
}

func isTransactionChar(c byte) bool {
	for i := 0; i < len(transactionAlphabet); i++ {
		if transactionAlphabet[i] == c {
			return true
		}
	}
	return false
}

// WithPrefix generates a random ID with a prefix (e.g. "ak_", "req_").
// Result is prefix + 24 hex chars (12 random bytes).
func WithPrefix(prefix string) string {
	return prefix + hex.EncodeToString(random(12))
}

// Hex generates a random hex string of the given byte length.
func Hex(numBytes int) string {
	return hex.EncodeToString(random(numBytes))
}

func random(n int) []byte {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return b
}
