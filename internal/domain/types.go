package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/pbaille/toxfilter/internal/dom"
)

// fingerprintPrefix is the number of leading runes that go into a Fingerprint
const fingerprintPrefix = 50

// Fingerprint is a cache key derived from a text's prefix and length.
// Distinct texts may share a fingerprint; it is not an identity key.
type Fingerprint string

// FingerprintOf returns the fingerprint for text
func FingerprintOf(text string) Fingerprint {
	prefix := text
	n := 0
	for i := range text {
		if n == fingerprintPrefix {
			prefix = text[:i]
			break
		}
		n++
	}

	key := prefix + ":" + strconv.Itoa(utf8.RuneCountInString(text))
	sum := sha256.Sum256([]byte(key))
	return Fingerprint(hex.EncodeToString(sum[:16]))
}

// ClassificationResult is the classifier's verdict on a piece of text
type ClassificationResult struct {
	CensoredText string `json:"censored_text"`
	IsToxic      bool   `json:"has_profanity"`
}

// FailOpen is the result used whenever classification cannot complete
func FailOpen(text string) ClassificationResult {
	return ClassificationResult{CensoredText: text, IsToxic: false}
}

// CacheEntry associates a fingerprint with a prior result
type CacheEntry struct {
	Fingerprint Fingerprint          `json:"fingerprint"`
	Result      ClassificationResult `json:"result"`
	InsertedAt  time.Time            `json:"inserted_at"`
}

// Settings is the live, user-editable configuration
type Settings struct {
	Enabled     bool   `json:"enabled"`
	APIEndpoint string `json:"apiEndpoint"`
}

// Fragment is a candidate text unit extracted from the tree
type Fragment struct {
	Key       Fingerprint
	RawText   string
	Node      dom.Node
	Processed bool
}
