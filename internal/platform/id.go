package platform

import (
	"crypto/rand"

	"github.com/google/uuid"
)

// NewID returns a fresh identifier for persisted entities. UUID v4 in the
// canonical dashed form, same shape everywhere so log greps stay simple.
func NewID() string {
	return uuid.New().String()
}

const nameAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// NewName returns prefix plus a 10 character lowercase suffix, for
// throwaway names (temp files, scratch containers) that only need to be
// unique within one host.
func NewName(prefix string) string {
	suffix := make([]byte, 10)
	if _, err := rand.Read(suffix); err != nil {
		panic("crypto/rand: " + err.Error())
	}
	for i, b := range suffix {
		suffix[i] = nameAlphabet[int(b)%len(nameAlphabet)]
	}
	return prefix + string(suffix)
}
