// Package session mints the opaque identifiers that tie a trigger request to
// its event stream.
package session

import "math/rand/v2"

const (
	idLength = 10
	alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
)

// NewID returns a fresh session identifier. Ids are random alphanumeric
// strings; uniqueness is probabilistic, which is sufficient for correlating
// one run's events within a single client.
func NewID() string {
	b := make([]byte, idLength)
	for i := range b {
		b[i] = alphabet[rand.IntN(len(alphabet))]
	}

	return string(b)
}
