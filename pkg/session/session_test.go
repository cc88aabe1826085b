package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewID_Length(t *testing.T) {
	id := NewID()

	assert.Len(t, id, idLength)

	for _, c := range id {
		assert.Contains(t, alphabet, string(c))
	}
}

func TestNewID_Distinct(t *testing.T) {
	a := NewID()
	b := NewID()

	assert.NotEqual(t, a, b)
}

func TestNewID_CollisionRate(t *testing.T) {
	const sample = 100000

	seen := make(map[string]struct{}, sample)
	for range sample {
		seen[NewID()] = struct{}{}
	}

	assert.Len(t, seen, sample)
}
