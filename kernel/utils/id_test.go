package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGenerateIDIsUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := GenerateID()
		assert.Regexp(t, `^[0-9a-f]{12,}$`, id)
		assert.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}
