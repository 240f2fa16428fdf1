package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// Tests mutate package variables, so they run sequentially.

func TestString(t *testing.T) {
	assert.Equal(t, "dev (commit: none, built: unknown)", String())
}

func TestShortCommit(t *testing.T) {
	orig := Commit
	t.Cleanup(func() { Commit = orig })

	Commit = "0123456789abcdef"
	assert.Equal(t, "0123456", ShortCommit())
	assert.Contains(t, String(), "commit: 0123456,")

	Commit = "abc"
	assert.Equal(t, "abc", ShortCommit())
}
