package keyhash_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dcbickfo/embedpipe/internal/keyhash"
)

func TestSum(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{name: "empty", in: ""},
		{name: "short", in: "hello"},
		{name: "long", in: strings.Repeat("long message body ", 1000)},
		{name: "unicode", in: "héllo wörld ✓"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := keyhash.Sum(tt.in)
			assert.Len(t, got, keyhash.Size)
			assert.Equal(t, got, keyhash.Sum(tt.in), "must be deterministic")
		})
	}

	assert.NotEqual(t, keyhash.Sum("a"), keyhash.Sum("b"))
	// sha256("hello") = 2cf24dba5fb0a30e26e83b2ac5b9e29e...
	assert.Equal(t, "2cf24dba5fb0a30e26e83b2ac5b9e29e", keyhash.Sum("hello"))
}
