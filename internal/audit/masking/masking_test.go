package masking

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMaskEmail(t *testing.T) {
	assert.Equal(t, "a****@example.com", MaskEmail(" alice@example.com "))
	assert.Equal(t, "****", MaskEmail("not-an-email"))
	assert.Equal(t, "", MaskEmail(""))
}

func TestMaskFields(t *testing.T) {
	in := map[string]any{
		"email":   "bob@example.com",
		"user_id": "42",
		"smtp":    map[string]any{"password": "hunter2", "host": "mail"},
	}
	out := MaskFields(in, "email", "password")

	assert.Equal(t, "b****@example.com", out["email"])
	assert.Equal(t, "42", out["user_id"])
	assert.Equal(t, map[string]any{"password": "****", "host": "mail"}, out["smtp"])
	assert.Equal(t, "bob@example.com", in["email"])
}
