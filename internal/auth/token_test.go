package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVerify_Missing(t *testing.T) {
	v := NewVerifier("s3cret")
	assert.ErrorIs(t, v.Verify(""), ErrMissingToken)
}

func TestVerify_Incorrect(t *testing.T) {
	v := NewVerifier("s3cret")
	assert.ErrorIs(t, v.Verify("wrong"), ErrInvalidToken)
}

func TestVerify_Correct(t *testing.T) {
	v := NewVerifier("s3cret")
	assert.NoError(t, v.Verify("s3cret"))
}
