package outbound_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorrc/event-gateway/internal/adapters/secondary/outbound"
)

func TestSign(t *testing.T) {
	body := []byte(`{"type":"JobCompleted","job_id":"11111111-2222-3333-4444-555555555555","job_kind":"embedding"}`)

	// Known-answer vector so a receiver implementation in any language can
	// be checked against the same inputs.
	sig := outbound.Sign("whsec_8a1f0c3d", body)
	assert.Equal(t, "sha256=ae4d8e9d9f2b58b854380f3d06428659fcb083bb10ddf7a081d86b376fe8908c", sig)

	require.Len(t, sig, len("sha256=")+64)
	assert.NotEqual(t, sig, outbound.Sign("other-secret", body))
	assert.NotEqual(t, sig, outbound.Sign("whsec_8a1f0c3d", []byte(`{}`)))
}

func TestVerifySignature(t *testing.T) {
	secret := "whsec_8a1f0c3d"
	body := []byte(`{"type":"JobQueued","job_id":"11111111-2222-3333-4444-555555555555","job_kind":"ocr"}`)
	sig := outbound.Sign(secret, body)

	assert.True(t, outbound.VerifySignature(secret, body, sig))
	assert.False(t, outbound.VerifySignature(secret, append(body, ' '), sig))
	assert.False(t, outbound.VerifySignature("wrong-secret", body, sig))
	assert.False(t, outbound.VerifySignature(secret, body, "sha256=deadbeef"))
	assert.False(t, outbound.VerifySignature(secret, body, ""))
}
