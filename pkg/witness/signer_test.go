package witness

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEd25519Signer_SignVerify(t *testing.T) {
	s, err := NewEd25519Signer("agent-1")
	require.NoError(t, err)

	sig, err := s.Sign([]byte("hello"))
	require.NoError(t, err)
	assert.Len(t, sig, 88)

	ok, err := VerifySignature(s.PublicKey(), []byte("hello"), sig)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = VerifySignature(s.PublicKey(), []byte("tampered"), sig)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerifySignature_BadEncoding(t *testing.T) {
	s, err := NewEd25519Signer("agent-1")
	require.NoError(t, err)
	_, err = VerifySignature(s.PublicKey(), []byte("x"), "not base64!")
	require.ErrorIs(t, err, ErrInvalidSignature)
}

func TestDeriveWitness_Deterministic(t *testing.T) {
	seed := []byte("0123456789abcdef0123456789abcdef")
	w1, err := DeriveWitness(seed, "WITNESS:alpha")
	require.NoError(t, err)
	w2, err := DeriveWitness(seed, "WITNESS:alpha")
	require.NoError(t, err)
	w3, err := DeriveWitness(seed, "WITNESS:beta")
	require.NoError(t, err)

	assert.Equal(t, w1.PublicKey(), w2.PublicKey())
	assert.NotEqual(t, w1.PublicKey(), w3.PublicKey())
	assert.Equal(t, "WITNESS:alpha", w1.ID())
}

func TestDeriveWitness_Rejects(t *testing.T) {
	_, err := DeriveWitness(nil, "WITNESS:alpha")
	require.ErrorIs(t, err, ErrEmptySeed)

	_, err = DeriveWitness([]byte("seed"), "alpha")
	require.ErrorIs(t, err, ErrInvalidWitnessID)

	_, err = DeriveWitness([]byte("seed"), "WITNESS:")
	require.ErrorIs(t, err, ErrInvalidWitnessID)
}

func TestNewWitnessID(t *testing.T) {
	id := NewWitnessID()
	assert.True(t, strings.HasPrefix(id, Prefix))
	assert.NotEqual(t, id, NewWitnessID())
}

func TestDeriveAuthor_SeparateFromWitness(t *testing.T) {
	seed := []byte("master-seed")
	a, err := DeriveAuthor(seed, "agent-1")
	require.NoError(t, err)
	a2, err := DeriveAuthor(seed, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, a.PublicKey(), a2.PublicKey())

	w, err := DeriveWitness(seed, Prefix+"agent-1")
	require.NoError(t, err)
	assert.NotEqual(t, a.PublicKey(), w.PublicKey())

	_, err = DeriveAuthor(nil, "agent-1")
	assert.ErrorIs(t, err, ErrEmptySeed)
	_, err = DeriveAuthor(seed, "")
	assert.Error(t, err)
}
