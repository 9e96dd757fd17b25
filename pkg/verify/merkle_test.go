package verify

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMerkle_EveryLeafProves(t *testing.T) {
	l := buildLedger(t, 7)
	for n := 1; n <= 7; n++ {
		tree, err := BuildTree(l.events[:n])
		require.NoError(t, err)
		require.NotEmpty(t, tree.Root)
		assert.Len(t, tree.Leaves(), n)
		for _, ev := range l.events[:n] {
			proof, err := tree.Prove(ev.Sequence)
			require.NoError(t, err)
			assert.True(t, VerifyInclusion(*proof, tree.Root), "n=%d seq=%d", n, ev.Sequence)
		}
	}
}

func TestMerkle_RejectsForgery(t *testing.T) {
	l := buildLedger(t, 5)
	tree, err := BuildTree(l.events)
	require.NoError(t, err)

	proof, err := tree.Prove(3)
	require.NoError(t, err)

	forged := *proof
	forged.ContentHash = l.events[0].ContentHash
	assert.False(t, VerifyInclusion(forged, tree.Root))

	forged = *proof
	forged.Sequence = 4
	assert.False(t, VerifyInclusion(forged, tree.Root))

	assert.False(t, VerifyInclusion(*proof, l.events[0].ContentHash))

	forged = *proof
	forged.ProofPath = append([]ProofStep(nil), proof.ProofPath...)
	forged.ProofPath[0].Side = "X"
	assert.False(t, VerifyInclusion(forged, ""))

	_, err = tree.Prove(42)
	assert.ErrorIs(t, err, ErrNotInTree)
}

func TestMerkle_OrderIndependentInput(t *testing.T) {
	l := buildLedger(t, 4)
	a, err := BuildTree(l.events)
	require.NoError(t, err)
	evs := cloneEvents(l.events)
	evs[0], evs[3] = evs[3], evs[0]
	b, err := BuildTree(evs)
	require.NoError(t, err)
	assert.Equal(t, a.Root, b.Root)

	_, err = BuildTree(append(cloneEvents(l.events), l.events[1]))
	assert.Error(t, err)

	empty, err := BuildTree(nil)
	require.NoError(t, err)
	assert.Empty(t, empty.Root)
}

func TestCheckMerkle(t *testing.T) {
	l := buildLedger(t, 6)
	tree, err := BuildTree(l.events)
	require.NoError(t, err)

	assert.True(t, CheckMerkle(l.events, 4, tree.Root).Valid)
	assert.True(t, CheckMerkle(l.events, 4, "").Valid)

	res := CheckMerkle(l.events[:5], 4, tree.Root)
	assert.False(t, res.Valid)
	assert.Contains(t, res.Reason, "does not match")

	res = CheckMerkle(l.events, 9, "")
	assert.False(t, res.Valid)
	assert.Equal(t, uint64(9), *res.FirstInvalid)
}
