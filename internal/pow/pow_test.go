package pow

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNonceRoundTrip(t *testing.T) {
	n, err := NewNonce()
	require.NoError(t, err)

	n2, err := NonceFromHex(n.String())
	require.NoError(t, err)
	require.Equal(t, n, n2)
}

func TestNonceFromHexRejectsWrongLength(t *testing.T) {
	_, err := NonceFromHex("abcd")
	require.Error(t, err)
}

func TestSolutionFromHexRejectsWrongLength(t *testing.T) {
	_, err := SolutionFromHex("aa")
	require.Error(t, err)
}

func TestLeadingZeroBitsAllZero(t *testing.T) {
	var h [32]byte
	require.Equal(t, 256, LeadingZeroBits(h))
}

func TestLeadingZeroBitsFirstByteNonzero(t *testing.T) {
	var h [32]byte
	h[0] = 0b00100000 // 2 leading zero bits
	require.Equal(t, 2, LeadingZeroBits(h))
}

func TestLeadingZeroBitsCrossesByteBoundary(t *testing.T) {
	var h [32]byte
	h[0] = 0x00
	h[1] = 0b00010000 // 3 leading zero bits in byte 1
	require.Equal(t, 8+3, LeadingZeroBits(h))
}

func TestVerifyFindsEasySolution(t *testing.T) {
	nonce, err := NewNonce()
	require.NoError(t, err)

	const difficulty = 8 // ~256 tries expected
	var sol Solution
	var counter uint64
	for {
		binary.BigEndian.PutUint64(sol[:], counter)
		if Verify(nonce, sol, difficulty) {
			break
		}
		counter++
		require.Less(t, counter, uint64(10_000_000), "solution not found in a reasonable search bound")
	}

	require.True(t, Verify(nonce, sol, difficulty))
	require.False(t, Verify(nonce, sol, difficulty+40))
}

func TestVerifyDifferentNonceDifferentHash(t *testing.T) {
	n1, err := NewNonce()
	require.NoError(t, err)
	n2, err := NewNonce()
	require.NoError(t, err)

	var sol Solution
	require.NotEqual(t, Hash(n1, sol), Hash(n2, sol))
}

func TestSaltLength(t *testing.T) {
	require.Len(t, Salt, 18)
}
