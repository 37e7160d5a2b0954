package hashing

import (
	"testing"

	"github.com/cespare/xxhash/v2"
	"github.com/spaolacci/murmur3"
	"github.com/stretchr/testify/require"
)

func TestStreamHashStable(t *testing.T) {
	a := StreamHash("orders-1")
	require.Equal(t, a, StreamHash("orders-1"))
	require.NotEqual(t, a, StreamHash("orders-2"))
}

func TestCombineLayout(t *testing.T) {
	require.Equal(t, uint64(0x0000000100000002), Combine(1, 2))
	h := StreamHash("x")
	require.Equal(t, uint32(xxhash.Sum64String("x")), uint32(h>>32))
	require.Equal(t, murmur3.Sum32([]byte("x")), uint32(h))
}

func TestHumanReadable(t *testing.T) {
	require.Equal(t, HumanReadable.Hash("a-stream1"), HumanReadable.Hash("a-streamOfInterest"))
	require.NotEqual(t, HumanReadable.Hash("a-stream1"), HumanReadable.Hash("b-stream2"))
	require.Equal(t, uint64(0), HumanReadable.Hash(""))
}
