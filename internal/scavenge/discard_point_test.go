package scavenge

import (
	"bytes"
	"math"
	"sort"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"
)

func TestDiscardPointConstructors(t *testing.T) {
	require.True(t, KeepAll.IsKeepAll())
	require.False(t, KeepAll.ShouldDiscard(0))
	require.Equal(t, DiscardBefore(3), DiscardIncluding(2))
	require.True(t, DiscardIncluding(2).ShouldDiscard(2))
	require.False(t, DiscardIncluding(2).ShouldDiscard(3))
	require.Equal(t, KeepAll, DiscardBefore(-5))
	require.Equal(t, int64(math.MaxInt64), DiscardIncluding(math.MaxInt64).FirstEventNumberToKeep())
	require.Equal(t, "KeepAll", KeepAll.String())
	require.Equal(t, "DiscardBefore(7)", DiscardBefore(7).String())
}

func TestDiscardIncludingSaturatesAtTombstone(t *testing.T) {
	d := DiscardIncluding(math.MaxInt64)
	require.Equal(t, DiscardBefore(math.MaxInt64), d)
	require.True(t, d.ShouldDiscard(math.MaxInt64-1))
	require.False(t, d.ShouldDiscard(math.MaxInt64), "tombstone event must survive")
	require.Equal(t, d, d.Or(DiscardIncluding(math.MaxInt64-1)))
}

func TestDiscardPointOrderLaws(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 200
	props := gopter.NewProperties(params)
	n := gen.Int64Range(0, 1<<40)

	props.Property("Or picks the larger boundary and is commutative", prop.ForAll(
		func(a, b int64) bool {
			x, y := DiscardBefore(a), DiscardBefore(b)
			or := x.Or(y)
			return or == y.Or(x) && !or.Less(x) && !or.Less(y) && (or == x || or == y)
		}, n, n))

	props.Property("KeepAll is the identity of Or", prop.ForAll(
		func(a int64) bool {
			x := DiscardBefore(a)
			return x.Or(KeepAll) == x && KeepAll.Or(x) == x
		}, n))

	props.Property("Compare agrees with Less", prop.ForAll(
		func(a, b int64) bool {
			x, y := DiscardBefore(a), DiscardBefore(b)
			switch x.Compare(y) {
			case -1:
				return x.Less(y) && !y.Less(x)
			case 1:
				return y.Less(x) && !x.Less(y)
			default:
				return !x.Less(y) && !y.Less(x)
			}
		}, n, n))

	props.Property("a larger point discards everything a smaller one does", prop.ForAll(
		func(a, b, e int64) bool {
			x, y := DiscardBefore(a), DiscardBefore(b)
			big := x.Or(y)
			return !x.ShouldDiscard(e) || big.ShouldDiscard(e)
		}, n, n, n))

	props.TestingRun(t)
}

func TestStreamHandleKeyOrder(t *testing.T) {
	handles := []StreamHandle{
		ForID("b-stream"),
		ForHash(math.MaxUint64),
		ForID("a-stream"),
		ForHash(1),
		ForHash(0x0100),
	}
	keys := make([][]byte, len(handles))
	for i, h := range handles {
		keys[i] = h.appendKey(nil)
	}
	sort.Slice(keys, func(i, j int) bool { return bytes.Compare(keys[i], keys[j]) < 0 })

	want := []StreamHandle{ForHash(1), ForHash(0x0100), ForHash(math.MaxUint64), ForID("a-stream"), ForID("b-stream")}
	for i, k := range keys {
		got, err := decodeHandle(k)
		require.NoError(t, err)
		require.Equal(t, want[i], got)
	}
}

func TestDecodeHandleRejectsGarbage(t *testing.T) {
	_, err := decodeHandle(nil)
	require.Error(t, err)
	_, err = decodeHandle([]byte{byte(handleHash), 1, 2})
	require.Error(t, err)
	_, err = decodeHandle([]byte{9})
	require.Error(t, err)
}

func TestStreamHandleString(t *testing.T) {
	require.Equal(t, "Hash(00000000000000ff)", ForHash(0xff).String())
	require.Equal(t, "Id(orders)", ForID("orders").String())
	require.Equal(t, "None", StreamHandle{}.String())
	require.True(t, StreamHandle{}.IsZero())
}
