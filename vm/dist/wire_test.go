package dist

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chazu/swarm/pkg/value"
)

func sampleValue() value.Value {
	inner := value.DetachedArray([]value.Value{
		value.FromInt(-7),
		value.FromFloat(2.5),
		value.True,
		value.False,
		value.Nil,
		value.DetachedString("héllo"),
	})
	return value.DetachedMap(
		[]string{"list", "who", "fn", "cl", "big"},
		[]value.Value{
			inner,
			value.FromPID(42),
			value.FromFunction(value.Function{Name: "worker", Arity: 2, Index: 3}),
			value.DetachedClosure(value.Function{Name: "adder", Arity: 1, Index: 1}, []value.Value{value.FromInt(10)}),
			value.FromInt(1 << 62),
		},
	)
}

func TestValue_CBORRoundTrip(t *testing.T) {
	v := sampleValue()
	data, err := MarshalValue(v)
	require.NoError(t, err)

	got, err := UnmarshalValue(data)
	require.NoError(t, err)
	assert.True(t, value.Equal(v, got), "got %v, want %v", got, v)
	assert.Equal(t, []string{"list", "who", "fn", "cl", "big"}, got.Map().Keys())
}

func TestValue_EncodingIsDeterministic(t *testing.T) {
	a, err := MarshalValue(sampleValue())
	require.NoError(t, err)
	b, err := MarshalValue(sampleValue())
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestValue_DecodedObjectsAreAdoptable(t *testing.T) {
	data, err := MarshalValue(sampleValue())
	require.NoError(t, err)
	got, err := UnmarshalValue(data)
	require.NoError(t, err)

	h := value.NewHeap(1, 0)
	require.NoError(t, h.Adopt(got))
	assert.Greater(t, h.Bytes(), int64(0))
}

func TestValue_CycleIsRejected(t *testing.T) {
	h := value.NewHeap(1, 0)
	arr, err := h.NewArray(1)
	require.NoError(t, err)
	require.NoError(t, arr.Array().Push(arr))

	_, err = MarshalValue(arr)
	assert.True(t, errors.Is(err, value.ErrCycleInDeepCopy), "err = %v", err)
}

func TestValue_SharedSubvalueIsNotACycle(t *testing.T) {
	shared := value.DetachedString("x")
	leaf := value.DetachedArray([]value.Value{shared})
	v := value.DetachedArray([]value.Value{leaf, leaf})
	_, err := MarshalValue(v)
	assert.NoError(t, err)
}

func TestValue_TooDeep(t *testing.T) {
	v := value.FromInt(0)
	for i := 0; i < maxValueDepth+5; i++ {
		v = value.DetachedArray([]value.Value{v})
	}
	_, err := MarshalValue(v)
	assert.Error(t, err)
}

func TestValue_GarbageFails(t *testing.T) {
	_, err := UnmarshalValue([]byte{0xff, 0x00, 0x13})
	assert.Error(t, err)

	// A map whose key and value counts disagree.
	bad, err := cborEncMode.Marshal(wireValue{Kind: value.KindMap, Keys: []string{"a", "b"}, Items: []wireValue{{Kind: value.KindNil}}})
	require.NoError(t, err)
	_, err = UnmarshalValue(bad)
	assert.Error(t, err)

	unknown, err := cborEncMode.Marshal(wireValue{Kind: 200})
	require.NoError(t, err)
	_, err = UnmarshalValue(unknown)
	assert.Error(t, err)
}
