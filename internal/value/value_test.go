package value

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNumberRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		bits uint64
	}{
		{"zero", math.Float64bits(0)},
		{"negative zero", math.Float64bits(math.Copysign(0, -1))},
		{"one", math.Float64bits(1)},
		{"positive infinity", math.Float64bits(math.Inf(1))},
		{"negative infinity", math.Float64bits(math.Inf(-1))},
		{"quiet NaN", math.Float64bits(math.NaN())},
		{"signaling NaN", 0x7FF4000000000001},
		{"smallest subnormal", math.Float64bits(math.SmallestNonzeroFloat64)},
		{"max finite", math.Float64bits(math.MaxFloat64)},
		{"pi", math.Float64bits(math.Pi)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			in := math.Float64frombits(tc.bits)
			v := Number(in)
			require.True(t, v.IsNumber(), "bit pattern %#x must box as a number", tc.bits)
			assert.Equal(t, tc.bits, math.Float64bits(v.AsNumber()), "round trip must be bitwise exact")
		})
	}
}

func TestZeroDividedByZeroIsStillANumber(t *testing.T) {
	v := Number(0.0 / func() float64 { return 0.0 }())
	require.True(t, v.IsNumber())
	assert.True(t, math.IsNaN(v.AsNumber()))
}

func TestSingletonsAreDisjoint(t *testing.T) {
	assert.True(t, Nil.IsNil())
	assert.True(t, True.IsBool())
	assert.True(t, False.IsBool())
	assert.False(t, Nil.IsBool())
	assert.False(t, True.IsNil())

	for _, v := range []Value{Nil, True, False} {
		assert.False(t, v.IsNumber())
		assert.False(t, v.IsString())
		assert.False(t, v.IsObject())
	}
	assert.NotEqual(t, Nil, False)
	assert.NotEqual(t, True, False)
}

func TestStringEncoding(t *testing.T) {
	v := String(0x00CAFE42)
	require.True(t, v.IsString())
	assert.Equal(t, uint32(0x00CAFE42), v.AsStringHandle())
	assert.False(t, v.IsNumber())
	assert.False(t, v.IsObject())
	assert.False(t, v.IsBool())
}

func TestObjectEncoding(t *testing.T) {
	kinds := []Kind{KindBoundMethod, KindInstance, KindClass, KindClosure, KindUpvalue, KindFunction, KindNative}
	for _, k := range kinds {
		v := Object(k, 1234)
		require.True(t, v.IsObject(), "kind %s", k)
		assert.True(t, v.IsObjectKind(k))
		assert.Equal(t, uint32(1234), v.AsObjectIndex())
		for _, other := range kinds {
			if other != k {
				assert.False(t, v.IsObjectKind(other))
			}
		}
	}
}

func TestStackRefIsNotAnObject(t *testing.T) {
	v := StackRef(77)
	require.True(t, v.IsStackRef())
	assert.Equal(t, uint32(77), v.StackSlot())
	assert.False(t, v.IsObject())
	assert.False(t, v.IsNumber())
	assert.False(t, v.IsString())
}

func TestIsFalsey(t *testing.T) {
	assert.True(t, Nil.IsFalsey())
	assert.True(t, False.IsFalsey())
	assert.False(t, True.IsFalsey())
	assert.False(t, Number(0).IsFalsey(), "zero is truthy")
	assert.False(t, String(EmptyishHandle).IsFalsey(), "every string is truthy")
}

// EmptyishHandle is an arbitrary handle for falsiness tests; the pool never
// hands out handle 1 for the empty string but truthiness must not care.
const EmptyishHandle = 1

func TestEquality(t *testing.T) {
	assert.True(t, Number(3).Equal(Number(3)))
	assert.False(t, Number(3).Equal(Number(4)))
	assert.True(t, Number(0).Equal(Number(0)))
	assert.False(t, Number(0).Equal(Number(math.Copysign(0, -1))), "0 and -0 differ bitwise")
	assert.True(t, String(9).Equal(String(9)))
	assert.False(t, String(9).Equal(String(10)))
	assert.True(t, Object(KindInstance, 4).Equal(Object(KindInstance, 4)))
	assert.False(t, Object(KindInstance, 4).Equal(Object(KindClass, 4)), "same index, different pool")
	assert.False(t, Number(3).Equal(String(3)))
}

func TestKindNames(t *testing.T) {
	assert.Equal(t, "number", Number(1).Kind())
	assert.Equal(t, "nil", Nil.Kind())
	assert.Equal(t, "boolean", True.Kind())
	assert.Equal(t, "string", String(5).Kind())
	assert.Equal(t, "class", Object(KindClass, 0).Kind())
	assert.Equal(t, "instance", Object(KindInstance, 0).Kind())
}
