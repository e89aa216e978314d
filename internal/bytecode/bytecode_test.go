package bytecode

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunkWriteAndLineMap(t *testing.T) {
	var c Chunk
	c.WriteOp(OpConstant, 1)
	c.WriteByte(0, 1)
	c.WriteOp(OpPrint, 1)
	c.WriteOp(OpNil, 3)
	c.WriteOp(OpReturn, 3)

	require.Len(t, c.Code, 5)
	// The first three bytes came from line 1, the last two from line 3.
	for offset, want := range []int{1, 1, 1, 3, 3} {
		assert.Equal(t, want, c.LineAt(offset), "offset %d", offset)
	}
}

func TestLineAtPastEndReturnsLastLine(t *testing.T) {
	var c Chunk
	c.WriteOp(OpReturn, 7)
	assert.Equal(t, 7, c.LineAt(100))
}

func TestLineAtOnEmptyChunk(t *testing.T) {
	var c Chunk
	assert.Equal(t, 0, c.LineAt(0))
}

func TestWriteUint16IsBigEndian(t *testing.T) {
	var c Chunk
	c.WriteUint16(0x1234, 1)
	require.Len(t, c.Code, 2)
	assert.Equal(t, byte(0x12), c.Code[0])
	assert.Equal(t, byte(0x34), c.Code[1])
}

func TestAddConstantEnforcesTheCap(t *testing.T) {
	var c Chunk
	for i := 0; i < MaxConstants; i++ {
		idx, err := c.AddConstant(NumberConstant(float64(i)))
		require.NoError(t, err)
		require.Equal(t, i, idx)
	}
	_, err := c.AddConstant(NumberConstant(256))
	require.Error(t, err, "the 257th constant must be rejected")
	assert.Contains(t, err.Error(), "too many constants")
	assert.Len(t, c.Constants, MaxConstants)
}

func TestConstantConstructors(t *testing.T) {
	n := NumberConstant(2.5)
	assert.Equal(t, ConstantNumber, n.Kind)
	assert.Equal(t, 2.5, n.Num)

	s := StringConstant("name")
	assert.Equal(t, ConstantString, s.Kind)
	assert.Equal(t, "name", s.Str)

	f := FunctionConstant(3)
	assert.Equal(t, ConstantFunction, f.Kind)
	assert.Equal(t, 3, f.FunctionIndex)
}

func TestFunctionTableAdd(t *testing.T) {
	var table FunctionTable
	assert.Equal(t, 0, table.Add(Function{Name: "<script>"}))
	assert.Equal(t, 1, table.Add(Function{Name: "helper"}))
	assert.Equal(t, "helper", table.Functions[1].Name)
}

func TestOpCodeNames(t *testing.T) {
	assert.Equal(t, "OP_CONSTANT", OpConstant.String())
	assert.Equal(t, "OP_SUPER_INVOKE", OpSuperInvoke.String())
	assert.Contains(t, OpCode(250).String(), "OP_UNKNOWN")
}
