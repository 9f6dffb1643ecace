package comm

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriterReader(t *testing.T) {
	var w Writer
	w.PutInt(-1)
	w.PutUint(math.MaxUint64)
	w.PutFloat64s([]float64{0.1, math.Inf(-1), -0})
	w.PutInts([]int64{3, 4})
	w.PutBytes([]byte("abc"))

	r := NewReader(w.Bytes())
	assert.Equal(t, int64(-1), r.Int())
	assert.Equal(t, uint64(math.MaxUint64), r.Uint())
	xyz := make([]float64, 3)
	r.Float64sInto(xyz)
	assert.Equal(t, math.Float64bits(0.1), math.Float64bits(xyz[0]))
	assert.True(t, math.IsInf(xyz[1], -1))
	assert.Equal(t, []int64{3, 4}, r.Ints(2))
	assert.Equal(t, []byte("abc"), r.Bytes())
	assert.Equal(t, 0, r.Len())
	require.NoError(t, r.Err())
}

func TestReaderShortReads(t *testing.T) {
	cases := []struct {
		name string
		read func(r *Reader)
		data []byte
	}{
		{"int", func(r *Reader) { r.Int() }, []byte{1, 2, 3}},
		{"ints", func(r *Reader) { r.Ints(2) }, make([]byte, 8)},
		{"negative count", func(r *Reader) { r.Ints(-1) }, nil},
		{"bytes", func(r *Reader) { r.Bytes() }, []byte{9, 0, 0, 0, 0, 0, 0, 0, 1}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := NewReader(tc.data)
			tc.read(r)
			require.ErrorIs(t, r.Err(), ErrShortRead)
			// sticky
			assert.Equal(t, int64(0), r.Int())
		})
	}
}
