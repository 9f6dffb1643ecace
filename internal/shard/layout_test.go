package shard

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLayoutUnevenRemainder(t *testing.T) {
	l := NewLayout(10, 3)

	sizes := []int64{l.Size(0), l.Size(1), l.Size(2)}
	require.Equal(t, []int64{3, 3, 4}, sizes)
	assert.Equal(t, 2, l.Broker(9))
	assert.Equal(t, int64(6), l.Offset(2))
	assert.Equal(t, int64(10), l.End(2))
}

func TestLayoutBrokerRouting(t *testing.T) {
	l := NewLayout(10, 3)
	cases := []struct {
		id   int64
		want int
	}{
		{0, 0}, {2, 0}, {3, 1}, {5, 1}, {6, 2}, {8, 2}, {9, 2},
	}
	for _, tc := range cases {
		if got := l.Broker(tc.id); got != tc.want {
			t.Fatalf("Broker(%d) = %d, want %d", tc.id, got, tc.want)
		}
		require.True(t, l.Contains(tc.want, tc.id))
	}
}

func TestLayoutSinglePeer(t *testing.T) {
	l := NewLayout(7, 1)
	for id := int64(0); id < 7; id++ {
		require.Equal(t, 0, l.Broker(id))
	}
	assert.Equal(t, int64(7), l.Size(0))
	assert.Equal(t, int64(0), l.Offset(0))
}

func TestLayoutDegenerate(t *testing.T) {
	empty := NewLayout(0, 4)
	for r := 0; r < 4; r++ {
		assert.Equal(t, int64(0), empty.Size(r))
	}

	// fewer ids than ranks: the last rank owns everything
	small := NewLayout(2, 4)
	assert.Equal(t, int64(0), small.Quotient())
	assert.Equal(t, 3, small.Broker(0))
	assert.Equal(t, 3, small.Broker(1))
	assert.Equal(t, int64(2), small.Size(3))
	assert.Equal(t, int64(0), small.Size(0))
}

func TestLayoutMonotonicAndCovering(t *testing.T) {
	for _, tc := range []struct {
		total int64
		peers int
	}{{1, 1}, {13, 4}, {100, 7}, {5, 5}, {64, 8}} {
		l := NewLayout(tc.total, tc.peers)
		var sum int64
		prev := 0
		for id := int64(0); id < tc.total; id++ {
			b := l.Broker(id)
			require.GreaterOrEqual(t, b, prev, "broker must not decrease")
			require.True(t, l.Contains(b, id))
			prev = b
		}
		for r := 0; r < tc.peers; r++ {
			sum += l.Size(r)
		}
		require.Equal(t, tc.total, sum)
	}
}
