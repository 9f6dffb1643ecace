package meshgen

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"distmesh/internal/mesh"
)

func TestGridCoversEveryCellAndVertex(t *testing.T) {
	parts, err := Grid(3, 4, 3, false)
	require.NoError(t, err)
	require.Len(t, parts, 3)

	elems, verts := 0, 0
	for _, p := range parts {
		assert.Equal(t, mesh.Triangle, p.Etype)
		assert.Len(t, p.Conn, 3*p.Nelem)
		assert.Nil(t, p.Matches)
		elems += p.Nelem
		verts += p.Nverts()
	}
	assert.Equal(t, 2*3*4, elems)
	assert.Equal(t, 4*5, verts)

	// the first run is the smallest
	assert.Less(t, parts[0].Nverts(), parts[2].Nverts())
	assert.Equal(t, []float64{0, 0, 0}, parts[0].Coords[:3])
}

func TestGridPeriodicMatches(t *testing.T) {
	parts, err := Grid(2, 1, 1, true)
	require.NoError(t, err)
	require.Len(t, parts, 1)
	assert.Equal(t, []int64{2, -1, 0, 5, -1, 3}, parts[0].Matches)
	assert.Equal(t, []int64{0, 1, 4, 0, 4, 3, 1, 2, 5, 1, 5, 4}, parts[0].Conn)
}

func TestGridMorePartsThanRows(t *testing.T) {
	parts, err := Grid(2, 1, 3, false)
	require.NoError(t, err)
	withElems := 0
	for _, p := range parts {
		if p.Nelem > 0 {
			withElems++
		}
	}
	assert.Equal(t, 1, withElems)
	total := 0
	for _, p := range parts {
		total += p.Nverts()
	}
	assert.Equal(t, 6, total)
}

func TestGridRejectsBadSize(t *testing.T) {
	_, err := Grid(0, 1, 1, false)
	require.Error(t, err)
	_, err = Grid(1, 1, 0, false)
	require.Error(t, err)
}
