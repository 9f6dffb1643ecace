package construct

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"distmesh/internal/comm"
	"distmesh/internal/mesh"
	"distmesh/internal/meshgen"
)

// rankState is what one rank built during a test world.
type rankState struct {
	mesh *mesh.Mesh
	g2v  *GlobalToVert
}

func runWorld(t *testing.T, peers int, opts comm.Options, fn func(ctx context.Context, b *Builder, st *rankState) error) ([]*rankState, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	if opts.Logger == nil {
		opts.Logger = zaptest.NewLogger(t)
	}
	states := make([]*rankState, peers)
	comms := comm.NewLocalWorld(peers, opts)
	err := comm.RunWorld(ctx, comms, func(ctx context.Context, c *comm.Comm) error {
		b, err := New(c, Options{Logger: opts.Logger})
		if err != nil {
			return err
		}
		m, err := mesh.New(2, c.Self())
		if err != nil {
			return err
		}
		st := &rankState{mesh: m, g2v: NewGlobalToVert()}
		states[c.Self()] = st
		return fn(ctx, b, st)
	})
	return states, err
}

func constructGrid(parts []meshgen.Part) func(ctx context.Context, b *Builder, st *rankState) error {
	return func(ctx context.Context, b *Builder, st *rankState) error {
		p := parts[b.Comm().Self()]
		if err := b.Construct(ctx, st.mesh, p.Conn, p.Nelem, p.Etype, st.g2v); err != nil {
			return err
		}
		if err := b.SetCoords(ctx, st.mesh, p.Coords, p.Nverts(), st.g2v); err != nil {
			return err
		}
		if p.Matches != nil {
			if err := b.SetMatches(ctx, st.mesh, p.Matches, p.Nverts(), st.g2v); err != nil {
				return err
			}
		}
		return b.Verify(ctx, st.mesh)
	}
}

func residenceOf(t *testing.T, st *rankState, gid Gid) []int {
	t.Helper()
	v, ok := st.g2v.Get(gid)
	require.True(t, ok, "gid %d not held by rank %d", gid, st.mesh.Self())
	return st.mesh.Residence(v)
}

func TestResidenceTwoRanks(t *testing.T) {
	conns := [][]Gid{{0, 1, 2}, {2, 3, 0}}
	states, err := runWorld(t, 2, comm.Options{}, func(ctx context.Context, b *Builder, st *rankState) error {
		return b.Construct(ctx, st.mesh, conns[b.Comm().Self()], 1, mesh.Triangle, st.g2v)
	})
	require.NoError(t, err)

	for _, st := range states {
		assert.Equal(t, []int{0, 1}, residenceOf(t, st, 0))
		assert.Equal(t, []int{0, 1}, residenceOf(t, st, 2))
	}
	assert.Equal(t, []int{0}, residenceOf(t, states[0], 1))
	assert.Equal(t, []int{1}, residenceOf(t, states[1], 3))
	assert.False(t, states[0].g2v.Has(3))
	assert.False(t, states[1].g2v.Has(1))

	v0, _ := states[0].g2v.Get(0)
	assert.True(t, states[0].mesh.IsOwned(v0))
	w0, _ := states[1].g2v.Get(0)
	assert.False(t, states[1].mesh.IsOwned(w0))
}

func TestRemoteLinksSymmetric(t *testing.T) {
	parts, err := meshgen.Grid(4, 4, 4, false)
	require.NoError(t, err)
	states, err := runWorld(t, 4, comm.Options{}, constructGrid(parts))
	require.NoError(t, err)

	for rank, st := range states {
		for it := st.mesh.Iterate(0); it.Valid(); it.Next() {
			v := it.Entity()
			for _, rc := range st.mesh.Remotes(v) {
				back, ok := states[rc.Peer].mesh.Remote(rc.Entity, rank)
				require.True(t, ok)
				assert.Equal(t, v, back)
				assert.Equal(t, st.mesh.Residence(v), states[rc.Peer].mesh.Residence(rc.Entity))
			}
		}
	}
}

func TestResidenceMatchesClaimants(t *testing.T) {
	parts, err := meshgen.Grid(3, 5, 3, false)
	require.NoError(t, err)
	states, err := runWorld(t, 3, comm.Options{}, constructGrid(parts))
	require.NoError(t, err)

	holders := make(map[Gid][]int)
	for rank, p := range parts {
		seen := make(map[Gid]bool)
		for _, gid := range p.Conn {
			if !seen[gid] {
				seen[gid] = true
				holders[gid] = append(holders[gid], rank)
			}
		}
	}
	for gid, ranks := range holders {
		for _, rank := range ranks {
			assert.Equal(t, ranks, residenceOf(t, states[rank], gid), "gid %d on rank %d", gid, rank)
		}
	}
	owned := 0
	for _, st := range states {
		owned += st.mesh.CountOwned(0)
	}
	assert.Equal(t, len(holders), owned)
}

type frameCounter struct {
	frames atomic.Int64
	rounds atomic.Int64
}

func (f *frameCounter) ObserveRound(int)      { f.rounds.Add(1) }
func (f *frameCounter) ObserveFrame(int, int) { f.frames.Add(1) }

func TestSingleRankStaysLocal(t *testing.T) {
	parts, err := meshgen.Grid(2, 2, 1, true)
	require.NoError(t, err)
	counter := &frameCounter{}
	states, err := runWorld(t, 1, comm.Options{Observer: counter}, constructGrid(parts))
	require.NoError(t, err)

	assert.Zero(t, counter.frames.Load())
	assert.Positive(t, counter.rounds.Load())
	st := states[0]
	for it := st.mesh.Iterate(0); it.Valid(); it.Next() {
		assert.Equal(t, []int{0}, st.mesh.Residence(it.Entity()))
		assert.Empty(t, st.mesh.Remotes(it.Entity()))
	}
	assert.Equal(t, 9, st.mesh.CountOwned(0))
}

func TestConstructReusesMappedVertices(t *testing.T) {
	states, err := runWorld(t, 1, comm.Options{}, func(ctx context.Context, b *Builder, st *rankState) error {
		if err := b.Construct(ctx, st.mesh, []Gid{0, 1, 2}, 1, mesh.Triangle, st.g2v); err != nil {
			return err
		}
		return b.Construct(ctx, st.mesh, []Gid{2, 1, 3}, 1, mesh.Triangle, st.g2v)
	})
	require.NoError(t, err)
	assert.Equal(t, 4, states[0].mesh.Count(0))
	assert.Equal(t, 2, states[0].mesh.Count(2))
	assert.Equal(t, 4, states[0].g2v.Len())
}

func TestConstructRejectsBadInput(t *testing.T) {
	cases := []struct {
		name  string
		conn  []Gid
		nelem int
		etype mesh.Type
		want  error
	}{
		{"negative id", []Gid{0, -1, 2}, 1, mesh.Triangle, ErrContractViolation},
		{"id wider than 32 bits", []Gid{0, 1, 1 << 31}, 1, mesh.Triangle, ErrIDOverflow},
		{"short connectivity", []Gid{0, 1}, 1, mesh.Triangle, ErrContractViolation},
		{"wrong dimension", []Gid{0, 1, 2, 3}, 1, mesh.Tet, ErrContractViolation},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := runWorld(t, 1, comm.Options{}, func(ctx context.Context, b *Builder, st *rankState) error {
				return b.Construct(ctx, st.mesh, tc.conn, tc.nelem, tc.etype, st.g2v)
			})
			require.ErrorIs(t, err, tc.want)
		})
	}
}

func TestNewValidatesIDBits(t *testing.T) {
	c := comm.NewLocalWorld(1, comm.Options{})[0]
	_, err := New(c, Options{IDBits: 16})
	require.Error(t, err)
	b, err := New(c, Options{IDBits: 64})
	require.NoError(t, err)
	assert.NoError(t, b.checkID(1<<40))
	b, err = New(c, Options{})
	require.NoError(t, err)
	assert.ErrorIs(t, b.checkID(1<<40), ErrIDOverflow)
}

func TestGlobalToVertOrdered(t *testing.T) {
	g := NewGlobalToVert()
	assert.Equal(t, Gid(-1), g.Max())
	g.Set(7, mesh.Entity(3))
	g.Set(2, mesh.Entity(1))
	g.Set(5, mesh.Entity(2))
	g.Set(2, mesh.Entity(9))

	var gids []Gid
	g.Ascend(func(gid Gid, _ mesh.Entity) bool {
		gids = append(gids, gid)
		return true
	})
	assert.Equal(t, []Gid{2, 5, 7}, gids)
	assert.Equal(t, Gid(7), g.Max())
	v, ok := g.Get(2)
	require.True(t, ok)
	assert.Equal(t, mesh.Entity(9), v)
	assert.Equal(t, map[mesh.Entity]Gid{9: 2, 2: 5, 3: 7}, g.Inverse())
}
