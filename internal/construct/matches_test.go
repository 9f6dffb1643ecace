package construct

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"distmesh/internal/comm"
	"distmesh/internal/mesh"
	"distmesh/internal/meshgen"
)

func sortedCopies(cs []mesh.Copy) []mesh.Copy {
	out := append([]mesh.Copy(nil), cs...)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Peer != out[j].Peer {
			return out[i].Peer < out[j].Peer
		}
		return out[i].Entity < out[j].Entity
	})
	return out
}

// copiesOf lists every (rank, handle) holding gid across the world.
func copiesOf(states []*rankState, gid Gid) []mesh.Copy {
	var out []mesh.Copy
	for rank, st := range states {
		if v, ok := st.g2v.Get(gid); ok {
			out = append(out, mesh.Copy{Peer: rank, Entity: v})
		}
	}
	return out
}

func TestSetMatchesPeriodicGrid(t *testing.T) {
	for _, peers := range []int{1, 2, 3} {
		parts, err := meshgen.Grid(3, 3, peers, true)
		require.NoError(t, err)
		partner := make(map[Gid]Gid)
		next := Gid(0)
		for _, p := range parts {
			for _, mg := range p.Matches {
				partner[next] = mg
				next++
			}
		}

		states, err := runWorld(t, peers, comm.Options{}, constructGrid(parts))
		require.NoError(t, err, "peers=%d", peers)

		for rank, st := range states {
			_, ok := st.mesh.FindTag(matchTagName)
			assert.False(t, ok)
			st.g2v.Ascend(func(gid Gid, v mesh.Entity) bool {
				mg := partner[gid]
				if mg == NoMatch {
					assert.Empty(t, st.mesh.Matches(v), "gid %d", gid)
					return true
				}
				want := append(copiesOf(states, mg), st.mesh.Remotes(v)...)
				assert.Equal(t, sortedCopies(want), sortedCopies(st.mesh.Matches(v)), "gid %d on rank %d, peers=%d", gid, rank, peers)
				for _, mc := range st.mesh.Matches(v) {
					assert.False(t, mc.Peer == rank && mc.Entity == v)
				}
				return true
			})
		}
	}
}

func TestSetMatchesRejectsSelfMatch(t *testing.T) {
	_, err := runWorld(t, 1, comm.Options{}, func(ctx context.Context, b *Builder, st *rankState) error {
		if err := b.Construct(ctx, st.mesh, []Gid{0, 1, 2}, 1, mesh.Triangle, st.g2v); err != nil {
			return err
		}
		return b.SetMatches(ctx, st.mesh, []Gid{2, 1, 0}, 3, st.g2v)
	})
	require.ErrorIs(t, err, ErrSelfMatch)
	require.ErrorIs(t, err, ErrContractViolation)
}

func TestSetMatchesRejectsUnknownPartner(t *testing.T) {
	_, err := runWorld(t, 1, comm.Options{}, func(ctx context.Context, b *Builder, st *rankState) error {
		if err := b.Construct(ctx, st.mesh, []Gid{0, 1, 2}, 1, mesh.Triangle, st.g2v); err != nil {
			return err
		}
		return b.SetMatches(ctx, st.mesh, []Gid{7, NoMatch, NoMatch}, 3, st.g2v)
	})
	require.ErrorIs(t, err, ErrContractViolation)
}

func TestSetMatchesAcrossRanks(t *testing.T) {
	// rank 0 holds 0 1 2, rank 1 holds 2 3 4; 0 and 4 are periodic partners
	conns := [][]Gid{{0, 1, 2}, {2, 3, 4}}
	matches := [][]Gid{{4, NoMatch}, {NoMatch, NoMatch, 0}}
	states, err := runWorld(t, 2, comm.Options{}, func(ctx context.Context, b *Builder, st *rankState) error {
		self := b.Comm().Self()
		if err := b.Construct(ctx, st.mesh, conns[self], 1, mesh.Triangle, st.g2v); err != nil {
			return err
		}
		if err := b.SetMatches(ctx, st.mesh, matches[self], len(matches[self]), st.g2v); err != nil {
			return err
		}
		return b.Verify(ctx, st.mesh)
	})
	require.NoError(t, err)

	v0, _ := states[0].g2v.Get(0)
	v4, _ := states[1].g2v.Get(4)
	assert.Equal(t, []mesh.Copy{{Peer: 1, Entity: v4}}, states[0].mesh.Matches(v0))
	assert.Equal(t, []mesh.Copy{{Peer: 0, Entity: v0}}, states[1].mesh.Matches(v4))
	v2, _ := states[0].g2v.Get(2)
	assert.Empty(t, states[0].mesh.Matches(v2))
	assert.True(t, states[0].mesh.HasMatching())
}

func TestSetMatchesReleasesTagOnFailure(t *testing.T) {
	states, err := runWorld(t, 1, comm.Options{}, func(ctx context.Context, b *Builder, st *rankState) error {
		if err := b.Construct(ctx, st.mesh, []Gid{0, 1, 2}, 1, mesh.Triangle, st.g2v); err != nil {
			return err
		}
		if err := b.SetMatches(ctx, st.mesh, []Gid{2, 1, 0}, 3, st.g2v); !errors.Is(err, ErrSelfMatch) {
			return fmt.Errorf("first attempt: %v", err)
		}
		if _, ok := st.mesh.FindTag(matchTagName); ok {
			return fmt.Errorf("%s still registered", matchTagName)
		}
		return b.SetMatches(ctx, st.mesh, []Gid{2, NoMatch, 0}, 3, st.g2v)
	})
	require.NoError(t, err)
	v0, _ := states[0].g2v.Get(0)
	v2, _ := states[0].g2v.Get(2)
	assert.Equal(t, []mesh.Copy{{Peer: 0, Entity: v2}}, states[0].mesh.Matches(v0))
}

func TestSetMatchesTagTakenBeforeAnyRound(t *testing.T) {
	frames := &frameCounter{}
	_, err := runWorld(t, 2, comm.Options{Observer: frames}, func(ctx context.Context, b *Builder, st *rankState) error {
		if _, err := st.mesh.CreateIntTag(matchTagName, 1); err != nil {
			return err
		}
		return b.SetMatches(ctx, st.mesh, nil, 0, st.g2v)
	})
	require.ErrorIs(t, err, mesh.ErrTagExists)
	assert.Zero(t, frames.rounds.Load())
	assert.Zero(t, frames.frames.Load())
}
