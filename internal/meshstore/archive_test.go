package meshstore

import (
	"archive/tar"
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"distmesh/internal/mesh"
	"distmesh/internal/meshgen"
)

func TestArchiveRestore(t *testing.T) {
	for _, backend := range []Backend{BackendBolt, BackendPebble} {
		t.Run(string(backend), func(t *testing.T) {
			src := filepath.Join(t.TempDir(), "src")
			s, err := Open(src, backend)
			require.NoError(t, err)
			meta := Meta{Peers: 1, Dim: 2, Etype: mesh.Triangle, Vertices: 4}
			require.NoError(t, s.SetMeta(meta))
			part := meshgen.Part{Etype: mesh.Triangle, Nelem: 1, Conn: []int64{0, 1, 2}, Coords: []float64{0, 0, 0}}
			require.NoError(t, s.SaveInput(0, part))

			var buf bytes.Buffer
			require.ErrorIs(t, Archive(src, &buf), ErrLocked)
			require.NoError(t, s.Close())
			require.NoError(t, Archive(src, &buf))

			dst := filepath.Join(t.TempDir(), "dst")
			require.NoError(t, Restore(bytes.NewReader(buf.Bytes()), dst))

			restored, err := Open(dst, backend)
			require.NoError(t, err)
			defer restored.Close()
			got, err := restored.Meta()
			require.NoError(t, err)
			assert.Equal(t, meta, got)
			in, err := restored.LoadInput(0)
			require.NoError(t, err)
			assert.Equal(t, part, in)
		})
	}
}

// tarball builds a zstd compressed tar holding one regular file per name.
func tarball(t *testing.T, names ...string) []byte {
	t.Helper()
	var buf bytes.Buffer
	enc, err := zstd.NewWriter(&buf)
	require.NoError(t, err)
	tw := tar.NewWriter(enc)
	for _, name := range names {
		body := []byte("payload")
		require.NoError(t, tw.WriteHeader(&tar.Header{Name: name, Typeflag: tar.TypeReg, Mode: 0o644, Size: int64(len(body))}))
		_, err := tw.Write(body)
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, enc.Close())
	return buf.Bytes()
}

func TestRestoreRejectsBadArchiveAndKeepsStore(t *testing.T) {
	cases := []struct {
		name    string
		archive []byte
		errText string
	}{
		{"garbage", []byte("not an archive"), ""},
		{"escaping entry", tarball(t, "mesh.bolt", "../evil"), "escapes the store"},
		{"absolute entry", tarball(t, "/etc/evil"), "escapes the store"},
		{"lock file", tarball(t, lockFileName), "lock file"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			parent := t.TempDir()
			dir := filepath.Join(parent, "store")
			s, err := Open(dir, BackendBolt)
			require.NoError(t, err)
			meta := Meta{Peers: 2, Dim: 2, Etype: mesh.Triangle, Vertices: 9}
			require.NoError(t, s.SetMeta(meta))
			require.NoError(t, s.Close())

			err = Restore(bytes.NewReader(tc.archive), dir)
			require.Error(t, err)
			if tc.errText != "" {
				assert.Contains(t, err.Error(), tc.errText)
			}

			_, statErr := os.Stat(filepath.Join(parent, "evil"))
			assert.True(t, os.IsNotExist(statErr))
			siblings, err := os.ReadDir(parent)
			require.NoError(t, err)
			assert.Len(t, siblings, 1, "staging directory left behind")

			reopened, err := Open(dir, BackendBolt)
			require.NoError(t, err)
			defer reopened.Close()
			got, err := reopened.Meta()
			require.NoError(t, err)
			assert.Equal(t, meta, got)
		})
	}
}
