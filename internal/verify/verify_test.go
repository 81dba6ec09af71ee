package verify

import (
	"bytes"
	"errors"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memFile struct {
	bytes.Buffer
	closed bool
}

func (m *memFile) Close() error {
	m.closed = true
	return nil
}

type recorder struct {
	files map[string]*memFile
	err   error
}

func (r *recorder) open(path string) (io.WriteCloser, error) {
	if r.err != nil {
		return nil, r.err
	}
	if r.files == nil {
		r.files = make(map[string]*memFile)
	}
	f := &memFile{}
	r.files[path] = f
	return f, nil
}

func matrix(n int) []float32 {
	m := make([]float32, n*n)
	for i := range m {
		m[i] = float32(i % 97)
	}
	return m
}

func TestIdentical(t *testing.T) {
	rec := &recorder{}
	v := New(nil, WithOpener(rec.open))
	c := matrix(32)
	res, err := v.Compare(c, append([]float32(nil), c...), 32, "data.txt")
	require.NoError(t, err)
	assert.True(t, res.Identical)
	assert.Zero(t, res.Errors)
	assert.Empty(t, rec.files, "no artifact for identical output")
}

func TestMismatchArtifact(t *testing.T) {
	for _, k := range []int{1, 5, 40} {
		rec := &recorder{}
		v := New(nil, WithOpener(rec.open))
		const n = 16
		ref := matrix(n)
		cand := append([]float32(nil), ref...)
		for i := 0; i < k; i++ {
			cand[(i*37)%(n*n)] += 1
		}

		res, err := v.Compare(cand, ref, n, "data.txt")
		require.NoError(t, err)
		assert.False(t, res.Identical)
		assert.Equal(t, k, res.Errors)
		assert.True(t, res.ArtifactWritten)
		require.Contains(t, rec.files, "data.txt")

		f := rec.files["data.txt"]
		assert.True(t, f.closed)
		out := f.String()
		assert.Equal(t, k, strings.Count(out, "!"))
		assert.Equal(t, n*n-k, strings.Count(out, "="))
		assert.Equal(t, n, strings.Count(out, "\n"))
	}
}

func TestArtifactLayout(t *testing.T) {
	rec := &recorder{}
	v := New(nil, WithOpener(rec.open))
	// Column-major 2x2: element (x, y) lives at x*2+y.
	ref := []float32{1, 2, 3, 4}
	cand := []float32{1, 2, 30, 4.5}

	res, err := v.Compare(cand, ref, 2, "grid.txt")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Errors)
	assert.Equal(t, "1=30!\n2=4!\n", rec.files["grid.txt"].String())
}

func TestLargeSizeCountsOnly(t *testing.T) {
	rec := &recorder{}
	v := New(nil, WithOpener(rec.open))
	n := MaxReportN + 1
	ref := make([]float32, n*n)
	cand := make([]float32, n*n)
	cand[0], cand[n*n/2], cand[n*n-1] = 1, 1, 1

	res, err := v.Compare(cand, ref, n, "data.txt")
	require.NoError(t, err)
	assert.Equal(t, 3, res.Errors)
	assert.False(t, res.ArtifactWritten)
	assert.Empty(t, res.ArtifactPath)
	assert.Empty(t, rec.files)
}

func TestArtifactOpenFailure(t *testing.T) {
	rec := &recorder{err: errors.New("read-only file system")}
	v := New(nil, WithOpener(rec.open))
	ref := matrix(8)
	cand := append([]float32(nil), ref...)
	cand[3] = -1

	res, err := v.Compare(cand, ref, 8, "data.txt")
	require.NoError(t, err, "artifact failures are not fatal")
	assert.Equal(t, 1, res.Errors)
	assert.False(t, res.ArtifactWritten)
	assert.Error(t, res.ArtifactErr)
	assert.Equal(t, "data.txt", res.ArtifactPath)
}

func TestWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.txt")
	v := New(nil)
	res, err := v.Compare([]float32{0, 1, 2, 3}, []float32{0, 1, 2, 4}, 2, path)
	require.NoError(t, err)
	require.True(t, res.ArtifactWritten)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "0=2=\n1=3!\n", string(data))

	_, err = New(nil).Compare([]float32{0}, []float32{1}, 1, filepath.Join(t.TempDir(), "missing", "data.txt"))
	require.NoError(t, err)
}

func TestBitwiseComparison(t *testing.T) {
	v := New(nil, WithOpener((&recorder{}).open))
	negZero := float32(math.Copysign(0, -1))
	res, err := v.Compare([]float32{negZero}, []float32{0}, 1, "data.txt")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Errors)

	nan := float32(math.NaN())
	res, err = v.Compare([]float32{nan}, []float32{nan}, 1, "data.txt")
	require.NoError(t, err)
	assert.True(t, res.Identical)
}

func TestTolerance(t *testing.T) {
	rec := &recorder{}
	v := New(nil, WithOpener(rec.open), WithTolerance(Tolerance{Rel: 1e-5}))
	ref := []float32{1000, 1000, 1000, 1000}
	cand := []float32{1000.001, 1000, 1001, 1000}

	res, err := v.Compare(cand, ref, 2, "data.txt")
	require.NoError(t, err)
	assert.False(t, res.Identical)
	assert.Equal(t, 1, res.Errors)
	assert.Equal(t, "1000=1001!\n1000=1000=\n", rec.files["data.txt"].String())
}

func TestSizeMismatch(t *testing.T) {
	_, err := New(nil).Compare(make([]float32, 4), make([]float32, 9), 2, "")
	assert.Error(t, err)
}
