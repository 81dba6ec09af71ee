package report

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGFLOPS(t *testing.T) {
	tests := []struct {
		name   string
		n      int
		ms     float64
		repeat int
		want   float64
	}{
		{"one millisecond", 256, 1.0, 1, 2 * 256 * 256 * 256 / (1.0 * 1e6)},
		{"averaged over repeats", 256, 4.0, 4, 2 * 256 * 256 * 256 / (1.0 * 1e6)},
		{"default size", 5120, 100, 1, 2 * 5120.0 * 5120 * 5120 / (100 * 1e6)},
		{"zero time", 256, 0, 1, 0},
		{"zero repeat", 256, 1, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, GFLOPS(tt.n, tt.ms, tt.repeat))
		})
	}
}

func TestReporter(t *testing.T) {
	var out bytes.Buffer
	r := New(&out)

	g, err := r.Throughput("Max128", 256, 2.0, 2)
	require.NoError(t, err)
	assert.InDelta(t, 33.554432, g, 1e-9)
	require.NoError(t, r.Errors(0))
	require.NoError(t, r.ArtifactUnavailable("data.txt"))

	assert.Equal(t, "Max128 GFLOPS: 33.55 (size: 256, iterations: 2)\n0 errors\nCannot open data.txt for writing\n", out.String())
}
