package workspace

import (
	"math/rand/v2"
	"testing"

	"github.com/fxnlabs/sgemm-bench/internal/device"
	"github.com/fxnlabs/sgemm-bench/internal/device/host"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newContext(t *testing.T, opts host.Options) *host.Context {
	t.Helper()
	drv := host.New(zaptest.NewLogger(t), opts)
	require.NoError(t, drv.Init())
	ctx, err := drv.CreateContext(0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ctx.Destroy() })
	return ctx.(*host.Context)
}

func TestNew(t *testing.T) {
	ctx := newContext(t, host.Options{})
	ws, err := New(ctx, 64, FillUniform, rand.New(rand.NewPCG(1, 1)), zaptest.NewLogger(t))
	require.NoError(t, err)

	assert.Equal(t, 4, ctx.Allocations())
	assert.Equal(t, ws.DeviceBytes(), ctx.MemUsed())
	for _, v := range ws.A {
		assert.True(t, v >= 0 && v < 1)
	}
	assert.NotEqual(t, ws.A, ws.B)

	a := make([]float32, 64*64)
	require.NoError(t, ctx.MemcpyDtoH(device.Float32Bytes(a), ws.DevA))
	assert.Equal(t, ws.A, a)

	c, err := ws.ReadCandidate()
	require.NoError(t, err)
	assert.Equal(t, make([]float32, 64*64), c)
	ref, err := ws.ReadReference()
	require.NoError(t, err)
	assert.Equal(t, make([]float32, 64*64), ref)

	require.NoError(t, ws.Close())
	assert.Equal(t, 0, ctx.Allocations())
	require.NoError(t, ws.Close())
}

func TestFills(t *testing.T) {
	ctx := newContext(t, host.Options{})

	t.Run("ones", func(t *testing.T) {
		ws, err := New(ctx, 8, FillOnes, nil, nil)
		require.NoError(t, err)
		defer ws.Close()
		for i := range ws.A {
			require.Equal(t, float32(1), ws.A[i])
			require.Equal(t, float32(1), ws.B[i])
		}
	})

	t.Run("identity", func(t *testing.T) {
		ws, err := New(ctx, 8, FillIdentity, nil, nil)
		require.NoError(t, err)
		defer ws.Close()
		for k := 0; k < 8; k++ {
			for x := 0; x < 8; x++ {
				want := float32(0)
				if k == x {
					want = 1
				}
				require.Equal(t, want, ws.B[k*8+x])
			}
		}
	})

	t.Run("seeded", func(t *testing.T) {
		a, err := New(ctx, 8, FillUniform, rand.New(rand.NewPCG(5, 5)), nil)
		require.NoError(t, err)
		defer a.Close()
		b, err := New(ctx, 8, FillUniform, rand.New(rand.NewPCG(5, 5)), nil)
		require.NoError(t, err)
		defer b.Close()
		assert.Equal(t, a.A, b.A)
	})
}

func TestZeroCandidate(t *testing.T) {
	ctx := newContext(t, host.Options{})
	ws, err := New(ctx, 4, FillOnes, nil, nil)
	require.NoError(t, err)
	defer ws.Close()

	require.NoError(t, ctx.MemcpyHtoD(ws.DevC, device.Float32Bytes(ws.A)))
	require.NoError(t, ws.ZeroCandidate())
	c, err := ws.ReadCandidate()
	require.NoError(t, err)
	assert.Equal(t, make([]float32, 16), c)
}

func TestNewFailures(t *testing.T) {
	t.Run("out of memory releases partial allocations", func(t *testing.T) {
		// Room for three of the four matrices.
		ctx := newContext(t, host.Options{MemoryLimit: 3 * 64 * 64 * 4})
		_, err := New(ctx, 64, FillOnes, nil, nil)
		require.Error(t, err)
		assert.True(t, device.IsFatal(err))
		assert.Contains(t, err.Error(), "allocate device matrix T")
		assert.Equal(t, 0, ctx.Allocations())
	})

	t.Run("invalid size", func(t *testing.T) {
		ctx := newContext(t, host.Options{})
		_, err := New(ctx, 0, FillOnes, nil, nil)
		assert.Error(t, err)
	})
}

func TestParseFill(t *testing.T) {
	f, err := ParseFill("")
	require.NoError(t, err)
	assert.Equal(t, FillUniform, f)
	f, err = ParseFill("Identity")
	require.NoError(t, err)
	assert.Equal(t, FillIdentity, f)
	_, err = ParseFill("zeros")
	assert.Error(t, err)
}
