package host

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/fxnlabs/sgemm-bench/internal/device"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

// BLAS is the host reference library, backed by gonum.
type BLAS struct {
	ctx *Context

	mu        sync.Mutex
	destroyed bool
}

var _ device.BLAS = (*BLAS)(nil)

func gonumTranspose(t device.Transpose) blas.Transpose {
	if t == device.Trans {
		return blas.Trans
	}
	return blas.NoTrans
}

// Sgemm computes C = alpha*op(A)*op(B) + beta*C on column-major device matrices.
//
// gonum is row-major, and a column-major r×c matrix with leading dimension ld is the row-major
// c×r matrix with stride ld. The product is therefore computed as C^T = op(B)^T * op(A)^T.
func (b *BLAS) Sgemm(transA, transB device.Transpose, m, n, k int, alpha float32, a device.Ptr, lda int, bp device.Ptr, ldb int, beta float32, c device.Ptr, ldc int) error {
	b.mu.Lock()
	destroyed := b.destroyed
	b.mu.Unlock()
	if destroyed {
		return device.NewBLASError("cublasSgemm", device.BLASNotInitialized, "handle destroyed")
	}
	if m < 0 || n < 0 || k < 0 {
		return device.NewBLASError("cublasSgemm", device.BLASInvalidValue, fmt.Sprintf("m=%d n=%d k=%d", m, n, k))
	}
	// op(A) is m×k, stored as rowsA×colsA column-major.
	rowsA, colsA := m, k
	if transA == device.Trans {
		rowsA, colsA = k, m
	}
	rowsB, colsB := k, n
	if transB == device.Trans {
		rowsB, colsB = n, k
	}
	if lda < max(1, rowsA) || ldb < max(1, rowsB) || ldc < max(1, m) {
		return device.NewBLASError("cublasSgemm", device.BLASInvalidValue,
			fmt.Sprintf("lda=%d ldb=%d ldc=%d for m=%d n=%d k=%d", lda, ldb, ldc, m, n, k))
	}
	if m == 0 || n == 0 {
		return nil
	}

	ok := b.ctx.stream.enqueue("cublasSgemm", false, func() error {
		cv, err := b.view(c, n, m, ldc)
		if err != nil {
			return err
		}
		if k == 0 || alpha == 0 {
			scale(cv, beta)
			return nil
		}
		av, err := b.view(a, colsA, rowsA, lda)
		if err != nil {
			return err
		}
		bv, err := b.view(bp, colsB, rowsB, ldb)
		if err != nil {
			return err
		}
		return gemm(gonumTranspose(transB), gonumTranspose(transA), alpha, bv, av, beta, cv)
	})
	if !ok {
		return device.NewBLASError("cublasSgemm", device.BLASNotInitialized, "context destroyed")
	}
	return nil
}

func gemm(tB, tA blas.Transpose, alpha float32, bv, av blas32.General, beta float32, cv blas32.General) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &device.BLASError{Op: "cublasSgemm", Status: device.BLASExecutionFailed, Detail: fmt.Sprint(r)}
		}
	}()
	blas32.Gemm(tB, tA, alpha, bv, av, beta, cv)
	return nil
}

func scale(cv blas32.General, beta float32) {
	for r := 0; r < cv.Rows; r++ {
		row := cv.Data[r*cv.Stride : r*cv.Stride+cv.Cols]
		for i := range row {
			if beta == 0 {
				row[i] = 0
			} else {
				row[i] *= beta
			}
		}
	}
}

// view returns the column-major cols×rows matrix at p as a row-major rows-by-cols gonum matrix.
func (b *BLAS) view(p device.Ptr, rows, cols, stride int) (blas32.General, error) {
	count := (rows-1)*stride + cols
	if p%4 != 0 {
		return blas32.General{}, &device.BLASError{Op: "cublasSgemm", Status: device.BLASInvalidValue,
			Detail: fmt.Sprintf("misaligned pointer %#x", uintptr(p))}
	}
	raw, status, detail := b.ctx.resolve(p, int64(count)*4)
	if status != device.StatusSuccess {
		return blas32.General{}, &device.BLASError{Op: "cublasSgemm", Status: device.BLASMappingError,
			Detail: fmt.Sprintf("%s: %s", status, detail)}
	}
	data := unsafe.Slice((*float32)(unsafe.Pointer(&raw[0])), count)
	return blas32.General{Rows: rows, Cols: cols, Stride: stride, Data: data}, nil
}

func (b *BLAS) Destroy() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.destroyed {
		return device.NewBLASError("cublasDestroy", device.BLASNotInitialized, "already destroyed")
	}
	b.destroyed = true
	return nil
}
