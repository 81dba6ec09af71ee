package device

import (
	"errors"
	"fmt"
	"path/filepath"
	"runtime"
)

// ErrNoDevice is returned by Select when no device qualifies.
var ErrNoDevice = errors.New("no qualifying device found")

// Status is a driver result code. Values follow the CUDA driver API numbering so that
// statuses coming from real hardware and from the emulated driver read the same.
type Status int

const (
	StatusSuccess          Status = 0
	StatusInvalidValue     Status = 1
	StatusOutOfMemory      Status = 2
	StatusNotInitialized   Status = 3
	StatusDeinitialized    Status = 4
	StatusNoDevice         Status = 100
	StatusInvalidDevice    Status = 101
	StatusInvalidImage     Status = 200
	StatusInvalidContext   Status = 201
	StatusFileNotFound     Status = 301
	StatusInvalidHandle    Status = 400
	StatusNotFound         Status = 500
	StatusNotReady         Status = 600
	StatusIllegalAddress   Status = 700
	StatusLaunchOutOfRes   Status = 701
	StatusLaunchFailed     Status = 719
	StatusNotSupported     Status = 801
	StatusUnknown          Status = 999
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "CUDA_SUCCESS"
	case StatusInvalidValue:
		return "CUDA_ERROR_INVALID_VALUE"
	case StatusOutOfMemory:
		return "CUDA_ERROR_OUT_OF_MEMORY"
	case StatusNotInitialized:
		return "CUDA_ERROR_NOT_INITIALIZED"
	case StatusDeinitialized:
		return "CUDA_ERROR_DEINITIALIZED"
	case StatusNoDevice:
		return "CUDA_ERROR_NO_DEVICE"
	case StatusInvalidDevice:
		return "CUDA_ERROR_INVALID_DEVICE"
	case StatusInvalidImage:
		return "CUDA_ERROR_INVALID_IMAGE"
	case StatusInvalidContext:
		return "CUDA_ERROR_INVALID_CONTEXT"
	case StatusFileNotFound:
		return "CUDA_ERROR_FILE_NOT_FOUND"
	case StatusInvalidHandle:
		return "CUDA_ERROR_INVALID_HANDLE"
	case StatusNotFound:
		return "CUDA_ERROR_NOT_FOUND"
	case StatusNotReady:
		return "CUDA_ERROR_NOT_READY"
	case StatusIllegalAddress:
		return "CUDA_ERROR_ILLEGAL_ADDRESS"
	case StatusLaunchOutOfRes:
		return "CUDA_ERROR_LAUNCH_OUT_OF_RESOURCES"
	case StatusLaunchFailed:
		return "CUDA_ERROR_LAUNCH_FAILED"
	case StatusNotSupported:
		return "CUDA_ERROR_NOT_SUPPORTED"
	default:
		return fmt.Sprintf("CUDA_ERROR_UNKNOWN(%d)", int(s))
	}
}

// Error is a failure reported by the accelerator driver.
type Error struct {
	Op       string // driver call that failed, e.g. "cuModuleLoad"
	Status   Status
	Location string // file:line of the call site
	Detail   string
}

// NewError builds an Error for op, recording the location of the code that called the driver
// method which is building the error.
func NewError(op string, status Status, detail string) *Error {
	return &Error{Op: op, Status: status, Location: caller(2), Detail: detail}
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("driver failure (%s): %s returned 0x%x (%s)", e.Location, e.Op, int(e.Status), e.Status)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

// BLASStatus is a reference library result code (cuBLAS numbering).
type BLASStatus int

const (
	BLASSuccess         BLASStatus = 0
	BLASNotInitialized  BLASStatus = 1
	BLASAllocFailed     BLASStatus = 3
	BLASInvalidValue    BLASStatus = 7
	BLASArchMismatch    BLASStatus = 8
	BLASMappingError    BLASStatus = 11
	BLASExecutionFailed BLASStatus = 13
	BLASInternalError   BLASStatus = 14
)

func (s BLASStatus) String() string {
	switch s {
	case BLASSuccess:
		return "CUBLAS_STATUS_SUCCESS"
	case BLASNotInitialized:
		return "CUBLAS_STATUS_NOT_INITIALIZED"
	case BLASAllocFailed:
		return "CUBLAS_STATUS_ALLOC_FAILED"
	case BLASInvalidValue:
		return "CUBLAS_STATUS_INVALID_VALUE"
	case BLASArchMismatch:
		return "CUBLAS_STATUS_ARCH_MISMATCH"
	case BLASMappingError:
		return "CUBLAS_STATUS_MAPPING_ERROR"
	case BLASExecutionFailed:
		return "CUBLAS_STATUS_EXECUTION_FAILED"
	case BLASInternalError:
		return "CUBLAS_STATUS_INTERNAL_ERROR"
	default:
		return fmt.Sprintf("CUBLAS_STATUS(%d)", int(s))
	}
}

// BLASError is a failure reported by the reference library.
type BLASError struct {
	Op       string
	Status   BLASStatus
	Location string
	Detail   string
}

// NewBLASError builds a BLASError, recording the location like NewError.
func NewBLASError(op string, status BLASStatus, detail string) *BLASError {
	return &BLASError{Op: op, Status: status, Location: caller(2), Detail: detail}
}

func (e *BLASError) Error() string {
	msg := fmt.Sprintf("blas failure (%s): %s returned %d (%s)", e.Location, e.Op, int(e.Status), e.Status)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

// IsFatal reports whether err is a driver or reference library failure.
func IsFatal(err error) bool {
	var derr *Error
	var berr *BLASError
	return errors.As(err, &derr) || errors.As(err, &berr) || errors.Is(err, ErrNoDevice)
}

func caller(skip int) string {
	_, file, line, ok := runtime.Caller(skip + 1)
	if !ok {
		return "unknown"
	}
	return fmt.Sprintf("%s:%d", filepath.Base(file), line)
}
