package device

import (
	"fmt"
	"unsafe"
)

// Select returns the first device whose compute capability major version is at least minMajor.
func Select(drv Driver, minMajor int) (Info, error) {
	count, err := drv.DeviceCount()
	if err != nil {
		return Info{}, err
	}
	for ordinal := 0; ordinal < count; ordinal++ {
		info, err := drv.DeviceInfo(ordinal)
		if err != nil {
			return Info{}, err
		}
		if info.Major >= minMajor {
			return info, nil
		}
	}
	return Info{}, fmt.Errorf("no compute %d.0 device among %d: %w", minMajor, count, ErrNoDevice)
}

// Float32Bytes returns the bytes backing s without copying.
func Float32Bytes(s []float32) []byte {
	if len(s) == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(&s[0])), len(s)*4)
}

// Uint32Bytes returns the bytes backing s without copying.
func Uint32Bytes(s []uint32) []byte {
	if len(s) == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(&s[0])), len(s)*4)
}
