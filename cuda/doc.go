// Package cuda binds the CUDA driver API and cuBLAS to the device interfaces.
//
// The bindings are compiled only with the cuda build tag and link against libcuda and libcublas:
//
//	go build -tags cuda ./cmd/sgemm
//
// Texture references are used to bind the kernel inputs, so the driver must be a CUDA 11.x or
// older runtime that still exposes cuTexRefSetAddress.
package cuda
