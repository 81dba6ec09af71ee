// Package gpu selects the accelerator driver the harness runs on.
package gpu

import (
	"fmt"
	"strings"
)

// Kind names a driver backend.
type Kind string

const (
	// KindAuto uses CUDA when it is compiled in and a device is present, else the host driver.
	KindAuto Kind = "auto"
	// KindHost is the emulated accelerator running on the CPU.
	KindHost Kind = "host"
	// KindCUDA is the CUDA driver API. It requires the cuda build tag.
	KindCUDA Kind = "cuda"
)

// ParseKind parses a driver name. The empty string selects KindAuto.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case "":
		return KindAuto, nil
	case KindAuto, KindHost, KindCUDA:
		return k, nil
	default:
		return "", fmt.Errorf("unknown driver %q (want auto, host or cuda)", s)
	}
}
