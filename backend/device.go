package backend

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseDevice parses "cpu", "cuda" or "cuda:N".
func ParseDevice(s string) (Device, error) {
	name, idx, hasIdx := strings.Cut(strings.ToLower(strings.TrimSpace(s)), ":")
	switch name {
	case "", "cpu":
		if hasIdx && idx != "0" {
			return Device{}, fmt.Errorf("parse device %q: cpu has no index %s", s, idx)
		}
		return CPU0, nil
	case "cuda", "gpu":
		if !hasIdx {
			return CUDADevice(0), nil
		}
		n, err := strconv.Atoi(idx)
		if err != nil || n < 0 {
			return Device{}, fmt.Errorf("parse device %q: bad index %q", s, idx)
		}
		return CUDADevice(n), nil
	default:
		return Device{}, fmt.Errorf("parse device %q: unknown device type", s)
	}
}
