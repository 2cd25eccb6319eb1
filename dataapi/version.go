package dataapi

import (
	"fmt"
	"strings"
)

// APIVersion selects the path prefix of every Data API request.
type APIVersion int

const (
	// VersionLatest targets /vLatest and lets the server pick its newest version
	VersionLatest APIVersion = iota
	// V1 targets /v1
	V1
	// V2 targets /v2
	V2
)

// String returns the path segment for the version
func (v APIVersion) String() string {
	switch v {
	case V1:
		return "v1"
	case V2:
		return "v2"
	default:
		return "vLatest"
	}
}

// ParseAPIVersion maps "v1", "v2" or "vLatest" (any case) to an APIVersion.
func ParseAPIVersion(s string) (APIVersion, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "v1":
		return V1, nil
	case "v2":
		return V2, nil
	case "vlatest", "latest":
		return VersionLatest, nil
	}
	return VersionLatest, fmt.Errorf("%w: unknown API version %q", ErrInvalidConfig, s)
}
