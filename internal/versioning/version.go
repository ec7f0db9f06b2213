package versioning

import (
	"fmt"
	"regexp"
	"strconv"
)

// APIVersion is a semantic version of the HTTP API surface.
type APIVersion struct {
	Major int `json:"major"`
	Minor int `json:"minor"`
	Patch int `json:"patch"`
}

func (v APIVersion) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// Compatible reports whether a client requesting other can talk to this
// server: same major, requested minor not newer than ours.
func (v APIVersion) Compatible(other APIVersion) bool {
	if v.Major != other.Major {
		return false
	}
	return other.Minor <= v.Minor
}

// Current is the API version this build serves.
var Current = APIVersion{Major: 1, Minor: 0, Patch: 0}

var versionPattern = regexp.MustCompile(`^v?(\d+)\.(\d+)(?:\.(\d+))?$`)

// Parse reads "1.2", "1.2.3", or "v1.2.3".
func Parse(s string) (APIVersion, error) {
	m := versionPattern.FindStringSubmatch(s)
	if m == nil {
		return APIVersion{}, fmt.Errorf("invalid version %q", s)
	}
	major, _ := strconv.Atoi(m[1])
	minor, _ := strconv.Atoi(m[2])
	patch := 0
	if m[3] != "" {
		patch, _ = strconv.Atoi(m[3])
	}
	return APIVersion{Major: major, Minor: minor, Patch: patch}, nil
}
