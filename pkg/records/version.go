package records

import (
	"fmt"
	"strconv"
	"strings"
)

// VersionKey identifies a package version.
type VersionKey struct {
	Major int    `json:"major"`
	Minor int    `json:"minor"`
	Patch int    `json:"patch"`
	Tag   string `json:"tag"`
}

func (k VersionKey) String() string {
	s := fmt.Sprintf("%d.%d.%d", k.Major, k.Minor, k.Patch)
	if k.Tag != "" {
		s += "-" + k.Tag
	}
	return s
}

// Less orders versions newest first: major, minor and patch descending,
// then tag ascending with the untagged release before any tag.
func (k VersionKey) Less(o VersionKey) bool {
	if k.Major != o.Major {
		return k.Major > o.Major
	}
	if k.Minor != o.Minor {
		return k.Minor > o.Minor
	}
	if k.Patch != o.Patch {
		return k.Patch > o.Patch
	}
	return k.Tag < o.Tag
}

// ParseVersionKey parses "major.minor.patch[-tag]".
func ParseVersionKey(s string) (VersionKey, error) {
	var k VersionKey
	core, tag, _ := strings.Cut(s, "-")
	parts := strings.Split(core, ".")
	if len(parts) != 3 {
		return k, fmt.Errorf("invalid version %q", s)
	}
	nums := make([]int, 3)
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return k, fmt.Errorf("invalid version %q", s)
		}
		nums[i] = n
	}
	k.Major, k.Minor, k.Patch, k.Tag = nums[0], nums[1], nums[2], tag
	return k, nil
}
