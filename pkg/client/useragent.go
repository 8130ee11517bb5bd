package client

import (
	"fmt"
	"strconv"
	"strings"
)

// DefaultProduct is the product token used when no User-Agent is configured.
const DefaultProduct = "keyprov"

// DefaultUserAgent is sent when WithUserAgent is not used.
var DefaultUserAgent = FormatUserAgent(DefaultProduct, 0, 0, 0)

// FormatUserAgent renders "<product>/<major>.<minor>.<build>".
func FormatUserAgent(product string, major, minor, build int) string {
	return fmt.Sprintf("%s/%d.%d.%d", product, major, minor, build)
}

// ParseVersion extracts major, minor and build numbers from a version string
// such as "v1.4.2", "1.4" or "1.4.2-rc1". Missing or non-numeric parts are 0,
// so a "dev" build reports 0.0.0.
func ParseVersion(s string) (major, minor, build int) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "v")
	if i := strings.IndexAny(s, "-+ "); i >= 0 {
		s = s[:i]
	}
	parts := strings.SplitN(s, ".", 3)
	nums := [3]int{}
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			continue
		}
		nums[i] = n
	}
	return nums[0], nums[1], nums[2]
}
