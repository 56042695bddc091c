package util

import (
	"crypto/sha256"
	"fmt"
	"net"
	"strings"
)

// MaxInterfaceName is the longest interface name the kernel accepts (IFNAMSIZ-1).
const MaxInterfaceName = 15

// ValidateInterfaceName checks a Linux interface name.
func ValidateInterfaceName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("empty interface name")
	case len(name) > MaxInterfaceName:
		return fmt.Errorf("interface name %q exceeds %d bytes", name, MaxInterfaceName)
	case strings.ContainsAny(name, "/ \t\n:"):
		return fmt.Errorf("interface name %q contains an invalid character", name)
	}
	return nil
}

// ParseIPWithMask parses "10.0.0.1/24" into IP and mask length.
func ParseIPWithMask(cidr string) (net.IP, int, error) {
	ip, ipnet, err := net.ParseCIDR(cidr)
	if err != nil {
		return nil, 0, fmt.Errorf("invalid CIDR %q: %w", cidr, err)
	}
	ones, _ := ipnet.Mask.Size()
	return ip, ones, nil
}

// SplitIPMask splits "10.1.0.0/31" into ("10.1.0.0", 31).
// Returns (cidr, 32) if no mask is present.
func SplitIPMask(cidr string) (string, int) {
	ip, mask, ok := strings.Cut(cidr, "/")
	if !ok {
		return cidr, 32
	}
	var n int
	if _, err := fmt.Sscanf(mask, "%d", &n); err != nil {
		return ip, 32
	}
	return ip, n
}

// DeriveMAC returns a locally administered MAC derived from seed.
// The same seed always yields the same address.
func DeriveMAC(seed string) string {
	sum := sha256.Sum256([]byte(seed))
	return fmt.Sprintf("02:80:ed:%02x:%02x:%02x", sum[0], sum[1], sum[2])
}

// ShortName hashes name into a stable interface name of at most
// MaxInterfaceName bytes that starts with prefix.
func ShortName(prefix, name string) string {
	if len(prefix)+len(name) <= MaxInterfaceName {
		return prefix + name
	}
	sum := sha256.Sum256([]byte(name))
	h := fmt.Sprintf("%x", sum[:])
	keep := MaxInterfaceName - len(prefix)
	if keep > len(h) {
		keep = len(h)
	}
	return prefix + h[:keep]
}
