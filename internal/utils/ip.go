package utils

import (
	"fmt"
	"net/netip"
	"strings"
)

// AllowList is a parsed set of CIDR blocks.
type AllowList []netip.Prefix

// ParseAllowList parses every entry of cidrs. A bare address is treated as a
// single-host block.
func ParseAllowList(cidrs []string) (AllowList, error) {
	list := make(AllowList, 0, len(cidrs))
	for _, raw := range cidrs {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if !strings.Contains(raw, "/") {
			addr, err := netip.ParseAddr(raw)
			if err != nil {
				return nil, fmt.Errorf("invalid address %q: %w", raw, err)
			}
			addr = addr.Unmap()
			list = append(list, netip.PrefixFrom(addr, addr.BitLen()))
			continue
		}
		prefix, err := netip.ParsePrefix(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid CIDR %q: %w", raw, err)
		}
		list = append(list, prefix.Masked())
	}
	return list, nil
}

// Contains checking if the IP address enters one of the allowed blocks.
func (l AllowList) Contains(ip string) bool {
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, prefix := range l {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}
