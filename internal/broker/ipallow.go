package broker

import (
	"fmt"
	"net/netip"
	"strings"
)

// IPAllowList matches client IPs against a set of exact addresses or CIDR
// ranges. A nil or empty list admits any IP (§4.4 step 3, §8).
type IPAllowList struct {
	prefixes []netip.Prefix
}

// ParseIPAllowList parses a mix of bare IPs and CIDR ranges into an
// allow list. An empty slice yields a list that admits everything.
func ParseIPAllowList(entries []string) (*IPAllowList, error) {
	list := &IPAllowList{}
	for _, raw := range entries {
		entry := strings.TrimSpace(raw)
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "/") {
			prefix, err := netip.ParsePrefix(entry)
			if err != nil {
				return nil, fmt.Errorf("parsing cidr %q: %w", entry, err)
			}
			list.prefixes = append(list.prefixes, prefix.Masked())
			continue
		}
		addr, err := netip.ParseAddr(entry)
		if err != nil {
			return nil, fmt.Errorf("parsing ip %q: %w", entry, err)
		}
		list.prefixes = append(list.prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return list, nil
}

// Allowed reports whether ip matches the list. A nil receiver or an empty
// list admits any IP.
func (l *IPAllowList) Allowed(ip string) bool {
	if l == nil || len(l.prefixes) == 0 {
		return true
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	for _, prefix := range l.prefixes {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}
