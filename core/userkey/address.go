package userkey

import (
	"fmt"
	"strconv"
	"strings"

	sockaddr "github.com/hashicorp/go-sockaddr"
)

// An address restriction is a comma separated list of entries. Each entry is
// one of:
//
//	10.0.0.5         a single address (IPv4 or IPv6)
//	10.0.0.0/24      a CIDR block
//	10.0.0.1-20      a range over the last IPv4 octet
//	192.168.         a dotted prefix matching whole octets
type addressMatcher interface {
	match(remote sockaddr.IPAddr, raw string) bool
}

type cidrMatcher struct {
	block sockaddr.IPAddr
}

func (m cidrMatcher) match(remote sockaddr.IPAddr, _ string) bool {
	return m.block.Contains(remote)
}

type rangeMatcher struct {
	first, last sockaddr.IPv4Address
}

func (m rangeMatcher) match(remote sockaddr.IPAddr, _ string) bool {
	v4, ok := remote.(sockaddr.IPv4Addr)
	if !ok {
		return false
	}
	return v4.Address >= m.first && v4.Address <= m.last
}

type prefixMatcher struct {
	prefix string // always ends with "."
}

func (m prefixMatcher) match(_ sockaddr.IPAddr, raw string) bool {
	return strings.HasPrefix(raw+".", m.prefix)
}

func parseEntry(entry string) (addressMatcher, error) {
	if strings.Contains(entry, "-") {
		return parseRange(entry)
	}

	if !strings.ContainsAny(entry, ":/") {
		trimmed := strings.TrimSuffix(entry, ".")
		if parts := strings.Split(trimmed, "."); len(parts) < 4 {
			for _, p := range parts {
				if _, err := parseOctet(p); err != nil {
					return nil, fmt.Errorf("invalid address prefix %q", entry)
				}
			}
			return prefixMatcher{prefix: trimmed + "."}, nil
		}
	}

	block, err := sockaddr.NewIPAddr(entry)
	if err != nil {
		return nil, fmt.Errorf("invalid address %q: %w", entry, err)
	}
	return cidrMatcher{block: block}, nil
}

func parseRange(entry string) (addressMatcher, error) {
	from, to, _ := strings.Cut(entry, "-")
	start, err := sockaddr.NewIPv4Addr(from)
	if err != nil {
		return nil, fmt.Errorf("invalid address range %q: %w", entry, err)
	}
	end, err := parseOctet(to)
	if err != nil {
		return nil, fmt.Errorf("invalid address range %q", entry)
	}

	last := start.Address&^0xff | sockaddr.IPv4Address(end)
	if last < start.Address {
		return nil, fmt.Errorf("invalid address range %q", entry)
	}
	return rangeMatcher{first: start.Address, last: last}, nil
}

func parseOctet(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 0 || n > 255 {
		return 0, fmt.Errorf("invalid octet %q", s)
	}
	return n, nil
}

func splitRestriction(restriction string) []string {
	var entries []string
	for _, e := range strings.Split(restriction, ",") {
		if e = strings.TrimSpace(e); e != "" {
			entries = append(entries, e)
		}
	}
	return entries
}

// ValidateRestriction reports the first entry of restriction that cannot be parsed.
func ValidateRestriction(restriction string) error {
	for _, e := range splitRestriction(restriction) {
		if _, err := parseEntry(e); err != nil {
			return err
		}
	}
	return nil
}

// MatchAddress reports whether remote falls within any entry of restriction.
// An empty remote never matches; unparseable entries are skipped.
func MatchAddress(remote, restriction string) bool {
	remote = strings.TrimSpace(remote)
	if remote == "" {
		return false
	}
	addr, err := sockaddr.NewIPAddr(remote)
	if err != nil {
		return false
	}

	for _, e := range splitRestriction(restriction) {
		m, err := parseEntry(e)
		if err != nil {
			continue
		}
		if m.match(addr, remote) {
			return true
		}
	}
	return false
}

// JoinRestrictions merges restriction lists, dropping empty ones.
func JoinRestrictions(lists ...string) string {
	var entries []string
	for _, l := range lists {
		entries = append(entries, splitRestriction(l)...)
	}
	return strings.Join(entries, ",")
}
