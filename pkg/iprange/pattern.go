// Package iprange expands IPv4 target patterns such as "10.0.0.*" or
// "192.168.1.10-20", applies exception lists and probes reachability.
package iprange

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

// DefaultMaxAddresses bounds a single pattern expansion. Larger patterns
// yield a sample made of the endpoints of every octet range.
const DefaultMaxAddresses = 1000

// Localhost is accepted verbatim as a target.
const Localhost = "localhost"

// octetSet is the inclusive [lo, hi] range allowed for one octet.
type octetSet struct {
	lo, hi int
}

func (o octetSet) size() int { return o.hi - o.lo + 1 }

// Pattern is one parsed target pattern.
type Pattern struct {
	raw    string
	octets [4]octetSet
	host   bool
}

// ParsePattern parses a four-octet pattern. Each octet is a literal in
// 0..255, a range "lo-hi" or "*".
func ParsePattern(s string) (Pattern, error) {
	s = strings.TrimSpace(s)
	if strings.EqualFold(s, Localhost) {
		return Pattern{raw: Localhost, host: true}, nil
	}
	parts := strings.Split(s, ".")
	if len(parts) != 4 {
		return Pattern{}, fmt.Errorf("invalid pattern %q: expected four octets", s)
	}
	p := Pattern{raw: s}
	for i, part := range parts {
		o, err := parseOctet(part)
		if err != nil {
			return Pattern{}, fmt.Errorf("invalid pattern %q: %w", s, err)
		}
		p.octets[i] = o
	}
	return p, nil
}

func parseOctet(s string) (octetSet, error) {
	if s == "*" {
		return octetSet{0, 255}, nil
	}
	if lo, hi, ok := strings.Cut(s, "-"); ok {
		l, err := octetValue(lo)
		if err != nil {
			return octetSet{}, err
		}
		h, err := octetValue(hi)
		if err != nil {
			return octetSet{}, err
		}
		if l > h {
			return octetSet{}, fmt.Errorf("empty range %q", s)
		}
		return octetSet{l, h}, nil
	}
	v, err := octetValue(s)
	if err != nil {
		return octetSet{}, err
	}
	return octetSet{v, v}, nil
}

func octetValue(s string) (int, error) {
	v, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || v < 0 || v > 255 {
		return 0, fmt.Errorf("octet %q out of range", s)
	}
	return v, nil
}

// Size returns the number of addresses the pattern covers.
func (p Pattern) Size() int {
	if p.host {
		return 1
	}
	n := 1
	for _, o := range p.octets {
		n *= o.size()
	}
	return n
}

// Expand enumerates the addresses of the pattern. When the pattern
// covers more than limit addresses, only the combinations of each octet
// range's endpoints are returned.
func (p Pattern) Expand(limit int) []string {
	if p.host {
		return []string{Localhost}
	}
	sets := p.octets
	if limit > 0 && p.Size() > limit {
		log.Warn().Str("pattern", p.raw).Int("size", p.Size()).Int("limit", limit).
			Msg("Pattern too large, using a representative sample")
		var sample [4][]int
		for i, o := range sets {
			sample[i] = []int{o.lo}
			if o.hi != o.lo {
				sample[i] = append(sample[i], o.hi)
			}
		}
		return product(sample)
	}
	var all [4][]int
	for i, o := range sets {
		for v := o.lo; v <= o.hi; v++ {
			all[i] = append(all[i], v)
		}
	}
	return product(all)
}

func product(sets [4][]int) []string {
	out := make([]string, 0, len(sets[0])*len(sets[1])*len(sets[2])*len(sets[3]))
	for _, a := range sets[0] {
		for _, b := range sets[1] {
			for _, c := range sets[2] {
				for _, d := range sets[3] {
					out = append(out, fmt.Sprintf("%d.%d.%d.%d", a, b, c, d))
				}
			}
		}
	}
	return out
}

// Regexp returns an anchored expression matching the pattern's
// addresses.
func (p Pattern) Regexp() *regexp.Regexp {
	if p.host {
		return regexp.MustCompile(`^(?i:localhost)$`)
	}
	parts := make([]string, 4)
	for i, o := range p.octets {
		switch {
		case o.lo == 0 && o.hi == 255:
			parts[i] = `\d{1,3}`
		case o.lo == o.hi:
			parts[i] = strconv.Itoa(o.lo)
		default:
			alts := make([]string, 0, o.size())
			for v := o.lo; v <= o.hi; v++ {
				alts = append(alts, strconv.Itoa(v))
			}
			parts[i] = "(?:" + strings.Join(alts, "|") + ")"
		}
	}
	return regexp.MustCompile(`^` + strings.Join(parts, `\.`) + `$`)
}

// String returns the pattern text.
func (p Pattern) String() string { return p.raw }

// ParseList parses a comma-separated pattern list. Blank items are
// ignored.
func ParseList(list string) ([]Pattern, error) {
	var out []Pattern
	for _, item := range strings.Split(list, ",") {
		if strings.TrimSpace(item) == "" {
			continue
		}
		p, err := ParsePattern(item)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// Expand expands a comma-separated pattern list with the default limit.
// Invalid items are skipped with a warning. The result is deduplicated
// and sorted numerically.
func Expand(list string) []string {
	return ExpandLimit(list, DefaultMaxAddresses)
}

// ExpandLimit is Expand with an explicit per-pattern limit.
func ExpandLimit(list string, limit int) []string {
	seen := make(map[string]bool)
	var out []string
	for _, item := range strings.Split(list, ",") {
		if strings.TrimSpace(item) == "" {
			continue
		}
		p, err := ParsePattern(item)
		if err != nil {
			log.Warn().Err(err).Msg("Ignoring target pattern")
			continue
		}
		for _, addr := range p.Expand(limit) {
			if !seen[addr] {
				seen[addr] = true
				out = append(out, addr)
			}
		}
	}
	SortAddresses(out)
	return out
}

// Exclude removes every address matching at least one pattern of the
// exception list.
func Exclude(addrs []string, exceptions string) []string {
	var matchers []*regexp.Regexp
	for _, item := range strings.Split(exceptions, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		p, err := ParsePattern(item)
		if err != nil {
			// Unparsable exceptions still match with plain wildcards.
			quoted := strings.ReplaceAll(regexp.QuoteMeta(item), `\*`, `.*`)
			matchers = append(matchers, regexp.MustCompile(`^`+quoted+`$`))
			continue
		}
		matchers = append(matchers, p.Regexp())
	}
	if len(matchers) == 0 {
		return append([]string(nil), addrs...)
	}

	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		excluded := false
		for _, m := range matchers {
			if m.MatchString(a) {
				excluded = true
				break
			}
		}
		if !excluded {
			out = append(out, a)
		}
	}
	return out
}

// Targets expands targets and removes exceptions.
func Targets(targets, exceptions string) []string {
	return Exclude(Expand(targets), exceptions)
}

// SortAddresses sorts IPv4 addresses numerically; other names sort first.
func SortAddresses(addrs []string) {
	sort.SliceStable(addrs, func(i, j int) bool {
		ki, iok := addrKey(addrs[i])
		kj, jok := addrKey(addrs[j])
		if iok != jok {
			return !iok
		}
		if !iok {
			return addrs[i] < addrs[j]
		}
		return ki < kj
	})
}

func addrKey(a string) (uint32, bool) {
	parts := strings.Split(a, ".")
	if len(parts) != 4 {
		return 0, false
	}
	var k uint32
	for _, p := range parts {
		v, err := strconv.Atoi(p)
		if err != nil || v < 0 || v > 255 {
			return 0, false
		}
		k = k<<8 | uint32(v)
	}
	return k, true
}
