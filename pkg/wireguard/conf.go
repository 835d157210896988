package wireguard

import (
	"net/netip"
	"strings"
)

// Section is one bracketed block of a wg-quick style config. It spans from
// its header line up to, but not including, the next header line.
type Section struct {
	Name   string
	values map[string][]string
	first  int
	end    int
}

// Get returns the first value of key, matched case-insensitively.
func (s Section) Get(key string) string {
	if v := s.values[strings.ToLower(key)]; len(v) > 0 {
		return v[0]
	}
	return ""
}

// List returns every comma separated item of every occurrence of key.
func (s Section) List(key string) []string {
	var out []string
	for _, v := range s.values[strings.ToLower(key)] {
		for _, item := range strings.Split(v, ",") {
			if item = strings.TrimSpace(item); item != "" {
				out = append(out, item)
			}
		}
	}
	return out
}

func splitLines(text string) []string {
	lines := strings.SplitAfter(text, "\n")
	if n := len(lines); n > 0 && lines[n-1] == "" {
		lines = lines[:n-1]
	}
	return lines
}

func header(line string) (string, bool) {
	t := strings.TrimSpace(line)
	if len(t) >= 2 && t[0] == '[' && t[len(t)-1] == ']' {
		return strings.TrimSpace(t[1 : len(t)-1]), true
	}
	return "", false
}

// Parse splits config text into its sections. Lines before the first header
// are ignored, as are comments and lines without '='.
func Parse(text string) []Section {
	lines := splitLines(text)
	var out []Section
	cur := -1
	for i, line := range lines {
		if name, ok := header(line); ok {
			if cur >= 0 {
				out[cur].end = i
			}
			out = append(out, Section{Name: name, values: map[string][]string{}, first: i})
			cur = len(out) - 1
			continue
		}
		if cur < 0 {
			continue
		}
		t := strings.TrimSpace(line)
		if t == "" || strings.HasPrefix(t, "#") {
			continue
		}
		k, v, ok := strings.Cut(t, "=")
		if !ok {
			continue
		}
		k = strings.ToLower(strings.TrimSpace(k))
		out[cur].values[k] = append(out[cur].values[k], strings.TrimSpace(v))
	}
	if cur >= 0 {
		out[cur].end = len(lines)
	}
	return out
}

// Peer is the part of a server [Peer] section the engine cares about.
type Peer struct {
	PublicKey    string
	PresharedKey string
	AllowedIPs   []string
}

// Peers returns every [Peer] section of text in file order.
func Peers(text string) []Peer {
	var out []Peer
	for _, s := range Parse(text) {
		if !strings.EqualFold(s.Name, "Peer") {
			continue
		}
		out = append(out, Peer{
			PublicKey:    s.Get("PublicKey"),
			PresharedKey: s.Get("PresharedKey"),
			AllowedIPs:   s.List("AllowedIPs"),
		})
	}
	return out
}

// HasPeer reports whether text contains a [Peer] section for publicKey.
func HasPeer(text, publicKey string) bool {
	for _, p := range Peers(text) {
		if p.PublicKey == publicKey {
			return true
		}
	}
	return false
}

// PeerAddress returns the first single-host address granted to publicKey.
func PeerAddress(text, publicKey string) (netip.Addr, bool) {
	for _, p := range Peers(text) {
		if p.PublicKey != publicKey {
			continue
		}
		for _, a := range p.AllowedIPs {
			if addr, ok := parseAddr(a); ok {
				return addr, true
			}
		}
	}
	return netip.Addr{}, false
}

// UsedAddresses returns every address that appears in a peer's AllowedIPs or
// in the interface's own Address line.
func UsedAddresses(text string) []netip.Addr {
	var out []netip.Addr
	for _, s := range Parse(text) {
		var items []string
		switch {
		case strings.EqualFold(s.Name, "Peer"):
			items = s.List("AllowedIPs")
		case strings.EqualFold(s.Name, "Interface"):
			items = s.List("Address")
		}
		for _, item := range items {
			if addr, ok := parseAddr(item); ok {
				out = append(out, addr)
			}
		}
	}
	return out
}

func parseAddr(s string) (netip.Addr, bool) {
	if strings.Contains(s, "/") {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return netip.Addr{}, false
		}
		return p.Addr(), true
	}
	a, err := netip.ParseAddr(s)
	return a, err == nil
}

// AppendPeer returns text with a new [Peer] section appended after a blank
// separator line. The existing text is kept as is.
func AppendPeer(text string, p PeerSpec) string {
	var b strings.Builder
	b.WriteString(text)
	if text != "" {
		if !strings.HasSuffix(text, "\n") {
			b.WriteString("\n")
		}
		if !strings.HasSuffix(text, "\n\n") {
			b.WriteString("\n")
		}
	}
	b.WriteString(RenderPeer(p))
	return b.String()
}

// RemovePeer drops every [Peer] section whose PublicKey is publicKey and
// returns the new text with the number of sections removed. All other bytes
// are kept unchanged.
func RemovePeer(text, publicKey string) (string, int) {
	lines := splitLines(text)
	drop := make([]bool, len(lines))
	removed := 0
	for _, s := range Parse(text) {
		if !strings.EqualFold(s.Name, "Peer") || s.Get("PublicKey") != publicKey {
			continue
		}
		for i := s.first; i < s.end; i++ {
			drop[i] = true
		}
		removed++
	}
	if removed == 0 {
		return text, 0
	}
	var b strings.Builder
	for i, line := range lines {
		if !drop[i] {
			b.WriteString(line)
		}
	}
	return b.String(), removed
}
