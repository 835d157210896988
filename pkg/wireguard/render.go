package wireguard

import (
	"fmt"
	"strings"
)

// Obfuscation carries the AmneziaWG junk packet and magic header values that
// must match between client and server.
type Obfuscation struct {
	Jc, Jmin, Jmax int
	S1, S2         int
	H1, H2, H3, H4 uint32
}

// ClientConfig is everything needed to render a client's configuration file.
type ClientConfig struct {
	PrivateKey      string
	Address         string
	DNS             []string
	Obfuscation     Obfuscation
	ServerPublicKey string
	PresharedKey    string
	Endpoint        string
}

// RenderClient produces the client configuration text: an [Interface]
// section with the client's key, /32 address, resolvers and obfuscation
// parameters, then a [Peer] section pointing at the server and routing all
// traffic through it.
func RenderClient(c ClientConfig) string {
	var b strings.Builder
	b.WriteString("[Interface]\n")
	fmt.Fprintf(&b, "PrivateKey = %s\n", c.PrivateKey)
	fmt.Fprintf(&b, "Address = %s/32\n", c.Address)
	if len(c.DNS) > 0 {
		fmt.Fprintf(&b, "DNS = %s\n", strings.Join(c.DNS, ", "))
	}
	o := c.Obfuscation
	fmt.Fprintf(&b, "Jc = %d\n", o.Jc)
	fmt.Fprintf(&b, "Jmin = %d\n", o.Jmin)
	fmt.Fprintf(&b, "Jmax = %d\n", o.Jmax)
	fmt.Fprintf(&b, "S1 = %d\n", o.S1)
	fmt.Fprintf(&b, "S2 = %d\n", o.S2)
	fmt.Fprintf(&b, "H1 = %d\n", o.H1)
	fmt.Fprintf(&b, "H2 = %d\n", o.H2)
	fmt.Fprintf(&b, "H3 = %d\n", o.H3)
	fmt.Fprintf(&b, "H4 = %d\n", o.H4)
	b.WriteString("\n")

	b.WriteString("[Peer]\n")
	fmt.Fprintf(&b, "PublicKey = %s\n", c.ServerPublicKey)
	fmt.Fprintf(&b, "PresharedKey = %s\n", c.PresharedKey)
	fmt.Fprintf(&b, "Endpoint = %s\n", c.Endpoint)
	b.WriteString("AllowedIPs = 0.0.0.0/0, ::/0\n")
	b.WriteString("PersistentKeepalive = 25\n")
	return b.String()
}

// PeerSpec is a server-side peer entry.
type PeerSpec struct {
	PublicKey    string
	PresharedKey string
	Address      string
}

// RenderPeer renders a server-side [Peer] stanza granting the peer its /32.
func RenderPeer(p PeerSpec) string {
	var b strings.Builder
	b.WriteString("[Peer]\n")
	fmt.Fprintf(&b, "PublicKey = %s\n", p.PublicKey)
	if p.PresharedKey != "" {
		fmt.Fprintf(&b, "PresharedKey = %s\n", p.PresharedKey)
	}
	fmt.Fprintf(&b, "AllowedIPs = %s/32\n", p.Address)
	return b.String()
}
