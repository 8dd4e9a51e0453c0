package channel

import "net/netip"

// Binding is an (address, port) pair with value equality, used both as the
// fleet's map key and as the identity a Channel is known by.
type Binding struct {
	Addr netip.Addr
	Port uint16
}

func (b Binding) String() string {
	return netip.AddrPortFrom(b.Addr, b.Port).String()
}

// ParseBinding parses "host:port" into a Binding.
func ParseBinding(s string) (Binding, error) {
	ap, err := netip.ParseAddrPort(s)
	if err != nil {
		return Binding{}, err
	}
	return Binding{Addr: ap.Addr(), Port: ap.Port()}, nil
}
