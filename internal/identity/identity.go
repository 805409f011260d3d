// Package identity names protocol participants and the endpoints they live on.
package identity

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// DefaultPort is omitted from an Address string form.
const DefaultPort = 52525

var (
	ErrEmptyHost     = errors.New("identity: empty host")
	ErrInvalidPort   = errors.New("identity: invalid port")
	ErrEmptyNickname = errors.New("identity: empty nickname")
	ErrInvalidMember = errors.New("identity: invalid member")
)

// Address is a node endpoint. Port 0 means DefaultPort.
type Address struct {
	Host string
	Port int
}

func NewAddress(host string, port int) Address {
	return Address{Host: strings.TrimSpace(host), Port: port}
}

// ParseAddress accepts "host", "host:port" and "[v6]:port".
func ParseAddress(raw string) (Address, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Address{}, ErrEmptyHost
	}
	host, portRaw, err := net.SplitHostPort(raw)
	if err != nil {
		host = strings.Trim(raw, "[]")
		if host == "" {
			return Address{}, ErrEmptyHost
		}
		return Address{Host: host}, nil
	}
	if host == "" {
		return Address{}, ErrEmptyHost
	}
	port, err := strconv.Atoi(portRaw)
	if err != nil || port <= 0 || port > 65535 {
		return Address{}, fmt.Errorf("%w: %q", ErrInvalidPort, portRaw)
	}
	return Address{Host: host, Port: port}, nil
}

// EffectivePort resolves the zero port to DefaultPort.
func (a Address) EffectivePort() int {
	if a.Port == 0 {
		return DefaultPort
	}
	return a.Port
}

// Dial is the host:port form used by dialers.
func (a Address) Dial() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.EffectivePort()))
}

func (a Address) String() string {
	if a.EffectivePort() == DefaultPort {
		if strings.Contains(a.Host, ":") {
			return "[" + a.Host + "]"
		}
		return a.Host
	}
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// Equal compares addresses after port normalization.
func (a Address) Equal(b Address) bool {
	return strings.EqualFold(a.Host, b.Host) && a.EffectivePort() == b.EffectivePort()
}

func (a Address) IsZero() bool {
	return a.Host == ""
}

// Member is a nickname scoped to an address.
type Member struct {
	Nickname string
	Address  Address
}

func NewMember(nickname string, addr Address) Member {
	return Member{Nickname: strings.TrimSpace(nickname), Address: addr}
}

// ParseMember accepts "nickname@address".
func ParseMember(raw string) (Member, error) {
	raw = strings.TrimSpace(raw)
	at := strings.LastIndex(raw, "@")
	if at <= 0 || at == len(raw)-1 {
		return Member{}, fmt.Errorf("%w: %q", ErrInvalidMember, raw)
	}
	addr, err := ParseAddress(raw[at+1:])
	if err != nil {
		return Member{}, fmt.Errorf("%w: %q: %v", ErrInvalidMember, raw, err)
	}
	return Member{Nickname: raw[:at], Address: addr}, nil
}

func (m Member) String() string {
	return m.Nickname + "@" + m.Address.String()
}

func (m Member) Equal(o Member) bool {
	return m.Nickname == o.Nickname && m.Address.Equal(o.Address)
}

func (m Member) Validate() error {
	if m.Nickname == "" {
		return ErrEmptyNickname
	}
	if m.Address.IsZero() {
		return ErrEmptyHost
	}
	return nil
}

// Pair is an unordered pair of members. First <= Second by string form.
type Pair struct {
	First  Member
	Second Member
}

func NewPair(a, b Member) Pair {
	if b.String() < a.String() {
		a, b = b, a
	}
	return Pair{First: a, Second: b}
}

// Key is the canonical cache key, e.g. "alice@h1 bob@h1".
func (p Pair) Key() string {
	return p.First.String() + " " + p.Second.String()
}

func (p Pair) String() string {
	return p.Key()
}

// Other returns the member of the pair that is not self.
func (p Pair) Other(self Member) Member {
	if p.First.Equal(self) {
		return p.Second
	}
	return p.First
}
