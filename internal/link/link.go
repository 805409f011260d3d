// Package link reads and writes connection links of the form
//
//	sandnode://[nickname@]host[:port]?encryption=NAME&key=PUBLIC
//
// A link names a node and pins the node's public key.
package link

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/danmuck/taulink/internal/crypto"
	"github.com/danmuck/taulink/internal/identity"
)

const Scheme = "sandnode"

var (
	ErrScheme     = errors.New("link: scheme must be sandnode")
	ErrMissingKey = errors.New("link: encryption and key are required")
)

type Link struct {
	Nickname  string
	Address   identity.Address
	ServerKey crypto.KeyStorage
}

func Parse(raw string) (Link, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return Link{}, fmt.Errorf("link: %w", err)
	}
	if !strings.EqualFold(u.Scheme, Scheme) {
		return Link{}, fmt.Errorf("%w: %q", ErrScheme, u.Scheme)
	}
	addr, err := identity.ParseAddress(u.Host)
	if err != nil {
		return Link{}, fmt.Errorf("link: %w", err)
	}
	q := u.Query()
	enc := strings.TrimSpace(q.Get("encryption"))
	// "+" in unescaped base64 keys arrives as a space.
	key := strings.ReplaceAll(strings.TrimSpace(q.Get("key")), " ", "+")
	if enc == "" || key == "" {
		return Link{}, ErrMissingKey
	}
	l := Link{
		Address:   addr,
		ServerKey: crypto.KeyStorage{Algorithm: strings.ToUpper(enc), Public: key},
	}
	if u.User != nil {
		l.Nickname = u.User.Username()
	}
	return l, nil
}

func (l Link) String() string {
	q := url.Values{}
	q.Set("encryption", l.ServerKey.Algorithm)
	q.Set("key", l.ServerKey.Public)
	u := url.URL{Scheme: Scheme, Host: l.Address.String(), RawQuery: q.Encode()}
	if l.Nickname != "" {
		u.User = url.User(l.Nickname)
	}
	return u.String()
}

// Member is the nickname of the link on its node, if the link names one.
func (l Link) Member() (identity.Member, bool) {
	if l.Nickname == "" {
		return identity.Member{}, false
	}
	return identity.NewMember(l.Nickname, l.Address), true
}
