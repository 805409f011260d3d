package keystore

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/danmuck/taulink/internal/crypto"
	"github.com/danmuck/taulink/internal/identity"
	"github.com/google/uuid"
)

// Category selects one of the facade's key families.
type Category string

const (
	CategoryServerKey       Category = "server-key"
	CategoryPersonalKey     Category = "personal-key"
	CategoryPersonalKeyByID Category = "personal-key-by-id"
	CategoryEncryptor       Category = "encryptor"
	CategoryDEK             Category = "dek"
	CategoryDEKByID         Category = "dek-by-id"
)

// Categories lists every category in a stable order.
func Categories() []Category {
	return []Category{
		CategoryServerKey,
		CategoryPersonalKey,
		CategoryPersonalKeyByID,
		CategoryEncryptor,
		CategoryDEK,
		CategoryDEKByID,
	}
}

// Identity names what a record is stored under. Which fields are set depends
// on the category: an Address alone, a Member, a Pair with its peer Member, or
// an Address with a KeyID.
type Identity struct {
	Address identity.Address
	Member  identity.Member
	Pair    identity.Pair
	KeyID   uuid.UUID
}

func ServerIdentity(addr identity.Address) Identity {
	return Identity{Address: addr}
}

func MemberIdentity(m identity.Member) Identity {
	return Identity{Address: m.Address, Member: m}
}

// PairIdentity names the DEK shared by self and peer.
func PairIdentity(self, peer identity.Member) Identity {
	return Identity{Address: self.Address, Pair: identity.NewPair(self, peer), Member: peer}
}

func KeyIDIdentity(addr identity.Address, id uuid.UUID) Identity {
	return Identity{Address: addr, KeyID: id}
}

// Key is the canonical lookup string for the identity.
func (i Identity) Key() string {
	switch {
	case i.KeyID != uuid.Nil:
		return i.Address.String() + "#" + i.KeyID.String()
	case i.Pair.First.Nickname != "":
		return i.Pair.Key()
	case i.Member.Nickname != "":
		return i.Member.String()
	default:
		return i.Address.String()
	}
}

func (i Identity) String() string {
	return i.Key()
}

// Fields renders the identity the way host call-outs address keys.
// "address" omits the default port; for DEK pairs "nickname" is the peer.
func (i Identity) Fields() map[string]any {
	out := map[string]any{"address": i.Address.String()}
	if i.KeyID != uuid.Nil {
		out["key-id"] = i.KeyID.String()
	}
	if i.Member.Nickname != "" {
		out["nickname"] = i.Member.Nickname
	}
	if i.Pair.First.Nickname != "" {
		out["pair"] = i.Pair.Key()
	}
	return out
}

// Record is the persisted key layout shared with every external store:
// asymmetric keys fill public/private, symmetric keys fill sym (base64).
type Record struct {
	KeyID      string `json:"key-id,omitempty"`
	Encryption string `json:"encryption"`
	Public     string `json:"public,omitempty"`
	Private    string `json:"private,omitempty"`
	Sym        string `json:"sym,omitempty"`
}

// RecordOf encodes an entry. A nil id leaves key-id empty.
func RecordOf(e crypto.KeyEntry) Record {
	r := Record{
		Encryption: e.Key.Algorithm,
		Public:     e.Key.Public,
		Private:    e.Key.Private,
	}
	if e.ID != uuid.Nil {
		r.KeyID = e.ID.String()
	}
	if len(e.Key.Sym) > 0 {
		r.Sym = base64.StdEncoding.EncodeToString(e.Key.Sym)
	}
	return r
}

// Entry decodes the record back into key material.
func (r Record) Entry() (crypto.KeyEntry, error) {
	if strings.TrimSpace(r.Encryption) == "" {
		return crypto.KeyEntry{}, fmt.Errorf("%w: missing encryption", ErrInvalidRecord)
	}
	e := crypto.KeyEntry{Key: crypto.KeyStorage{
		Algorithm: r.Encryption,
		Public:    r.Public,
		Private:   r.Private,
	}}
	if r.KeyID != "" {
		id, err := uuid.Parse(r.KeyID)
		if err != nil {
			return crypto.KeyEntry{}, fmt.Errorf("%w: key-id: %v", ErrInvalidRecord, err)
		}
		e.ID = id
	}
	if r.Sym != "" {
		sym, err := base64.StdEncoding.DecodeString(r.Sym)
		if err != nil {
			return crypto.KeyEntry{}, fmt.Errorf("%w: sym: %v", ErrInvalidRecord, err)
		}
		e.Key.Sym = sym
	}
	if err := e.Key.Validate(); err != nil {
		return crypto.KeyEntry{}, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	return e, nil
}

// recordFromMap reads a host call-out result.
func recordFromMap(m map[string]any) Record {
	str := func(k string) string {
		if v, ok := m[k].(string); ok {
			return v
		}
		return ""
	}
	return Record{
		KeyID:      str("key-id"),
		Encryption: str("encryption"),
		Public:     str("public"),
		Private:    str("private"),
		Sym:        str("sym"),
	}
}

func (r Record) toMap() map[string]any {
	out := map[string]any{"encryption": r.Encryption}
	if r.KeyID != "" {
		out["key-id"] = r.KeyID
	}
	if r.Public != "" {
		out["public"] = r.Public
	}
	if r.Private != "" {
		out["private"] = r.Private
	}
	if r.Sym != "" {
		out["sym"] = r.Sym
	}
	return out
}
