// Package keystore caches key material in front of an external Store.
//
// The Facade keeps one read-through cache per key family. A save writes the
// store and then the cache, whatever the store said. A load checks the cache,
// then asks the store exactly once; any store failure becomes a
// KeyStorageNotFoundError so callers can fall back to key exchange.
package keystore

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/danmuck/taulink/internal/crypto"
	"github.com/danmuck/taulink/internal/identity"
	"github.com/danmuck/taulink/internal/observability"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

type Facade struct {
	store Store

	mu           sync.RWMutex
	serverKeys   map[string]crypto.KeyStorage
	personal     map[string]crypto.KeyEntry
	personalByID map[uuid.UUID]crypto.KeyStorage
	encryptors   map[string]crypto.KeyEntry
	dekByPair    map[string]crypto.KeyEntry
	dekByID      map[uuid.UUID]crypto.KeyStorage
}

func NewFacade(store Store) *Facade {
	return &Facade{
		store:        store,
		serverKeys:   make(map[string]crypto.KeyStorage),
		personal:     make(map[string]crypto.KeyEntry),
		personalByID: make(map[uuid.UUID]crypto.KeyStorage),
		encryptors:   make(map[string]crypto.KeyEntry),
		dekByPair:    make(map[string]crypto.KeyEntry),
		dekByID:      make(map[uuid.UUID]crypto.KeyStorage),
	}
}

func (f *Facade) SaveServerKey(ctx context.Context, addr identity.Address, key crypto.KeyStorage) error {
	ident := ServerIdentity(addr)
	err := f.save(ctx, CategoryServerKey, ident, crypto.KeyEntry{Key: key.PublicOnly()})
	f.mu.Lock()
	f.serverKeys[ident.Key()] = key.PublicOnly()
	f.mu.Unlock()
	return err
}

func (f *Facade) LoadServerKey(ctx context.Context, addr identity.Address) (crypto.KeyStorage, error) {
	ident := ServerIdentity(addr)
	f.mu.RLock()
	key, ok := f.serverKeys[ident.Key()]
	f.mu.RUnlock()
	if ok {
		observability.RecordKeyStore(string(CategoryServerKey), "load", "hit")
		return key, nil
	}
	entry, err := f.load(ctx, CategoryServerKey, ident)
	if err != nil {
		return crypto.KeyStorage{}, err
	}
	f.mu.Lock()
	f.serverKeys[ident.Key()] = entry.Key
	f.mu.Unlock()
	return entry.Key, nil
}

// SavePersonalKey stores this agent's own key under self and under its id.
func (f *Facade) SavePersonalKey(ctx context.Context, self identity.Member, entry crypto.KeyEntry) error {
	if entry.ID == uuid.Nil {
		return fmt.Errorf("%w: personal key without id", ErrInvalidRecord)
	}
	err := errors.Join(
		f.save(ctx, CategoryPersonalKey, MemberIdentity(self), entry),
		f.save(ctx, CategoryPersonalKeyByID, KeyIDIdentity(self.Address, entry.ID), entry),
	)
	f.mu.Lock()
	f.personal[self.String()] = entry
	f.personalByID[entry.ID] = entry.Key
	f.mu.Unlock()
	return err
}

func (f *Facade) LoadPersonalKey(ctx context.Context, self identity.Member) (crypto.KeyEntry, error) {
	f.mu.RLock()
	entry, ok := f.personal[self.String()]
	f.mu.RUnlock()
	if ok {
		observability.RecordKeyStore(string(CategoryPersonalKey), "load", "hit")
		return entry, nil
	}
	entry, err := f.load(ctx, CategoryPersonalKey, MemberIdentity(self))
	if err != nil {
		return crypto.KeyEntry{}, err
	}
	f.mu.Lock()
	f.personal[self.String()] = entry
	if entry.ID != uuid.Nil {
		f.personalByID[entry.ID] = entry.Key
	}
	f.mu.Unlock()
	return entry, nil
}

func (f *Facade) LoadPersonalKeyByID(ctx context.Context, addr identity.Address, id uuid.UUID) (crypto.KeyStorage, error) {
	f.mu.RLock()
	key, ok := f.personalByID[id]
	f.mu.RUnlock()
	if ok {
		observability.RecordKeyStore(string(CategoryPersonalKeyByID), "load", "hit")
		return key, nil
	}
	entry, err := f.load(ctx, CategoryPersonalKeyByID, KeyIDIdentity(addr, id))
	if err != nil {
		return crypto.KeyStorage{}, err
	}
	f.mu.Lock()
	f.personalByID[id] = entry.Key
	f.mu.Unlock()
	return entry.Key, nil
}

// SaveEncryptor stores the public half of a peer's key.
func (f *Facade) SaveEncryptor(ctx context.Context, peer identity.Member, entry crypto.KeyEntry) error {
	entry.Key = entry.Key.PublicOnly()
	err := f.save(ctx, CategoryEncryptor, MemberIdentity(peer), entry)
	f.mu.Lock()
	f.encryptors[peer.String()] = entry
	f.mu.Unlock()
	return err
}

func (f *Facade) LoadEncryptor(ctx context.Context, peer identity.Member) (crypto.KeyEntry, error) {
	f.mu.RLock()
	entry, ok := f.encryptors[peer.String()]
	f.mu.RUnlock()
	if ok {
		observability.RecordKeyStore(string(CategoryEncryptor), "load", "hit")
		return entry, nil
	}
	entry, err := f.load(ctx, CategoryEncryptor, MemberIdentity(peer))
	if err != nil {
		return crypto.KeyEntry{}, err
	}
	f.mu.Lock()
	f.encryptors[peer.String()] = entry
	f.mu.Unlock()
	return entry, nil
}

// SaveDEK stores the key shared by self and peer under the pair and its id.
// Both cache indices change under one lock.
func (f *Facade) SaveDEK(ctx context.Context, self, peer identity.Member, entry crypto.KeyEntry) error {
	if entry.ID == uuid.Nil {
		return fmt.Errorf("%w: dek without id", ErrInvalidRecord)
	}
	pair := PairIdentity(self, peer)
	err := errors.Join(
		f.save(ctx, CategoryDEK, pair, entry),
		f.save(ctx, CategoryDEKByID, KeyIDIdentity(self.Address, entry.ID), entry),
	)
	f.mu.Lock()
	f.dekByPair[pair.Key()] = entry
	f.dekByID[entry.ID] = entry.Key
	f.mu.Unlock()
	return err
}

// LoadDEK finds the key shared by a and b; argument order does not matter.
func (f *Facade) LoadDEK(ctx context.Context, self, peer identity.Member) (crypto.KeyEntry, error) {
	pair := PairIdentity(self, peer)
	f.mu.RLock()
	entry, ok := f.dekByPair[pair.Key()]
	f.mu.RUnlock()
	if ok {
		observability.RecordKeyStore(string(CategoryDEK), "load", "hit")
		return entry, nil
	}
	entry, err := f.load(ctx, CategoryDEK, pair)
	if err != nil {
		return crypto.KeyEntry{}, err
	}
	if entry.ID == uuid.Nil {
		return crypto.KeyEntry{}, f.notFound(CategoryDEK, pair, fmt.Errorf("%w: dek without id", ErrInvalidRecord))
	}
	f.mu.Lock()
	f.dekByPair[pair.Key()] = entry
	f.dekByID[entry.ID] = entry.Key
	f.mu.Unlock()
	return entry, nil
}

func (f *Facade) LoadDEKByID(ctx context.Context, addr identity.Address, id uuid.UUID) (crypto.KeyStorage, error) {
	f.mu.RLock()
	key, ok := f.dekByID[id]
	f.mu.RUnlock()
	if ok {
		observability.RecordKeyStore(string(CategoryDEKByID), "load", "hit")
		return key, nil
	}
	entry, err := f.load(ctx, CategoryDEKByID, KeyIDIdentity(addr, id))
	if err != nil {
		return crypto.KeyStorage{}, err
	}
	f.mu.Lock()
	f.dekByID[id] = entry.Key
	f.mu.Unlock()
	return entry.Key, nil
}

// CacheSizes reports the number of cached entries per category.
func (f *Facade) CacheSizes() map[Category]int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return map[Category]int{
		CategoryServerKey:       len(f.serverKeys),
		CategoryPersonalKey:     len(f.personal),
		CategoryPersonalKeyByID: len(f.personalByID),
		CategoryEncryptor:       len(f.encryptors),
		CategoryDEK:             len(f.dekByPair),
		CategoryDEKByID:         len(f.dekByID),
	}
}

func (f *Facade) save(ctx context.Context, category Category, ident Identity, entry crypto.KeyEntry) error {
	if err := f.store.Save(ctx, category, ident, RecordOf(entry)); err != nil {
		observability.RecordKeyStore(string(category), "save", "error")
		log.Warn().Err(err).
			Str("category", string(category)).
			Str("identity", ident.Key()).
			Msg("keystore.Facade.save store write failed, cache updated")
		return fmt.Errorf("keystore: save %s for %s: %w", category, ident.Key(), err)
	}
	observability.RecordKeyStore(string(category), "save", "ok")
	return nil
}

func (f *Facade) load(ctx context.Context, category Category, ident Identity) (crypto.KeyEntry, error) {
	rec, err := f.store.Load(ctx, category, ident)
	if err != nil {
		return crypto.KeyEntry{}, f.notFound(category, ident, err)
	}
	entry, err := rec.Entry()
	if err != nil {
		return crypto.KeyEntry{}, f.notFound(category, ident, err)
	}
	observability.RecordKeyStore(string(category), "load", "store")
	return entry, nil
}

func (f *Facade) notFound(category Category, ident Identity, cause error) error {
	observability.RecordKeyStore(string(category), "load", "not_found")
	ev := log.Debug()
	if !errors.Is(cause, ErrNotFound) {
		ev = log.Warn().Str("cause", cause.Error())
	}
	ev.Str("category", string(category)).
		Str("identity", ident.Key()).
		Msg("keystore.Facade.load key storage not found")
	return &KeyStorageNotFoundError{Category: category, Identity: ident.Key(), Err: cause}
}
