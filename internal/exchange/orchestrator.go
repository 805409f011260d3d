// Package exchange makes sure a shared DEK exists before a dialog message
// leaves, and recovers DEKs when an inbound message names one we lack.
//
// Key exchange never blocks delivery: when any step fails the message goes
// out in plaintext and the result carries no key id.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/danmuck/taulink/internal/chain"
	"github.com/danmuck/taulink/internal/chains"
	"github.com/danmuck/taulink/internal/crypto"
	"github.com/danmuck/taulink/internal/identity"
	"github.com/danmuck/taulink/internal/keystore"
	"github.com/danmuck/taulink/internal/observability"
	"github.com/danmuck/taulink/internal/protocol/msg"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	DefaultDEKAlgorithm      = "AES"
	DefaultPersonalAlgorithm = "ECIES"
)

var ErrNoIdentity = errors.New("exchange: nickname unknown, log in first")

// KeyStore is the part of keystore.Facade the orchestrator uses.
type KeyStore interface {
	SavePersonalKey(ctx context.Context, self identity.Member, entry crypto.KeyEntry) error
	LoadPersonalKey(ctx context.Context, self identity.Member) (crypto.KeyEntry, error)
	LoadPersonalKeyByID(ctx context.Context, addr identity.Address, id uuid.UUID) (crypto.KeyStorage, error)
	SaveEncryptor(ctx context.Context, peer identity.Member, entry crypto.KeyEntry) error
	LoadEncryptor(ctx context.Context, peer identity.Member) (crypto.KeyEntry, error)
	SaveDEK(ctx context.Context, self, peer identity.Member, entry crypto.KeyEntry) error
	LoadDEK(ctx context.Context, self, peer identity.Member) (crypto.KeyEntry, error)
	LoadDEKByID(ctx context.Context, addr identity.Address, id uuid.UUID) (crypto.KeyStorage, error)
}

var _ KeyStore = (*keystore.Facade)(nil)

type Config struct {
	Address           identity.Address
	DEKAlgorithm      string
	PersonalAlgorithm string
	Now               func() time.Time
}

// Orchestrator runs the key lifecycle for one session.
type Orchestrator struct {
	reg  *chain.Registry
	keys KeyStore
	algs *crypto.Registry
	cfg  Config

	mu       sync.RWMutex
	nickname string

	fwdMu sync.Mutex
}

func New(reg *chain.Registry, keys KeyStore, algs *crypto.Registry, cfg Config) *Orchestrator {
	if cfg.DEKAlgorithm == "" {
		cfg.DEKAlgorithm = DefaultDEKAlgorithm
	}
	if cfg.PersonalAlgorithm == "" {
		cfg.PersonalAlgorithm = DefaultPersonalAlgorithm
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if algs == nil {
		algs = crypto.DefaultRegistry()
	}
	return &Orchestrator{reg: reg, keys: keys, algs: algs, cfg: cfg}
}

func (o *Orchestrator) SetNickname(nickname string) {
	o.mu.Lock()
	o.nickname = nickname
	o.mu.Unlock()
}

func (o *Orchestrator) Nickname() string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.nickname
}

// Self is this agent as a member of the session's node.
func (o *Orchestrator) Self() (identity.Member, error) {
	nick := o.Nickname()
	if nick == "" {
		return identity.Member{}, ErrNoIdentity
	}
	return identity.NewMember(nick, o.cfg.Address), nil
}

func (o *Orchestrator) peer(nickname string) identity.Member {
	return identity.NewMember(nickname, o.cfg.Address)
}

// Outgoing is a chat message before encryption.
type Outgoing struct {
	ChatID    uuid.UUID
	Content   string
	RepliedTo []uuid.UUID
	FileIDs   []uuid.UUID
}

func (m Outgoing) input(now time.Time) msg.ChatMessageInput {
	return msg.ChatMessageInput{
		ChatID:    m.ChatID,
		RepliedTo: m.RepliedTo,
		FileIDs:   m.FileIDs,
		SentAt:    now.UTC(),
	}
}

// SendResult is what the server stored. KeyID is nil for plaintext.
type SendResult struct {
	MessageID uuid.UUID
	KeyID     *uuid.UUID
}

func (r SendResult) Map() map[string]any {
	out := map[string]any{"message": r.MessageID.String()}
	if r.KeyID != nil {
		out["key"] = r.KeyID.String()
	}
	return out
}

// DialogSend encrypts m under the DEK shared with peer, creating and pushing
// one when needed, and sends it. Key failures degrade to plaintext.
func (o *Orchestrator) DialogSend(ctx context.Context, peer string, m Outgoing) (SendResult, error) {
	input := m.input(o.cfg.Now())
	var keyID *uuid.UUID
	if err := o.encryptFor(ctx, peer, m.Content, &input); err != nil {
		observability.RecordKeyExchange(observability.ExchangePlaintext)
		log.Warn().Err(err).
			Bool("degraded", true).
			Str("peer", peer).
			Str("chat_id", m.ChatID.String()).
			Msg("exchange.Orchestrator.DialogSend sending unencrypted")
		input.Content = m.Content
		input.KeyID = nil
	} else {
		keyID = input.KeyID
	}

	id, err := o.forward(ctx, input)
	if err != nil {
		return SendResult{}, err
	}
	return SendResult{MessageID: id, KeyID: keyID}, nil
}

func (o *Orchestrator) encryptFor(ctx context.Context, peer, content string, input *msg.ChatMessageInput) error {
	dek, err := o.EnsureDEK(ctx, peer)
	if err != nil {
		return err
	}
	ct, err := o.algs.EncryptString(dek.Key, content)
	if err != nil {
		return err
	}
	id := dek.ID
	input.Content = ct
	input.KeyID = &id
	return nil
}

// GroupSend sends m to a group chat in plaintext.
func (o *Orchestrator) GroupSend(ctx context.Context, m Outgoing) (SendResult, error) {
	input := m.input(o.cfg.Now())
	input.Content = m.Content
	id, err := o.forward(ctx, input)
	if err != nil {
		return SendResult{}, err
	}
	return SendResult{MessageID: id}, nil
}

// Send uses the session's long-lived fwd_req chain, creating it on first use.
// A failed call drops the chain so a late reply cannot answer the next one.
func (o *Orchestrator) Send(ctx context.Context, m Outgoing) (uuid.UUID, error) {
	fwd, err := o.forwardChain()
	if err != nil {
		return uuid.Nil, err
	}
	input := m.input(o.cfg.Now())
	input.Content = m.Content
	id, err := fwd.Message(ctx, input)
	if err != nil {
		o.reg.Remove(fwd)
		log.Warn().Err(err).
			Uint64("chain_id", fwd.ID()).
			Str("chat_id", m.ChatID.String()).
			Msg("exchange.Orchestrator.Send dropped fwd_req chain")
		return uuid.Nil, err
	}
	return id, nil
}

func (o *Orchestrator) forwardChain() (*chains.ForwardRequest, error) {
	o.fwdMu.Lock()
	defer o.fwdMu.Unlock()
	if fwd, ok := chain.GetAs[*chains.ForwardRequest](o.reg, chains.ForwardRequestName); ok {
		return fwd, nil
	}
	fwd := chains.NewForwardRequest()
	if err := o.reg.SetName(fwd, chains.ForwardRequestName); err != nil {
		return nil, err
	}
	if err := o.reg.Link(fwd); err != nil {
		return nil, err
	}
	return fwd, nil
}

func (o *Orchestrator) forward(ctx context.Context, input msg.ChatMessageInput) (uuid.UUID, error) {
	return chain.UseValue(o.reg, chains.NewForwardRequest(), func(c *chains.ForwardRequest) (uuid.UUID, error) {
		return c.Message(ctx, input)
	})
}

// EnsureDEK returns the DEK shared with peer. On a miss it finds the peer's
// encryptor, pushes a fresh DEK wrapped under it and saves the result.
func (o *Orchestrator) EnsureDEK(ctx context.Context, peer string) (crypto.KeyEntry, error) {
	self, err := o.Self()
	if err != nil {
		return crypto.KeyEntry{}, err
	}
	other := o.peer(peer)

	dek, err := o.keys.LoadDEK(ctx, self, other)
	if err == nil {
		observability.RecordKeyExchange(observability.ExchangeCached)
		return dek, nil
	}
	if !keystore.IsNotFound(err) {
		return crypto.KeyEntry{}, err
	}

	enc, err := o.encryptor(ctx, other)
	if err != nil {
		return crypto.KeyEntry{}, err
	}

	key, err := o.algs.Generate(o.cfg.DEKAlgorithm)
	if err != nil {
		return crypto.KeyEntry{}, err
	}
	wrapped, err := o.algs.WrapKey(enc.Key, key)
	if err != nil {
		return crypto.KeyEntry{}, fmt.Errorf("exchange: wrap dek for %s: %w", other, err)
	}
	id, err := chain.UseValue(o.reg, chains.NewDEK(), func(c *chains.DEK) (uuid.UUID, error) {
		return c.Send(ctx, peer, enc.ID, wrapped)
	})
	if err != nil {
		return crypto.KeyEntry{}, fmt.Errorf("exchange: push dek to %s: %w", other, err)
	}

	entry := crypto.KeyEntry{ID: id, Key: key}
	if err := o.keys.SaveDEK(ctx, self, other, entry); err != nil {
		log.Warn().Err(err).
			Str("peer", other.String()).
			Str("key_id", id.String()).
			Msg("exchange.Orchestrator.EnsureDEK save failed, using dek anyway")
	}
	observability.RecordKeyExchange(observability.ExchangeCreated)
	log.Info().Str("peer", other.String()).Str("key_id", id.String()).Msg("exchange.Orchestrator.EnsureDEK created")
	return entry, nil
}

// encryptor loads the peer's public key, fetching and caching it on a miss.
func (o *Orchestrator) encryptor(ctx context.Context, peer identity.Member) (crypto.KeyEntry, error) {
	enc, err := o.keys.LoadEncryptor(ctx, peer)
	if err == nil {
		return enc, nil
	}
	if !keystore.IsNotFound(err) {
		return crypto.KeyEntry{}, err
	}
	enc, err = chain.UseValue(o.reg, chains.NewDEK(), func(c *chains.DEK) (crypto.KeyEntry, error) {
		return c.GetKeyOf(ctx, peer.Nickname)
	})
	if err != nil {
		return crypto.KeyEntry{}, fmt.Errorf("exchange: key of %s: %w", peer, err)
	}
	if err := o.keys.SaveEncryptor(ctx, peer, enc); err != nil {
		log.Warn().Err(err).Str("peer", peer.String()).Msg("exchange.Orchestrator.encryptor save failed")
	}
	return enc, nil
}
