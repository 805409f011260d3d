package exchange

import (
	"context"
	"fmt"
	"time"

	"github.com/danmuck/taulink/internal/chain"
	"github.com/danmuck/taulink/internal/chains"
	"github.com/danmuck/taulink/internal/crypto"
	"github.com/danmuck/taulink/internal/keystore"
	"github.com/danmuck/taulink/internal/protocol/msg"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Decrypt returns the plaintext of m. Plaintext messages pass through. For
// an unknown key id every DEK the server holds for us is fetched, unwrapped
// with the personal key and saved; if none matches, the original
// KeyStorageNotFoundError is returned. fallbackPeer names the other side for
// DEK entries that carry no sender.
func (o *Orchestrator) Decrypt(ctx context.Context, m msg.ChatMessageInput, fallbackPeer string) (string, error) {
	if !m.Encrypted() {
		return m.Content, nil
	}
	keyID := *m.KeyID
	key, err := o.keys.LoadDEKByID(ctx, o.cfg.Address, keyID)
	if err == nil {
		return o.algs.DecryptString(key, m.Content)
	}
	if !keystore.IsNotFound(err) {
		return "", err
	}

	key, found, refreshErr := o.refreshDEKs(ctx, keyID, fallbackPeer)
	if refreshErr != nil {
		log.Warn().Err(refreshErr).Str("key_id", keyID.String()).Msg("exchange.Orchestrator.Decrypt dek refresh failed")
	}
	if !found {
		return "", err
	}
	return o.algs.DecryptString(key, m.Content)
}

func (o *Orchestrator) refreshDEKs(ctx context.Context, want uuid.UUID, fallbackPeer string) (crypto.KeyStorage, bool, error) {
	self, err := o.Self()
	if err != nil {
		return crypto.KeyStorage{}, false, err
	}
	entries, err := chain.UseValue(o.reg, chains.NewDEK(), func(c *chains.DEK) ([]msg.DEKEntry, error) {
		return c.List(ctx)
	})
	if err != nil {
		return crypto.KeyStorage{}, false, err
	}
	log.Debug().Int("count", len(entries)).Msg("exchange.Orchestrator.refreshDEKs fetched")
	if len(entries) == 0 {
		return crypto.KeyStorage{}, false, nil
	}
	personal, err := o.keys.LoadPersonalKey(ctx, self)
	if err != nil {
		return crypto.KeyStorage{}, false, err
	}

	var (
		match crypto.KeyStorage
		found bool
	)
	for _, e := range entries {
		dek, err := o.algs.UnwrapKey(personal.Key, e.EncryptedKey)
		if err != nil {
			log.Warn().Err(err).Str("key_id", e.ID.String()).Msg("exchange.Orchestrator.refreshDEKs unwrap failed")
			continue
		}
		sender := e.Sender
		if sender == "" {
			sender = fallbackPeer
		}
		if sender != "" {
			if err := o.keys.SaveDEK(ctx, self, o.peer(sender), crypto.KeyEntry{ID: e.ID, Key: dek}); err != nil {
				log.Warn().Err(err).Str("key_id", e.ID.String()).Msg("exchange.Orchestrator.refreshDEKs save failed")
			}
		}
		if e.ID == want {
			match, found = dek, true
		}
	}
	return match, found, nil
}

// LoginRecord is one decrypted login history entry.
type LoginRecord struct {
	Time   time.Time
	IP     string
	Device string
}

func (r LoginRecord) Map() map[string]any {
	return map[string]any{
		"time":   r.Time.UTC().Format(time.RFC3339Nano),
		"ip":     r.IP,
		"device": r.Device,
	}
}

// DecryptLogin opens a history entry with the personal key it names.
func (o *Orchestrator) DecryptLogin(ctx context.Context, e msg.LoginEntry) (LoginRecord, error) {
	key, err := o.keys.LoadPersonalKeyByID(ctx, o.cfg.Address, e.EncryptorID)
	if err != nil {
		return LoginRecord{}, err
	}
	ip, err := o.algs.DecryptString(key, e.IP)
	if err != nil {
		return LoginRecord{}, fmt.Errorf("exchange: login ip: %w", err)
	}
	device, err := o.algs.DecryptString(key, e.Device)
	if err != nil {
		return LoginRecord{}, fmt.Errorf("exchange: login device: %w", err)
	}
	return LoginRecord{Time: e.Time, IP: ip, Device: device}, nil
}

// Register creates an account with a fresh personal key and keeps the key.
func (o *Orchestrator) Register(ctx context.Context, nickname, password, device string) (msg.RegistrationResponse, error) {
	key, err := o.algs.Generate(o.cfg.PersonalAlgorithm)
	if err != nil {
		return msg.RegistrationResponse{}, err
	}
	req := msg.RegistrationRequest{
		Nickname: nickname,
		Password: password,
		Device:   device,
		Key:      msg.KeyDTO{Encryption: key.Algorithm, Public: key.Public},
	}
	res, err := chain.UseValue(o.reg, chains.NewRegistration(), func(c *chains.Registration) (msg.RegistrationResponse, error) {
		return c.Register(ctx, req)
	})
	if err != nil {
		return msg.RegistrationResponse{}, err
	}
	o.SetNickname(nickname)
	self := o.peer(nickname)
	if err := o.keys.SavePersonalKey(ctx, self, crypto.KeyEntry{ID: res.KeyID, Key: key}); err != nil {
		log.Warn().Err(err).Str("self", self.String()).Msg("exchange.Orchestrator.Register save personal key failed")
	}
	return res, nil
}
