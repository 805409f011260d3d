package chains

import (
	"context"

	"github.com/danmuck/taulink/internal/chain"
	"github.com/danmuck/taulink/internal/crypto"
	"github.com/danmuck/taulink/internal/protocol/msg"
	"github.com/google/uuid"
)

// DEK fetches encryptors, pushes new DEKs and lists DEKs held for us.
type DEK struct {
	*chain.Chain
}

func NewDEK() *DEK {
	return &DEK{Chain: chain.New()}
}

// GetKeyOf asks the server for the public encryptor of nickname.
func (c *DEK) GetKeyOf(ctx context.Context, nickname string) (crypto.KeyEntry, error) {
	var out msg.KeyDTO
	req := msg.DEKRequest{Op: msg.DEKOpKeyOf, Nickname: nickname}
	if err := c.Request(ctx, msg.TypeDEKRequest, req, msg.TypeDEKKeyResponse, &out); err != nil {
		return crypto.KeyEntry{}, err
	}
	return crypto.KeyEntry{
		ID:  out.ID,
		Key: crypto.KeyStorage{Algorithm: out.Encryption, Public: out.Public},
	}, nil
}

// Send delivers wrapped, a DEK encrypted under the peer's encryptor, and
// returns the id the server assigned to the DEK.
func (c *DEK) Send(ctx context.Context, nickname string, encryptorID uuid.UUID, wrapped string) (uuid.UUID, error) {
	var out msg.IDPayload
	req := msg.DEKRequest{
		Op:           msg.DEKOpSend,
		Nickname:     nickname,
		EncryptorID:  encryptorID,
		EncryptedKey: wrapped,
	}
	if err := c.Request(ctx, msg.TypeDEKRequest, req, msg.TypeHappy, &out); err != nil {
		return uuid.Nil, err
	}
	return out.ID, nil
}

// List returns every DEK the server holds for this agent.
func (c *DEK) List(ctx context.Context) ([]msg.DEKEntry, error) {
	var out msg.DEKListResponse
	if err := c.Request(ctx, msg.TypeDEKRequest, msg.DEKRequest{Op: msg.DEKOpList}, msg.TypeDEKListResponse, &out); err != nil {
		return nil, err
	}
	return out.Keys, nil
}
