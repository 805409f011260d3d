package chains

import (
	"context"

	"github.com/danmuck/taulink/internal/chain"
	"github.com/danmuck/taulink/internal/protocol/msg"
)

type Registration struct {
	*chain.Chain
}

func NewRegistration() *Registration {
	return &Registration{Chain: chain.New()}
}

func (c *Registration) Register(ctx context.Context, req msg.RegistrationRequest) (msg.RegistrationResponse, error) {
	var out msg.RegistrationResponse
	err := c.Request(ctx, msg.TypeRegistrationRequest, req, msg.TypeRegistrationResponse, &out)
	return out, err
}

type Login struct {
	*chain.Chain
}

func NewLogin() *Login {
	return &Login{Chain: chain.New()}
}

func (c *Login) Login(ctx context.Context, token, device string) (msg.LoginResponse, error) {
	var out msg.LoginResponse
	err := c.Request(ctx, msg.TypeLoginRequest, msg.LoginRequest{Token: token, Device: device}, msg.TypeLoginResponse, &out)
	return out, err
}

// History returns past logins with ip and device still encrypted.
func (c *Login) History(ctx context.Context) ([]msg.LoginEntry, error) {
	var out msg.LoginHistoryResponse
	if err := c.Request(ctx, msg.TypeLoginHistoryRequest, nil, msg.TypeLoginHistoryResponse, &out); err != nil {
		return nil, err
	}
	return out.Entries, nil
}

type WhoAmI struct {
	*chain.Chain
}

func NewWhoAmI() *WhoAmI {
	return &WhoAmI{Chain: chain.New()}
}

func (c *WhoAmI) Nickname(ctx context.Context) (string, error) {
	var out msg.WhoAmIResponse
	if err := c.Request(ctx, msg.TypeWhoAmIRequest, nil, msg.TypeWhoAmIResponse, &out); err != nil {
		return "", err
	}
	return out.Nickname, nil
}
