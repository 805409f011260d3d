// Package msg is the message-type catalog and payload DTOs carried in frames.
package msg

import (
	"fmt"

	"github.com/danmuck/taulink/internal/protocol/codec"
	"github.com/danmuck/taulink/internal/protocol/frame"
)

// Type is the frame message_type tag.
type Type uint32

const (
	TypeHappy Type = 1
	TypeError Type = 2

	TypeRegistrationRequest  Type = 10
	TypeRegistrationResponse Type = 11
	TypeLoginRequest         Type = 12
	TypeLoginResponse        Type = 13
	TypeLoginHistoryRequest  Type = 14
	TypeLoginHistoryResponse Type = 15
	TypeWhoAmIRequest        Type = 16
	TypeWhoAmIResponse       Type = 17

	TypeDEKRequest      Type = 20
	TypeDEKKeyResponse  Type = 21
	TypeDEKListResponse Type = 22

	TypeGroupRequest Type = 30

	TypeForwardRequest   Type = 40
	TypeForward          Type = 41
	TypeMessagesRequest  Type = 42
	TypeMessagesResponse Type = 43
	TypeChatRequest      Type = 44
	TypeChatResponse     Type = 45
	TypeChannelRequest   Type = 46
	TypeChannelResponse  Type = 47
)

type descriptor struct {
	name string
	// pushed types may open a chain from the server side.
	pushed bool
}

var catalog = map[Type]descriptor{
	TypeHappy:                {name: "HAPPY"},
	TypeError:                {name: "ERROR"},
	TypeRegistrationRequest:  {name: "REG_REQ"},
	TypeRegistrationResponse: {name: "REG_RES"},
	TypeLoginRequest:         {name: "LOGIN_REQ"},
	TypeLoginResponse:        {name: "LOGIN_RES"},
	TypeLoginHistoryRequest:  {name: "LOGIN_HISTORY_REQ"},
	TypeLoginHistoryResponse: {name: "LOGIN_HISTORY_RES"},
	TypeWhoAmIRequest:        {name: "WHOAMI_REQ"},
	TypeWhoAmIResponse:       {name: "WHOAMI_RES"},
	TypeDEKRequest:           {name: "DEK_REQ"},
	TypeDEKKeyResponse:       {name: "DEK_KEY_RES"},
	TypeDEKListResponse:      {name: "DEK_LIST_RES"},
	TypeGroupRequest:         {name: "GROUP_REQ"},
	TypeForwardRequest:       {name: "FWD_REQ"},
	TypeForward:              {name: "FWD", pushed: true},
	TypeMessagesRequest:      {name: "MESSAGES_REQ"},
	TypeMessagesResponse:     {name: "MESSAGES_RES"},
	TypeChatRequest:          {name: "CHAT_REQ"},
	TypeChatResponse:         {name: "CHAT_RES"},
	TypeChannelRequest:       {name: "CHANNEL_REQ"},
	TypeChannelResponse:      {name: "CHANNEL_RES"},
}

func (t Type) String() string {
	if d, ok := catalog[t]; ok {
		return d.name
	}
	return fmt.Sprintf("UNKNOWN(%d)", uint32(t))
}

// Known reports whether t is part of the catalog.
func (t Type) Known() bool {
	_, ok := catalog[t]
	return ok
}

// Pushed reports whether the server may open a chain with t.
func (t Type) Pushed() bool {
	return catalog[t].pushed
}

// TypeOf reads the message type tag of f.
func TypeOf(f frame.Frame) Type {
	return Type(f.MessageType())
}

// NewFrame encodes v as the payload of a t frame on chainID.
func NewFrame(chainID uint64, t Type, v any) (frame.Frame, error) {
	var payload []byte
	if v != nil {
		var err error
		payload, err = codec.Marshal(v)
		if err != nil {
			return frame.Frame{}, fmt.Errorf("msg: encode %s: %w", t, err)
		}
	}
	return frame.New(chainID, uint32(t), 0, payload), nil
}

// ErrorFrame builds a final error frame on chainID.
func ErrorFrame(chainID uint64, e ErrorPayload) frame.Frame {
	payload, _ := codec.Marshal(e)
	return frame.New(chainID, uint32(TypeError), frame.FlagError|frame.FlagFinal, payload)
}

// Decode unmarshals the payload of f into out.
func Decode(f frame.Frame, out any) error {
	return codec.Unmarshal(f.Payload, out)
}
