package msg

import (
	"time"

	"github.com/google/uuid"
)

// IDPayload is the HAPPY body: the id the server assigned.
type IDPayload struct {
	ID uuid.UUID `cbor:"id"`
}

// KeyDTO is public key material as it crosses the wire.
type KeyDTO struct {
	ID         uuid.UUID `cbor:"key-id"`
	Encryption string    `cbor:"encryption"`
	Public     string    `cbor:"public,omitempty"`
}

type RegistrationRequest struct {
	Nickname string `cbor:"nickname"`
	Password string `cbor:"password"`
	Device   string `cbor:"device"`
	Key      KeyDTO `cbor:"key"`
}

type RegistrationResponse struct {
	KeyID uuid.UUID `cbor:"key-id"`
	Token string    `cbor:"token"`
}

type LoginRequest struct {
	Token  string `cbor:"token"`
	Device string `cbor:"device,omitempty"`
}

type LoginResponse struct {
	Nickname string `cbor:"nickname"`
}

// LoginEntry fields IP and Device are base64 ciphertext under the
// personal key identified by EncryptorID.
type LoginEntry struct {
	Time        time.Time `cbor:"time"`
	IP          string    `cbor:"ip"`
	Device      string    `cbor:"device"`
	EncryptorID uuid.UUID `cbor:"encryptor-id"`
}

type LoginHistoryResponse struct {
	Entries []LoginEntry `cbor:"entries"`
}

type WhoAmIResponse struct {
	Nickname string `cbor:"nickname"`
}

// DEK request operations.
const (
	DEKOpKeyOf = "key-of"
	DEKOpSend  = "send"
	DEKOpList  = "list"
)

type DEKRequest struct {
	Op           string    `cbor:"op"`
	Nickname     string    `cbor:"nickname,omitempty"`
	EncryptorID  uuid.UUID `cbor:"encryptor-id,omitempty"`
	EncryptedKey string    `cbor:"encrypted-key,omitempty"`
}

// DEKEntry is a DEK addressed to this agent, wrapped under its personal key.
type DEKEntry struct {
	ID           uuid.UUID `cbor:"id"`
	Sender       string    `cbor:"sender"`
	EncryptedKey string    `cbor:"encrypted-key"`
}

type DEKListResponse struct {
	Keys []DEKEntry `cbor:"keys"`
}

type GroupRequest struct {
	Add []string `cbor:"add"`
}

// ChatMessageInput is an outgoing chat message. KeyID is set only when
// Content is ciphertext.
type ChatMessageInput struct {
	ChatID    uuid.UUID   `cbor:"chat-id"`
	Content   string      `cbor:"content"`
	KeyID     *uuid.UUID  `cbor:"key-id,omitempty"`
	RepliedTo []uuid.UUID `cbor:"replied-to,omitempty"`
	FileIDs   []uuid.UUID `cbor:"file-ids,omitempty"`
	SentAt    time.Time   `cbor:"sent-at"`
}

func (m ChatMessageInput) Encrypted() bool {
	return m.KeyID != nil
}

type ForwardRequest struct {
	Message ChatMessageInput `cbor:"message"`
}

// ChatMessageView is a stored message as the server reports it.
type ChatMessageView struct {
	ID        uuid.UUID        `cbor:"id"`
	CreatedAt time.Time        `cbor:"created-at"`
	Nickname  string           `cbor:"nickname"`
	Message   ChatMessageInput `cbor:"message"`
}

// Forward is a server-pushed message.
type Forward struct {
	Message     ChatMessageView `cbor:"message"`
	YourSession bool            `cbor:"your-session"`
}

type MessagesRequest struct {
	ChatID uuid.UUID `cbor:"chat-id"`
	Index  int       `cbor:"index"`
	Size   int       `cbor:"size"`
}

type MessagesResponse struct {
	Count   int               `cbor:"count"`
	Objects []ChatMessageView `cbor:"objects"`
}

// Chat request operations.
const (
	ChatOpByMember = "by-member"
	ChatOpByID     = "by-id"
)

const (
	ChatKindDialog  = "dialog"
	ChatKindChannel = "channel"
)

type ChatRequest struct {
	Op      string      `cbor:"op"`
	ChatIDs []uuid.UUID `cbor:"chat-ids,omitempty"`
}

type ChatInfo struct {
	ID            uuid.UUID        `cbor:"id"`
	Kind          string           `cbor:"kind"`
	Title         string           `cbor:"title,omitempty"`
	OtherNickname string           `cbor:"other-nickname,omitempty"`
	LastMessage   *ChatMessageView `cbor:"last-message,omitempty"`
}

type ChatResponse struct {
	Chats []ChatInfo `cbor:"chats"`
}

// Channel request operations.
const (
	ChannelOpInvite = "invite"
	ChannelOpAvatar = "avatar"
)

type ChannelRequest struct {
	Op       string        `cbor:"op"`
	ChatID   uuid.UUID     `cbor:"chat-id"`
	Nickname string        `cbor:"nickname,omitempty"`
	Expiry   time.Duration `cbor:"expiry,omitempty"`
}

type FileDTO struct {
	ID          uuid.UUID `cbor:"id"`
	ContentType string    `cbor:"content-type"`
	Body        []byte    `cbor:"body"`
}

type ChannelResponse struct {
	Code   string   `cbor:"code,omitempty"`
	Avatar *FileDTO `cbor:"avatar,omitempty"`
}
