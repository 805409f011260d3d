package chain

import (
	"errors"
	"fmt"

	"github.com/danmuck/taulink/internal/protocol/msg"
)

var (
	ErrQueueClosed    = errors.New("chain: queue closed")
	ErrChainClosed    = errors.New("chain: chain closed")
	ErrChainNotLinked = errors.New("chain: chain not linked")
	ErrRegistryClosed = errors.New("chain: registry closed")
)

// ProtocolError is an error frame sent by the server.
type ProtocolError struct {
	Code    uint32
	Name    string
	Message string
}

func (e *ProtocolError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("chain: server error %s(%d)", e.Name, e.Code)
	}
	return fmt.Sprintf("chain: server error %s(%d): %s", e.Name, e.Code, e.Message)
}

// UnexpectedMessageTypeError means a frame arrived that the operation did not ask for.
type UnexpectedMessageTypeError struct {
	Expected msg.Type
	Actual   msg.Type
}

func (e *UnexpectedMessageTypeError) Error() string {
	return fmt.Sprintf("chain: unexpected message type %s, expected %s", e.Actual, e.Expected)
}

type DeserializationError struct {
	Type msg.Type
	Err  error
}

func (e *DeserializationError) Error() string {
	return fmt.Sprintf("chain: decode %s: %v", e.Type, e.Err)
}

func (e *DeserializationError) Unwrap() error {
	return e.Err
}

// RegistrationError reports a registry invariant violation.
type RegistrationError struct {
	ChainID uint64
	Name    string
	Reason  string
}

func (e *RegistrationError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("chain: register %q (id=%d): %s", e.Name, e.ChainID, e.Reason)
	}
	return fmt.Sprintf("chain: register id=%d: %s", e.ChainID, e.Reason)
}
