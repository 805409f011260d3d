package msg

import "fmt"

// Server error codes carried in ErrorPayload.
const (
	CodeUnknown            uint32 = 0
	CodeUnhandledType      uint32 = 1
	CodeUnauthorized       uint32 = 2
	CodeNotFound           uint32 = 3
	CodeAddressedNotFound  uint32 = 4
	CodeKeyStorageNotFound uint32 = 5
	CodeTooFewArgs         uint32 = 6
	CodeInternal           uint32 = 7
)

var codeNames = map[uint32]string{
	CodeUnknown:            "Unknown",
	CodeUnhandledType:      "UnhandledMessageType",
	CodeUnauthorized:       "Unauthorized",
	CodeNotFound:           "NotFound",
	CodeAddressedNotFound:  "AddressedMemberNotFound",
	CodeKeyStorageNotFound: "KeyStorageNotFound",
	CodeTooFewArgs:         "TooFewArguments",
	CodeInternal:           "ServerError",
}

// CodeName maps a code to its canonical name.
func CodeName(code uint32) string {
	if n, ok := codeNames[code]; ok {
		return n
	}
	return fmt.Sprintf("Code%d", code)
}

// ErrorPayload is the body of an ERROR frame.
type ErrorPayload struct {
	Code    uint32 `cbor:"code"`
	Name    string `cbor:"name,omitempty"`
	Message string `cbor:"message,omitempty"`
}

func NewError(code uint32, message string) ErrorPayload {
	return ErrorPayload{Code: code, Name: CodeName(code), Message: message}
}
