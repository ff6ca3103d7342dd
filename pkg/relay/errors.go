package relay

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// JSON-RPC error codes returned at admission.
const (
	CodeInvalidParams     = -32602
	CodeInternal          = -32603
	CodeUnavailable       = -32002
	CodeExecutionReverted = -32003
)

// Error is an admission failure. It satisfies go-ethereum's rpc.Error and
// rpc.DataError so the JSON-RPC server reports Code and Data as is.
type Error struct {
	Code    int
	Message string
	Data    interface{}
}

func (e *Error) Error() string          { return e.Message }
func (e *Error) ErrorCode() int         { return e.Code }
func (e *Error) ErrorData() interface{} { return e.Data }

func InvalidParams(format string, args ...interface{}) *Error {
	return &Error{Code: CodeInvalidParams, Message: fmt.Sprintf(format, args...)}
}

func Unavailable(format string, args ...interface{}) *Error {
	return &Error{Code: CodeUnavailable, Message: fmt.Sprintf(format, args...)}
}

func Internal(format string, args ...interface{}) *Error {
	return &Error{Code: CodeInternal, Message: fmt.Sprintf(format, args...)}
}

func Reverted(reason string, data []byte) *Error {
	e := &Error{Code: CodeExecutionReverted, Message: reason}
	if len(data) > 0 {
		e.Data = hexutil.Encode(data)
	}
	return e
}

// AtIndex prefixes a multichain member's error with its position.
func AtIndex(i int, err error) *Error {
	var relayErr *Error
	if errors.As(err, &relayErr) {
		return &Error{Code: relayErr.Code, Message: fmt.Sprintf("transactions[%d]: %s", i, relayErr.Message), Data: relayErr.Data}
	}
	return Internal("transactions[%d]: %v", i, err)
}

func CodeOf(err error) int {
	var relayErr *Error
	if errors.As(err, &relayErr) {
		return relayErr.Code
	}
	return CodeInternal
}
