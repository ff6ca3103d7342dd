package evm

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
)

// RevertData extracts the revert payload a node attaches to a failed
// eth_call or eth_estimateGas.
func RevertData(err error) ([]byte, bool) {
	var dataErr rpc.DataError
	if !errors.As(err, &dataErr) {
		return nil, false
	}
	switch data := dataErr.ErrorData().(type) {
	case string:
		decoded, derr := hexutil.Decode(data)
		if derr != nil {
			return nil, false
		}
		return decoded, true
	case []byte:
		return data, true
	}
	return nil, false
}

// IsRevert reports whether err is an execution revert rather than a
// transport or node failure.
func IsRevert(err error) bool {
	if err == nil {
		return false
	}
	if _, ok := RevertData(err); ok {
		return true
	}
	return strings.Contains(err.Error(), "execution reverted")
}

// RevertReason decodes Error(string) payloads and names custom errors by
// selector.
func RevertReason(data []byte) string {
	if len(data) == 0 {
		return "execution reverted"
	}
	if reason, err := abi.UnpackRevert(data); err == nil {
		return reason
	}
	if len(data) >= 4 {
		return fmt.Sprintf("execution reverted: custom error %s", hexutil.Encode(data[:4]))
	}
	return "execution reverted"
}

func errorContains(err error, fragments ...string) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, f := range fragments {
		if strings.Contains(msg, f) {
			return true
		}
	}
	return false
}

// IsAlreadyKnown means the node already holds this exact transaction.
func IsAlreadyKnown(err error) bool {
	return errorContains(err, "already known", "known transaction", "already imported")
}

// IsNonceTooLow means the nonce was consumed, usually by an earlier attempt.
func IsNonceTooLow(err error) bool {
	return errorContains(err, "nonce too low", "nonce has already been used")
}

func IsUnderpriced(err error) bool {
	return errorContains(err, "underpriced", "fee too low", "max fee per gas less than block base fee")
}

// IsPermanentBroadcastError marks rejections that a retry with the same
// transaction cannot fix.
func IsPermanentBroadcastError(err error) bool {
	return errorContains(err,
		"insufficient funds",
		"intrinsic gas too low",
		"exceeds block gas limit",
		"invalid sender",
		"oversized data",
	)
}
