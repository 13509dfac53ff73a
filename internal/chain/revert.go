package chain

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
)

// RevertError is a call the contract refused. Name is set when the revert data matched a
// custom error in the ABI; Reason holds the decoded message or the raw data in hex.
type RevertError struct {
	Name   string
	Reason string
	Data   []byte
}

func (e *RevertError) Error() string {
	switch {
	case e.Name != "" && e.Reason != "":
		return fmt.Sprintf("execution reverted: %s", e.Reason)
	case e.Name != "":
		return fmt.Sprintf("execution reverted: %s", e.Name)
	case e.Reason != "":
		return fmt.Sprintf("execution reverted: %s", e.Reason)
	default:
		return "execution reverted"
	}
}

// isRevert reports whether err came back from the node as an EVM revert rather than a
// transport failure.
func isRevert(err error) bool {
	if err == nil {
		return false
	}
	var re *RevertError
	if errors.As(err, &re) {
		return true
	}
	var de rpc.DataError
	if errors.As(err, &de) && de.ErrorData() != nil {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "execution reverted")
}

// decodeRevert classifies a revert using the contract's custom errors, then Error(string)
// and Panic(uint256), then raw hex. It returns nil when err is not a revert.
func decodeRevert(a *abi.ABI, err error) *RevertError {
	if !isRevert(err) {
		return nil
	}
	var re *RevertError
	if errors.As(err, &re) {
		return re
	}

	data := revertData(err)
	out := &RevertError{Data: data}
	if len(data) >= 4 && a != nil {
		for name, e := range a.Errors {
			if !bytes.Equal(e.ID[:4], data[:4]) {
				continue
			}
			out.Name = name
			if args, uerr := e.Unpack(data); uerr == nil {
				out.Reason = fmt.Sprintf("%s%v", name, args)
			}
			return out
		}
	}
	if len(data) > 0 {
		if reason, uerr := abi.UnpackRevert(data); uerr == nil {
			out.Reason = reason
			return out
		}
		out.Reason = hexutil.Encode(data)
		return out
	}
	msg := err.Error()
	if i := strings.Index(strings.ToLower(msg), "execution reverted"); i >= 0 {
		out.Reason = strings.TrimLeft(msg[i+len("execution reverted"):], ": ")
	}
	return out
}

func revertData(err error) []byte {
	var de rpc.DataError
	if !errors.As(err, &de) {
		return nil
	}
	switch v := de.ErrorData().(type) {
	case string:
		b, derr := hexutil.Decode(v)
		if derr != nil {
			return nil
		}
		return b
	case []byte:
		return v
	}
	return nil
}
