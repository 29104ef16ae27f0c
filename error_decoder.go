package walletgate

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
)

// ErrorDecoder resolves raw revert payloads from eth_call and gas
// estimation into named Solidity custom errors with decoded parameters.
// Build one from every ABI the transaction can touch so nested calls
// decode too.
type ErrorDecoder struct {
	errorBySelector map[string]*abi.Error
}

// NewErrorDecoder creates a decoder from one or more contract ABIs.
// Errors sharing a selector across ABIs collapse into one entry.
func NewErrorDecoder(abis ...abi.ABI) (*ErrorDecoder, error) {
	if len(abis) == 0 {
		return nil, fmt.Errorf("at least one ABI must be provided")
	}

	decoder := &ErrorDecoder{
		errorBySelector: map[string]*abi.Error{},
	}
	for _, contractABI := range abis {
		for name := range contractABI.Errors {
			abiErr := contractABI.Errors[name]
			selector := hex.EncodeToString(abiErr.ID[:4])
			decoder.errorBySelector[selector] = &abiErr
		}
	}
	return decoder, nil
}

// Decode unwraps err into a known custom error. On a successful match it
// returns the matched ABI error, the decoded parameters, and a
// human-readable error that wraps the original. All failure modes also
// wrap the original so callers can keep errors.Is semantics.
func (d *ErrorDecoder) Decode(err error) (*abi.Error, map[string]interface{}, error) {
	var dataErr rpc.DataError
	if !errors.As(err, &dataErr) {
		return nil, nil, fmt.Errorf("not a Solidity custom error: %w", err)
	}

	raw := dataErr.ErrorData()
	if raw == nil {
		return nil, nil, fmt.Errorf("no error data in revert: %w", err)
	}

	hexStr, ok := raw.(string)
	if !ok {
		return nil, nil, fmt.Errorf("error data is not string (%T): %w", raw, err)
	}

	data, decodeErr := hex.DecodeString(strings.TrimPrefix(hexStr, "0x"))
	if decodeErr != nil {
		return nil, nil, fmt.Errorf("failed to decode error data %q: %w", hexStr, decodeErr)
	}
	if len(data) < 4 {
		return nil, nil, fmt.Errorf("invalid error data length %d, need at least a 4-byte selector: %w", len(data), err)
	}

	selector := hex.EncodeToString(data[:4])
	abiErr, ok := d.errorBySelector[selector]
	if !ok {
		return nil, nil, fmt.Errorf("unknown error: 0x%s: %w", selector, err)
	}

	params := map[string]interface{}{}
	if unpackErr := abiErr.Inputs.UnpackIntoMap(params, data[4:]); unpackErr != nil {
		return abiErr, nil, fmt.Errorf("failed to unpack error selector 0x%s (%s): %w", selector, abiErr.Name, unpackErr)
	}

	return abiErr, params, fmt.Errorf("contract error: %s%v: %w", abiErr.Name, formatErrorParams(abiErr, params), err)
}

// RevertReason renders the most specific human-readable cause available
// for a revert: a decoded custom error, the standard Error(string)
// message, or the raw error text.
func (d *ErrorDecoder) RevertReason(err error) string {
	if abiErr, params, _ := d.Decode(err); abiErr != nil && params != nil {
		return fmt.Sprintf("contract error: %s%s", abiErr.Name, formatErrorParams(abiErr, params))
	}
	if data, ok := ethclient.RevertErrorData(err); ok {
		if reason, unpackErr := abi.UnpackRevert(data); unpackErr == nil {
			return fmt.Sprintf("execution reverted: %s", reason)
		}
	}
	return err.Error()
}

// formatErrorParams renders decoded params in declaration order.
func formatErrorParams(abiErr *abi.Error, params map[string]interface{}) string {
	parts := make([]string, 0, len(abiErr.Inputs))
	for _, input := range abiErr.Inputs {
		parts = append(parts, fmt.Sprintf("%s=%v", input.Name, params[input.Name]))
	}
	return "(" + strings.Join(parts, ", ") + ")"
}
