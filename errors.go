package walletgate

import (
	"errors"
	"fmt"
)

// Sentinel errors for the provider capability surface and the flows built
// on top of it. Callers classify failures with errors.Is; the *Error
// wrapper produced at the provider boundary carries the stable code that
// crosses serialization boundaries.
var (
	ErrNoProviderConfigured  = errors.New("no provider configured")
	ErrWalletNotInstalled    = errors.New("wallet not installed")
	ErrNoAccountConnected    = errors.New("no account connected")
	ErrSignerUnavailable     = errors.New("signer unavailable")
	ErrSessionExpired        = errors.New("wallet session expired")
	ErrNetworkSwitchRejected = errors.New("network switch rejected")
	ErrNetworkNotConfigured  = errors.New("network not configured")
	ErrUnsupportedOperation  = errors.New("unsupported operation")

	// ErrUserRejected marks a wallet popup dismissed by the user. It is
	// filtered from error reporting: flows treat it as a silent no-op and
	// never record it as a connection failure.
	ErrUserRejected = errors.New("user rejected the request")

	ErrNetworkMismatch = errors.New("wallet is on a different network")
	ErrInvalidConfig   = errors.New("invalid configuration")
	ErrProviderClosed  = errors.New("provider is closed")
	ErrRPCUnavailable  = errors.New("rpc endpoint unavailable")

	ErrDepositAmountInvalid = errors.New("deposit amount must be positive")
	ErrInsufficientBalance  = errors.New("insufficient token balance")
	ErrApproveReverted      = errors.New("approve transaction reverted")
	ErrDepositReverted      = errors.New("deposit transaction reverted")
)

// Stable error codes. These are part of the public contract: they never
// change even if the error messages do.
const (
	CodeNoProvider           = "NO_PROVIDER"
	CodeNoWallet             = "NO_WALLET"
	CodeNoAccount            = "NO_ACCOUNT"
	CodeSignerUnavailable    = "SIGNER_UNAVAILABLE"
	CodeSessionExpired       = "SESSION_EXPIRED"
	CodeSwitchRejected       = "SWITCH_REJECTED"
	CodeNetworkNotConfigured = "NETWORK_NOT_CONFIGURED"
	CodeUnsupported          = "UNSUPPORTED_OPERATION"
	CodeUserRejected         = "USER_REJECTED"
	CodeNetworkMismatch      = "NETWORK_MISMATCH"
	CodeInvalidConfig        = "CONFIG_INVALID"
	CodeProviderClosed       = "PROVIDER_CLOSED"
	CodeRPCUnavailable       = "RPC_UNAVAILABLE"
	CodeInvalidAmount        = "INVALID_AMOUNT"
	CodeInsufficientBalance  = "INSUFFICIENT_BALANCE"
	CodeTxReverted           = "TX_REVERTED"
	CodeInternal             = "INTERNAL"
)

var sentinelCodes = map[error]string{
	ErrNoProviderConfigured:  CodeNoProvider,
	ErrWalletNotInstalled:    CodeNoWallet,
	ErrNoAccountConnected:    CodeNoAccount,
	ErrSignerUnavailable:     CodeSignerUnavailable,
	ErrSessionExpired:        CodeSessionExpired,
	ErrNetworkSwitchRejected: CodeSwitchRejected,
	ErrNetworkNotConfigured:  CodeNetworkNotConfigured,
	ErrUnsupportedOperation:  CodeUnsupported,
	ErrUserRejected:          CodeUserRejected,
	ErrNetworkMismatch:       CodeNetworkMismatch,
	ErrInvalidConfig:         CodeInvalidConfig,
	ErrProviderClosed:        CodeProviderClosed,
	ErrRPCUnavailable:        CodeRPCUnavailable,
	ErrDepositAmountInvalid:  CodeInvalidAmount,
	ErrInsufficientBalance:   CodeInsufficientBalance,
	ErrApproveReverted:       CodeTxReverted,
	ErrDepositReverted:       CodeTxReverted,
}

// Error is the typed error thrown at the provider boundary. It pairs a
// stable machine-readable Code with a human-readable message, and unwraps
// to both its sentinel and its cause so errors.Is keeps working through it.
type Error struct {
	Code    string
	Message string

	sentinel error
	cause    error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.sentinel != nil {
		errs = append(errs, e.sentinel)
	}
	if e.cause != nil {
		errs = append(errs, e.cause)
	}
	return errs
}

// typedErr wraps cause as a typed Error classified by sentinel. The code
// is looked up from the sentinel; unknown sentinels map to INTERNAL.
func typedErr(sentinel error, cause error) *Error {
	return typedErrf(sentinel, cause, "%s", sentinel.Error())
}

// typedErrf is typedErr with a custom message.
func typedErrf(sentinel error, cause error, format string, args ...interface{}) *Error {
	code, ok := sentinelCodes[sentinel]
	if !ok {
		code = CodeInternal
	}
	return &Error{
		Code:     code,
		Message:  fmt.Sprintf(format, args...),
		sentinel: sentinel,
		cause:    cause,
	}
}

// ErrorCode extracts the stable code from any error produced by this
// package. Errors without a typed wrapper are matched against the
// sentinels; everything else reports INTERNAL.
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Code
	}
	for sentinel, code := range sentinelCodes {
		if errors.Is(err, sentinel) {
			return code
		}
	}
	return CodeInternal
}

// IsUserRejection reports whether err is the user dismissing a wallet
// prompt. Callers use it to drop the error instead of reporting it.
func IsUserRejection(err error) bool {
	return errors.Is(err, ErrUserRejected)
}

// IsSessionExpired reports whether err requires a full disconnect: the
// provider instance, the persisted session and both account records must
// all be cleared together.
func IsSessionExpired(err error) bool {
	return errors.Is(err, ErrSessionExpired)
}
