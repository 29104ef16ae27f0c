package walletgate

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/KyberNetwork/logger"
	"github.com/ethereum/go-ethereum/common"
)

// Configuration keys. Values come from any combination of Sources; the
// first source that defines a key wins.
const (
	EnvAppName         = "WALLETGATE_APP_NAME"
	EnvChainID         = "WALLETGATE_CHAIN_ID"
	EnvRPCURL          = "WALLETGATE_RPC_URL"
	EnvDepositContract = "WALLETGATE_DEPOSIT_CONTRACT"
	EnvTokenContract   = "WALLETGATE_TOKEN_CONTRACT"
	EnvWCProjectID     = "WALLETGATE_WC_PROJECT_ID"
	EnvRollupURL       = "WALLETGATE_ROLLUP_URL"
)

// Config is the validated deployment configuration for one target network
// and application contract pair.
type Config struct {
	// AppName doubles as the fixed message signed during L2 account
	// derivation, so it must stay stable across releases of the same
	// deployment.
	AppName string

	ChainID uint64
	RPCURL  string

	DepositContract common.Address
	TokenContract   common.Address

	// WalletConnectProjectID is only needed when the session provider is
	// used; empty disables it.
	WalletConnectProjectID string

	// RollupURL is the rollup-side REST endpoint. Empty disables the
	// rollup client.
	RollupURL string
}

// NetworkConfig describes an additional network the SDK may switch to or
// read from beyond the primary one in Config.
type NetworkConfig struct {
	ChainID uint64
	Name    string
	RPCURL  string
}

// Source resolves one configuration key. Absent keys return ok=false.
type Source func(key string) (value string, ok bool)

// EnvSource reads keys from process environment variables.
func EnvSource() Source {
	return os.LookupEnv
}

// MapSource reads keys from a fixed map. Useful for tests and embedded
// deployments where no environment is available.
func MapSource(m map[string]string) Source {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

func lookup(key string, sources []Source) (string, bool) {
	for _, src := range sources {
		if v, ok := src(key); ok {
			return strings.TrimSpace(v), true
		}
	}
	return "", false
}

// LoadConfig assembles and validates a Config from the given sources in
// priority order. Every malformed value is rejected, never silently
// corrected; rejection reasons are logged with the offending key.
func LoadConfig(sources ...Source) (*Config, error) {
	if len(sources) == 0 {
		sources = []Source{EnvSource()}
	}

	cfg := &Config{}

	appName, ok := lookup(EnvAppName, sources)
	if !ok || appName == "" {
		return nil, typedErrf(ErrInvalidConfig, nil, "%s is required", EnvAppName)
	}
	if err := checkNoInjection(EnvAppName, appName); err != nil {
		return nil, err
	}
	cfg.AppName = appName

	chainStr, ok := lookup(EnvChainID, sources)
	if !ok {
		return nil, typedErrf(ErrInvalidConfig, nil, "%s is required", EnvChainID)
	}
	chainID, err := parseChainID(EnvChainID, chainStr)
	if err != nil {
		return nil, err
	}
	cfg.ChainID = chainID

	rpcURL, ok := lookup(EnvRPCURL, sources)
	if !ok {
		return nil, typedErrf(ErrInvalidConfig, nil, "%s is required", EnvRPCURL)
	}
	if err := validateHTTPURL(EnvRPCURL, rpcURL); err != nil {
		return nil, err
	}
	cfg.RPCURL = rpcURL

	deposit, ok := lookup(EnvDepositContract, sources)
	if !ok {
		return nil, typedErrf(ErrInvalidConfig, nil, "%s is required", EnvDepositContract)
	}
	cfg.DepositContract, err = parseAddress(EnvDepositContract, deposit)
	if err != nil {
		return nil, err
	}

	token, ok := lookup(EnvTokenContract, sources)
	if !ok {
		return nil, typedErrf(ErrInvalidConfig, nil, "%s is required", EnvTokenContract)
	}
	cfg.TokenContract, err = parseAddress(EnvTokenContract, token)
	if err != nil {
		return nil, err
	}

	if projectID, ok := lookup(EnvWCProjectID, sources); ok && projectID != "" {
		if err := checkNoInjection(EnvWCProjectID, projectID); err != nil {
			return nil, err
		}
		cfg.WalletConnectProjectID = projectID
	}

	if rollupURL, ok := lookup(EnvRollupURL, sources); ok && rollupURL != "" {
		if err := validateHTTPURL(EnvRollupURL, rollupURL); err != nil {
			return nil, err
		}
		cfg.RollupURL = rollupURL
	}

	return cfg, nil
}

// Validate re-checks a hand-built Config with the same rules LoadConfig
// applies to sourced values.
func (c *Config) Validate() error {
	if c == nil {
		return typedErrf(ErrInvalidConfig, nil, "config is nil")
	}
	if c.AppName == "" {
		return typedErrf(ErrInvalidConfig, nil, "app name is required")
	}
	if err := checkNoInjection("app name", c.AppName); err != nil {
		return err
	}
	if c.ChainID == 0 {
		return typedErrf(ErrInvalidConfig, nil, "chain id must be positive")
	}
	if err := validateHTTPURL("rpc url", c.RPCURL); err != nil {
		return err
	}
	if c.DepositContract == (common.Address{}) {
		return typedErrf(ErrInvalidConfig, nil, "deposit contract address is required")
	}
	if c.TokenContract == (common.Address{}) {
		return typedErrf(ErrInvalidConfig, nil, "token contract address is required")
	}
	if c.RollupURL != "" {
		if err := validateHTTPURL("rollup url", c.RollupURL); err != nil {
			return err
		}
	}
	return nil
}

func parseChainID(key, raw string) (uint64, error) {
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		logger.WithFields(logger.Fields{
			"key":   key,
			"value": raw,
		}).Error("config: chain id must be a positive decimal integer")
		return 0, typedErrf(ErrInvalidConfig, err, "%s: %q is not a positive decimal chain id", key, raw)
	}
	return id, nil
}

// parseAddress accepts only full-length 0x-prefixed hex addresses. Inputs
// that merely "look like" addresses (wrong length, missing prefix) are
// rejected rather than padded.
func parseAddress(key, raw string) (common.Address, error) {
	if len(raw) != 42 || !strings.HasPrefix(raw, "0x") || !common.IsHexAddress(raw) {
		logger.WithFields(logger.Fields{
			"key":   key,
			"value": raw,
		}).Error("config: not a valid 0x-prefixed 20-byte hex address")
		return common.Address{}, typedErrf(ErrInvalidConfig, nil, "%s: %q is not a hex address", key, raw)
	}
	return common.HexToAddress(raw), nil
}

func validateHTTPURL(key, raw string) error {
	if raw == "" {
		return typedErrf(ErrInvalidConfig, nil, "%s is required", key)
	}
	if err := checkNoInjection(key, raw); err != nil {
		return err
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		logger.WithFields(logger.Fields{
			"key":   key,
			"value": raw,
		}).Error("config: not an absolute http(s) url")
		return typedErrf(ErrInvalidConfig, err, "%s: %q is not an http(s) url", key, raw)
	}
	return nil
}

// checkNoInjection rejects values carrying markup or quoting characters.
// Config values end up in signed messages and logged output, so anything
// that could smuggle script fragments is refused outright.
func checkNoInjection(key, raw string) error {
	if i := strings.IndexAny(raw, "<>\"'`"); i >= 0 {
		logger.WithFields(logger.Fields{
			"key":  key,
			"char": fmt.Sprintf("%q", raw[i]),
		}).Error("config: value contains a forbidden character")
		return typedErrf(ErrInvalidConfig, nil, "%s contains forbidden character %q", key, raw[i])
	}
	return nil
}
