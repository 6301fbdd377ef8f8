package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/holiman/uint256"
)

// NativeToken is the sentinel token value meaning the chain's base
// currency rather than an ERC-20 contract.
const NativeToken = "native"

var (
	fundingKeyRe = regexp.MustCompile(`^(0x)?[0-9a-fA-F]{64}$`)
	addressRe    = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)
)

// IsAddress reports whether s is a syntactically valid 20-byte hex address.
func IsAddress(s string) bool {
	return addressRe.MatchString(s)
}

// Settings holds the validated faucet policy and funding credential.
// Validated once at load; callers do not re-validate per request.
type Settings struct {
	// FundingKey is the hex-encoded private key of the EOA that funds
	// distributions. Held in memory only, never persisted or logged.
	FundingKey string

	// NetworkIDs are the chains the faucet distributes on. The funding
	// wallet must hold enough of every configured asset on each of them.
	NetworkIDs []string

	// NativeGasAmount is the default native transfer amount in wei, used
	// when a request carries no explicit amount.
	NativeGasAmount *uint256.Int

	// DistributionTokens maps ERC-20 contract addresses (lowercase) to the
	// default amount distributed per claim, in the token's smallest unit.
	DistributionTokens map[string]*uint256.Int

	// ClaimCap is the maximum number of successful claims per beneficiary.
	// Zero disables the cap.
	ClaimCap int

	// SubsidyThreshold skips beneficiaries whose native balance already
	// exceeds it, in wei. Nil disables the balance gate.
	SubsidyThreshold *uint256.Int

	// AllowMissingLedger controls whether a missing ledger blob is treated
	// as an empty first-run ledger instead of a fatal storage error.
	AllowMissingLedger bool

	// RegisterURL is included in the registration prompt posted to users.
	RegisterURL string
}

func (s *Settings) Validate() error {
	if s.FundingKey == "" {
		return errors.New("funding wallet private key is required")
	}
	if !fundingKeyRe.MatchString(s.FundingKey) {
		return errors.New("funding wallet private key must be a 64-hex-digit string")
	}
	if len(s.NetworkIDs) == 0 {
		return errors.New("at least one network id is required")
	}
	for token, amount := range s.DistributionTokens {
		if !IsAddress(token) {
			return fmt.Errorf("distribution token %q is not a valid contract address", token)
		}
		if amount == nil || amount.IsZero() {
			return fmt.Errorf("distribution token %q has no amount", token)
		}
	}
	return nil
}

// TokenAmount returns the configured default amount for the given token
// (NativeToken or a contract address), or nil if none is configured.
func (s *Settings) TokenAmount(token string) *uint256.Int {
	if token == NativeToken {
		return s.NativeGasAmount
	}
	return s.DistributionTokens[strings.ToLower(token)]
}

// LoadFromEnv builds Settings from environment variables:
//
//	FUNDING_WALLET_PRIVATE_KEY  required, 64 hex digits
//	FAUCET_NETWORK_IDS          required, comma-separated chain ids
//	FAUCET_NATIVE_GAS_AMOUNT    optional, wei
//	FAUCET_DISTRIBUTION_TOKENS  optional, JSON object of address -> amount
//	FAUCET_SUBSIDY_THRESHOLD    optional, wei
//	FAUCET_CLAIM_CAP            optional, integer
//	FAUCET_ALLOW_MISSING_LEDGER optional, "true" to treat a missing ledger as empty
//	FAUCET_REGISTER_URL         optional
func LoadFromEnv() (*Settings, error) {
	s := &Settings{
		FundingKey:  os.Getenv("FUNDING_WALLET_PRIVATE_KEY"),
		RegisterURL: os.Getenv("FAUCET_REGISTER_URL"),
	}

	for _, id := range strings.Split(os.Getenv("FAUCET_NETWORK_IDS"), ",") {
		if id = strings.TrimSpace(id); id != "" {
			s.NetworkIDs = append(s.NetworkIDs, id)
		}
	}

	if raw := os.Getenv("FAUCET_NATIVE_GAS_AMOUNT"); raw != "" {
		amount, err := ParseAmount(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid FAUCET_NATIVE_GAS_AMOUNT: %w", err)
		}
		s.NativeGasAmount = amount
	}

	if raw := os.Getenv("FAUCET_DISTRIBUTION_TOKENS"); raw != "" {
		var table map[string]string
		if err := json.Unmarshal([]byte(raw), &table); err != nil {
			return nil, fmt.Errorf("invalid FAUCET_DISTRIBUTION_TOKENS: %w", err)
		}
		s.DistributionTokens = make(map[string]*uint256.Int, len(table))
		for token, rawAmount := range table {
			amount, err := ParseAmount(rawAmount)
			if err != nil {
				return nil, fmt.Errorf("invalid amount for token %s: %w", token, err)
			}
			s.DistributionTokens[strings.ToLower(token)] = amount
		}
	}

	if raw := os.Getenv("FAUCET_SUBSIDY_THRESHOLD"); raw != "" {
		threshold, err := ParseAmount(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid FAUCET_SUBSIDY_THRESHOLD: %w", err)
		}
		s.SubsidyThreshold = threshold
	}

	if raw := os.Getenv("FAUCET_CLAIM_CAP"); raw != "" {
		cap, err := strconv.Atoi(raw)
		if err != nil || cap < 0 {
			return nil, fmt.Errorf("invalid FAUCET_CLAIM_CAP: %q", raw)
		}
		s.ClaimCap = cap
	}

	s.AllowMissingLedger = os.Getenv("FAUCET_ALLOW_MISSING_LEDGER") == "true"

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// LoadNetworksFromEnv reads FAUCET_RPC_ENDPOINTS, a JSON object mapping
// network ids to their candidate RPC URLs, e.g.
//
//	{"1337": ["http://127.0.0.1:8545"], "100": ["https://rpc.gnosischain.com"]}
func LoadNetworksFromEnv() (map[string][]string, error) {
	raw := os.Getenv("FAUCET_RPC_ENDPOINTS")
	if raw == "" {
		return nil, errors.New("FAUCET_RPC_ENDPOINTS is required")
	}
	var networks map[string][]string
	if err := json.Unmarshal([]byte(raw), &networks); err != nil {
		return nil, fmt.Errorf("invalid FAUCET_RPC_ENDPOINTS: %w", err)
	}
	for id, urls := range networks {
		if len(urls) == 0 {
			return nil, fmt.Errorf("network %s has no rpc endpoints", id)
		}
	}
	return networks, nil
}

// ParseAmount parses a non-negative decimal amount into a 256-bit integer.
func ParseAmount(raw string) (*uint256.Int, error) {
	amount, err := uint256.FromDecimal(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("invalid amount %q: %w", raw, err)
	}
	return amount, nil
}
