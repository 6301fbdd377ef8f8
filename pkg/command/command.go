// Package command parses the faucet slash-command grammar into fully
// resolved distribution requests.
package command

import (
	"errors"
	"fmt"
	"strings"

	"github.com/holiman/uint256"

	"github.com/faucetlabs/drip/pkg/config"
)

var (
	// ErrUnknownCommand is returned for a leading token that is not a
	// recognized slash command.
	ErrUnknownCommand = errors.New("unknown command")

	// ErrInvalidArguments is returned for an argument list that does not
	// match the command grammar. Always user-facing, never retried.
	ErrInvalidArguments = errors.New("invalid arguments")
)

// Kind discriminates the supported slash commands.
type Kind string

const (
	KindRegister Kind = "register"
	KindFaucet   Kind = "faucet"
)

// Request is a parsed slash command. After Resolve it carries no empty
// fields: downstream code performs no further defaulting.
type Request struct {
	Kind      Kind
	Recipient string
	NetworkID string
	Amount    *uint256.Int
	Token     string
}

// Native reports whether the request distributes the chain's base currency.
func (r Request) Native() bool {
	return r.Token == config.NativeToken
}

// Parse tokenizes a comment body into a Request. Recipient and token are
// case-folded to lowercase (addresses are case-insensitive). The invoker
// identity fills in the recipient when registration names none.
//
//	/register [identity]
//	/faucet <recipient> <networkId> [amount] [token]
func Parse(body, invoker string) (Request, error) {
	fields := strings.Fields(body)
	if len(fields) == 0 {
		return Request{}, fmt.Errorf("%w: empty command", ErrUnknownCommand)
	}
	cmd, args := fields[0], fields[1:]

	switch cmd {
	case "/register":
		return parseRegister(args, invoker)
	case "/faucet":
		return parseFaucet(args)
	default:
		return Request{}, fmt.Errorf("%w: %q", ErrUnknownCommand, cmd)
	}
}

func parseRegister(args []string, invoker string) (Request, error) {
	req := Request{
		Kind:      KindRegister,
		NetworkID: "1",
		Amount:    uint256.NewInt(0),
		Token:     config.NativeToken,
	}
	switch len(args) {
	case 0:
		req.Recipient = strings.ToLower(invoker)
	case 1:
		req.Recipient = strings.ToLower(args[0])
	default:
		return Request{}, fmt.Errorf("%w: /register takes at most one identity", ErrInvalidArguments)
	}
	if req.Recipient == "" {
		return Request{}, fmt.Errorf("%w: no identity to register", ErrInvalidArguments)
	}
	return req, nil
}

func parseFaucet(args []string) (Request, error) {
	req := Request{
		Kind:   KindFaucet,
		Amount: uint256.NewInt(0),
		Token:  config.NativeToken,
	}

	switch len(args) {
	case 4:
		req.Token = strings.ToLower(args[3])
		fallthrough
	case 3:
		amount, err := config.ParseAmount(args[2])
		if err != nil {
			return Request{}, fmt.Errorf("%w: %v", ErrInvalidArguments, err)
		}
		req.Amount = amount
		fallthrough
	case 2:
		req.Recipient = strings.ToLower(args[0])
		req.NetworkID = args[1]
	default:
		return Request{}, fmt.Errorf("%w: /faucet takes 2 to 4 arguments", ErrInvalidArguments)
	}

	return req, nil
}

// Resolve applies configured defaults and validates the request in one
// place: the token must be the native sentinel or a 20-byte hex contract
// address, and a zero amount falls back to the configured default for
// that token. The returned request is fully populated.
func Resolve(req Request, settings *config.Settings) (Request, error) {
	if req.Kind == KindRegister {
		return req, nil
	}

	if !req.Native() && !config.IsAddress(req.Token) {
		return Request{}, fmt.Errorf("%w: token %q is neither %q nor a contract address",
			ErrInvalidArguments, req.Token, config.NativeToken)
	}

	if req.Amount == nil || req.Amount.IsZero() {
		req.Amount = settings.TokenAmount(req.Token)
	}
	if req.Amount == nil || req.Amount.IsZero() {
		return Request{}, fmt.Errorf("%w: no amount given and none configured for token %q",
			ErrInvalidArguments, req.Token)
	}

	return req, nil
}
