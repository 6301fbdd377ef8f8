package distribute

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/faucetlabs/drip/pkg/command"
	"github.com/faucetlabs/drip/pkg/config"
)

// Subsidize runs the closed-work-item batch: each beneficiary receives
// the configured default native amount on every configured network,
// under the standard policy. Outcome keys are "identity@networkID"
// since one beneficiary can be served on several networks.
func (o *Orchestrator) Subsidize(ctx context.Context, beneficiaries []string) (map[string]Outcome, error) {
	settings := o.cfg.Settings
	policy := PolicyFromSettings(settings)

	req, err := command.Resolve(command.Request{
		Kind:  command.KindFaucet,
		Token: config.NativeToken,
	}, settings)
	if err != nil {
		o.notify(ctx, slog.LevelError, fmt.Sprintf("Gas subsidy is not configured: %v", err))
		return nil, err
	}

	outcomes := make(map[string]Outcome)
	for _, networkID := range settings.NetworkIDs {
		req.NetworkID = networkID
		perNetwork, err := o.Distribute(ctx, beneficiaries, req, policy)
		for identity, outcome := range perNetwork {
			outcomes[identity+"@"+networkID] = outcome
		}
		if err != nil {
			return outcomes, err
		}
	}
	return outcomes, nil
}
