package syncer

import "broker-sync-go/internal/gateway"

// Readiness is the outcome of the account-state poll. It is re-derived
// from the gateway's current answer on every sync attempt; nothing is
// persisted, so concurrent or duplicate invocations cannot diverge.
type Readiness int

const (
	// Ready means the account is deployed and connected to the broker.
	Ready Readiness = iota
	// Deploying means the gateway has not finished deploying the account.
	Deploying
	// Connecting means the account is deployed but not yet connected.
	Connecting
)

// ReadinessOf maps the reported lifecycle and connectivity states to a
// readiness outcome. Pure; the idempotent re-deploy for a not-deployed
// account is issued by the engine, not here.
func ReadinessOf(state *gateway.AccountState) Readiness {
	if state.State != gateway.StateDeployed {
		return Deploying
	}
	if state.ConnectionStatus != gateway.StatusConnected {
		return Connecting
	}
	return Ready
}
