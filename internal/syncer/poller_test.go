package syncer

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"broker-sync-go/internal/gateway"
)

func TestReadinessOf(t *testing.T) {
	tests := []struct {
		name             string
		state            string
		connectionStatus string
		want             Readiness
	}{
		{"NotDeployed", "CREATED", "DISCONNECTED", Deploying},
		{"StillDeploying", "DEPLOYING", "DISCONNECTED", Deploying},
		{"DeployedButDisconnected", "DEPLOYED", "DISCONNECTED", Connecting},
		{"DeployedButConnecting", "DEPLOYED", "CONNECTING", Connecting},
		{"DeployedAndConnected", "DEPLOYED", "CONNECTED", Ready},
		{"UnknownStates", "", "", Deploying},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ReadinessOf(&gateway.AccountState{
				State:            tt.state,
				ConnectionStatus: tt.connectionStatus,
			})
			assert.Equal(t, tt.want, got)
		})
	}
}
