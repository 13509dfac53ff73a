package health

import (
	"context"
	"fmt"

	"github.com/devblac/equb-sync/internal/chain"
)

// RPCChecker pings the node backing one contract deployment.
type RPCChecker struct {
	chainID string
	client  chain.BlockClient
}

func NewRPCChecker(chainID string, client chain.BlockClient) *RPCChecker {
	return &RPCChecker{chainID: chainID, client: client}
}

// Ping asks the node for its latest header.
func (c *RPCChecker) Ping(ctx context.Context) error {
	if c == nil {
		return fmt.Errorf("rpc checker not initialized")
	}
	if c.client == nil {
		return fmt.Errorf("chain %s: no rpc client", c.chainID)
	}
	if _, err := c.client.HeaderByNumber(ctx, nil); err != nil {
		return fmt.Errorf("chain %s: %w", c.chainID, err)
	}
	return nil
}
