// Package flavors holds the static table of backends the node can run.
package flavors

import (
	"go.uber.org/zap"

	"github.com/ava-labs/devnode/internal/chainclient"
	"github.com/ava-labs/devnode/internal/chainclient/avalanche/coreth"
	"github.com/ava-labs/devnode/internal/chainclient/ethereum"
	"github.com/ava-labs/devnode/pkg/connector"
	"github.com/ava-labs/devnode/pkg/fork"
)

const (
	Ethereum  = "ethereum"
	Avalanche = "avalanche"
)

// NewRegistry returns the registry of supported flavors. Every flavor runs a
// fork.Provider tuned by cfg; they differ in the client used for the fork source.
func NewRegistry(cfg fork.Config) connector.Registry {
	return connector.Registry{
		Ethereum:  providerFactory(cfg, ethereum.Dial),
		Avalanche: providerFactory(cfg, coreth.Dial),
	}
}

func providerFactory(cfg fork.Config, dial chainclient.Dialer) connector.Factory {
	return func(log *zap.SugaredLogger, opts connector.Options) (connector.Connector, connector.StartFunc, error) {
		p, err := fork.New(log, cfg, opts, dial)
		if err != nil {
			return nil, nil, err
		}
		return p, p.Start, nil
	}
}
