package explorer

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/ethclient"

	"settler/internal/config"
)

// Transfer is one successful inbound transfer to the deposit address.
type Transfer struct {
	Hash          string
	Block         uint64
	From          string
	To            string
	Currency      string
	Value         *big.Int
	Confirmations uint64
}

// Indexer lists transfers to an address within an inclusive block range.
type Indexer interface {
	TransfersTo(ctx context.Context, address string, token config.Token, fromBlock, toBlock uint64) ([]Transfer, error)
}

// HeadSource reports the current chain head.
type HeadSource interface {
	LatestBlock(ctx context.Context) (uint64, error)
}

// NodeHead reads the head from an Ethereum JSON-RPC node.
type NodeHead struct {
	client *ethclient.Client
}

func DialNodeHead(ctx context.Context, url string) (*NodeHead, error) {
	c, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, err
	}
	return &NodeHead{client: c}, nil
}

func (n *NodeHead) LatestBlock(ctx context.Context) (uint64, error) {
	return n.client.BlockNumber(ctx)
}

func (n *NodeHead) Close() {
	n.client.Close()
}
