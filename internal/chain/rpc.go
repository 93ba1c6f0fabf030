package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rpc"

	"settler/internal/swap"
)

// Node is the part of the delivery chain's JSON-RPC API the delivery engine uses.
type Node interface {
	SendTransaction(ctx context.Context, tx *Transaction) (common.Hash, error)
	TxStatus(ctx context.Context, hash common.Hash) (string, error)
}

// NodeClient speaks JSON-RPC to a chain node.
type NodeClient struct {
	logger *slog.Logger
	rpc    *rpc.Client
}

func DialNode(ctx context.Context, logger *slog.Logger, url string) (*NodeClient, error) {
	c, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial node %s: %w", url, err)
	}
	return &NodeClient{logger: logger, rpc: c}, nil
}

func (c *NodeClient) Close() {
	c.rpc.Close()
}

// SendTransaction broadcasts tx and returns the hash the node assigned.
func (c *NodeClient) SendTransaction(ctx context.Context, tx *Transaction) (common.Hash, error) {
	var hash common.Hash
	if err := c.rpc.CallContext(ctx, &hash, "send_transaction", tx, "passthrough"); err != nil {
		return common.Hash{}, classify("send_transaction", err)
	}
	c.logger.Info("Node: transaction sent", "txHash", hash.Hex(), "inputs", len(tx.Inputs))
	return hash, nil
}

type txWithStatus struct {
	TxStatus struct {
		Status    string       `json:"status"`
		BlockHash *common.Hash `json:"block_hash"`
		Reason    *string      `json:"reason"`
	} `json:"tx_status"`
}

// TxStatus returns the pool or chain status of hash, TxUnknown when the node has never seen it.
func (c *NodeClient) TxStatus(ctx context.Context, hash common.Hash) (string, error) {
	var res *txWithStatus
	if err := c.rpc.CallContext(ctx, &res, "get_transaction", hash); err != nil {
		return "", classify("get_transaction", err)
	}
	if res == nil || res.TxStatus.Status == "" {
		return TxUnknown, nil
	}
	if res.TxStatus.Reason != nil {
		c.logger.Warn("Node: transaction rejected", "txHash", hash.Hex(), "reason", *res.TxStatus.Reason)
	}
	return res.TxStatus.Status, nil
}

// classify separates node rejections from transport failures.
func classify(method string, err error) error {
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		return fmt.Errorf("%s: code %d: %w", method, rpcErr.ErrorCode(), err)
	}
	return fmt.Errorf("%w: %s: %v", swap.ErrExternalServiceUnavailable, method, err)
}
