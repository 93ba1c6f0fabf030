package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"settler/internal/model"
	"settler/internal/swap"
)

// UnspentLister lists live cells of a lock.
type UnspentLister interface {
	// Unspent returns cells of lockHash with id above lastID whose capacities sum to at least capacity,
	// in ascending id order. Fewer cells are returned when the lock cannot cover capacity.
	Unspent(ctx context.Context, lockHash string, capacity, lastID uint64) ([]model.UnspentInput, error)
	// SighashDep returns the dep group of the default secp256k1 lock.
	SighashDep(ctx context.Context) (CellDep, error)
}

// CellMapClient reads cells from a cellmap indexer.
type CellMapClient struct {
	logger  *slog.Logger
	baseURL string
	http    *http.Client
}

func NewCellMapClient(logger *slog.Logger, baseURL string) *CellMapClient {
	return &CellMapClient{
		logger:  logger,
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

type cellmapOutPoint struct {
	TxHash string          `json:"txHash"`
	Index  json.RawMessage `json:"index"`
}

type cellmapCell struct {
	ID       json.RawMessage `json:"id"`
	LockHash string          `json:"lockHash"`
	Capacity json.RawMessage `json:"capacity"`
	OutPoint cellmapOutPoint `json:"outPoint"`
}

type cellmapDep struct {
	OutPoint cellmapOutPoint `json:"outPoint"`
	DepType  string          `json:"depType"`
}

func (c *CellMapClient) Unspent(ctx context.Context, lockHash string, capacity, lastID uint64) ([]model.UnspentInput, error) {
	params := url.Values{
		"lockHash": {lockHash},
		"capacity": {strconv.FormatUint(capacity, 10)},
		"lastId":   {strconv.FormatUint(lastID, 10)},
	}
	var cells []cellmapCell
	if err := c.get(ctx, "/cell/unSpent", params, &cells); err != nil {
		return nil, err
	}
	out := make([]model.UnspentInput, 0, len(cells))
	for _, cell := range cells {
		in, err := cell.toInput(lockHash)
		if err != nil {
			return nil, fmt.Errorf("cellmap cell: %w", err)
		}
		out = append(out, in)
	}
	return out, nil
}

func (c *CellMapClient) SighashDep(ctx context.Context) (CellDep, error) {
	var dep cellmapDep
	if err := c.get(ctx, "/cell/loadSecp256k1Cell", nil, &dep); err != nil {
		return CellDep{}, err
	}
	index, err := flexUint(dep.OutPoint.Index)
	if err != nil {
		return CellDep{}, fmt.Errorf("secp256k1 dep index: %w", err)
	}
	depType := dep.DepType
	if depType == "" || depType == "depGroup" {
		depType = DepTypeDepGroup
	}
	return CellDep{
		OutPoint: OutPoint{TxHash: common.HexToHash(dep.OutPoint.TxHash), Index: hexutil.Uint(index)},
		DepType:  depType,
	}, nil
}

func (cell cellmapCell) toInput(lockHash string) (model.UnspentInput, error) {
	id, err := flexUint(cell.ID)
	if err != nil {
		return model.UnspentInput{}, fmt.Errorf("id: %w", err)
	}
	capacity, err := flexUint(cell.Capacity)
	if err != nil {
		return model.UnspentInput{}, fmt.Errorf("capacity: %w", err)
	}
	index, err := flexUint(cell.OutPoint.Index)
	if err != nil {
		return model.UnspentInput{}, fmt.Errorf("index: %w", err)
	}
	lh := cell.LockHash
	if lh == "" {
		lh = lockHash
	}
	return model.UnspentInput{
		ID:       id,
		OutPoint: model.OutPoint{TxHash: cell.OutPoint.TxHash, Index: uint32(index)},
		Capacity: capacity,
		LockHash: lh,
	}, nil
}

// flexUint accepts a JSON number, a decimal string or a 0x-prefixed hex string.
func flexUint(raw json.RawMessage) (uint64, error) {
	s := strings.TrimSpace(string(raw))
	if uq, err := strconv.Unquote(s); err == nil {
		s = uq
	}
	if strings.HasPrefix(s, "0x") {
		return hexutil.DecodeUint64(s)
	}
	return strconv.ParseUint(s, 10, 64)
}

func (c *CellMapClient) get(ctx context.Context, path string, params url.Values, out any) error {
	u := c.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/vnd.api+json")
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", swap.ErrExternalServiceUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: cellmap %s http %d", swap.ErrExternalServiceUnavailable, path, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: %v", swap.ErrExternalServiceUnavailable, err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode cellmap %s: %w", path, err)
	}
	return nil
}
