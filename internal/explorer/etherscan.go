package explorer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"golang.org/x/time/rate"

	"settler/internal/config"
	"settler/internal/swap"
)

const noTransactions = "No transactions found"

// EtherscanClient reads account history and the chain head from an Etherscan-compatible API.
type EtherscanClient struct {
	logger  *slog.Logger
	baseURL string
	apiKey  string
	http    *http.Client
	limiter *rate.Limiter
}

func NewEtherscanClient(logger *slog.Logger, cfg config.ExplorerConfig) *EtherscanClient {
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 4
	}
	return &EtherscanClient{
		logger:  logger,
		baseURL: cfg.URL,
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: 20 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
	}
}

type etherscanResponse struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
}

type etherscanProxyResponse struct {
	Result string `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type etherscanTx struct {
	BlockNumber     string `json:"blockNumber"`
	Hash            string `json:"hash"`
	From            string `json:"from"`
	To              string `json:"to"`
	Value           string `json:"value"`
	Confirmations   string `json:"confirmations"`
	ContractAddress string `json:"contractAddress"`
	IsError         string `json:"isError"`
	TxReceiptStatus string `json:"txreceipt_status"`
}

// TransfersTo returns successful transfers of token to address. A native token has no contract address.
// Token events sharing a transaction hash are summed into one transfer, as a deposit is keyed by its hash.
func (c *EtherscanClient) TransfersTo(ctx context.Context, address string, token config.Token, fromBlock, toBlock uint64) ([]Transfer, error) {
	params := url.Values{
		"module":     {"account"},
		"address":    {address},
		"startblock": {strconv.FormatUint(fromBlock, 10)},
		"endblock":   {strconv.FormatUint(toBlock, 10)},
		"sort":       {"asc"},
	}
	native := token.Address == ""
	if native {
		params.Set("action", "txlist")
	} else {
		params.Set("action", "tokentx")
		params.Set("contractaddress", token.Address)
	}

	var resp etherscanResponse
	if err := c.get(ctx, params, &resp); err != nil {
		return nil, err
	}
	if resp.Status != "1" {
		if resp.Message == noTransactions {
			c.logger.Debug("Etherscan: no transactions", "currency", token.Symbol, "from", fromBlock, "to", toBlock)
			return nil, nil
		}
		var detail string
		_ = json.Unmarshal(resp.Result, &detail)
		return nil, fmt.Errorf("%w: etherscan %s: %s", swap.ErrExternalServiceUnavailable, resp.Message, detail)
	}

	var txs []etherscanTx
	if err := json.Unmarshal(resp.Result, &txs); err != nil {
		return nil, fmt.Errorf("decode etherscan result: %w", err)
	}
	out := make([]Transfer, 0, len(txs))
	seen := make(map[string]int, len(txs))
	for _, tx := range txs {
		if !strings.EqualFold(tx.To, address) {
			continue
		}
		if native && (tx.IsError == "1" || tx.TxReceiptStatus == "0") {
			continue
		}
		if !native && !strings.EqualFold(tx.ContractAddress, token.Address) {
			continue
		}
		t, err := toTransfer(tx, token.Symbol)
		if err != nil {
			c.logger.Warn("Etherscan: skipping malformed transaction", "txHash", tx.Hash, "error", err)
			continue
		}
		if i, ok := seen[t.Hash]; ok {
			c.logger.Info("Etherscan: merging transfer events of one transaction", "txHash", t.Hash, "currency", token.Symbol)
			out[i].Value.Add(out[i].Value, t.Value)
			continue
		}
		seen[t.Hash] = len(out)
		out = append(out, t)
	}
	return out, nil
}

// LatestBlock reads the head through the explorer's JSON-RPC proxy.
func (c *EtherscanClient) LatestBlock(ctx context.Context) (uint64, error) {
	var resp etherscanProxyResponse
	err := c.get(ctx, url.Values{"module": {"proxy"}, "action": {"eth_blockNumber"}}, &resp)
	if err != nil {
		return 0, err
	}
	if resp.Error != nil {
		return 0, fmt.Errorf("%w: eth_blockNumber: %s", swap.ErrExternalServiceUnavailable, resp.Error.Message)
	}
	n, err := hexutil.DecodeUint64(resp.Result)
	if err != nil {
		return 0, fmt.Errorf("%w: eth_blockNumber returned %q", swap.ErrExternalServiceUnavailable, resp.Result)
	}
	return n, nil
}

func (c *EtherscanClient) get(ctx context.Context, params url.Values, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	if c.apiKey != "" {
		params.Set("apikey", c.apiKey)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", swap.ErrExternalServiceUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: etherscan http %d", swap.ErrExternalServiceUnavailable, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: %v", swap.ErrExternalServiceUnavailable, err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode etherscan response: %w", err)
	}
	return nil
}

func toTransfer(tx etherscanTx, currency string) (Transfer, error) {
	block, err := strconv.ParseUint(tx.BlockNumber, 10, 64)
	if err != nil {
		return Transfer{}, fmt.Errorf("block number: %w", err)
	}
	value, ok := new(big.Int).SetString(tx.Value, 10)
	if !ok || value.Sign() < 0 {
		return Transfer{}, errors.New("invalid value")
	}
	confirmations, err := strconv.ParseUint(tx.Confirmations, 10, 64)
	if err != nil {
		return Transfer{}, fmt.Errorf("confirmations: %w", err)
	}
	return Transfer{
		Hash:          strings.ToLower(tx.Hash),
		Block:         block,
		From:          strings.ToLower(tx.From),
		To:            strings.ToLower(tx.To),
		Currency:      strings.ToUpper(currency),
		Value:         value,
		Confirmations: confirmations,
	}, nil
}
