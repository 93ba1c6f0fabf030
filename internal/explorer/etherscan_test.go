package explorer

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"settler/internal/config"
	"settler/internal/swap"
)

const deposit = "0x00000000000000000000000000000000000000d1"

func newTestClient(t *testing.T, handler func(q url.Values) string) *EtherscanClient {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(handler(r.URL.Query())))
	}))
	t.Cleanup(srv.Close)
	return NewEtherscanClient(slog.New(slog.NewTextHandler(io.Discard, nil)),
		config.ExplorerConfig{URL: srv.URL + "/api", APIKey: "k", RequestsPerSecond: 100})
}

func TestEtherscanClient_TransfersTo(t *testing.T) {
	tests := []struct {
		name    string
		token   config.Token
		body    string
		want    []string
		wantErr error
	}{
		{
			name:  "native transfers filter failed and outbound",
			token: config.Token{Symbol: "ETH", Decimals: 18},
			body: `{"status":"1","message":"OK","result":[
				{"blockNumber":"10","hash":"0xAA","from":"0xS","to":"` + deposit + `","value":"1000","confirmations":"5","isError":"0","txreceipt_status":"1"},
				{"blockNumber":"11","hash":"0xBB","from":"0xS","to":"` + deposit + `","value":"1000","confirmations":"5","isError":"1","txreceipt_status":"0"},
				{"blockNumber":"12","hash":"0xCC","from":"` + deposit + `","to":"0xS","value":"1000","confirmations":"5","isError":"0","txreceipt_status":"1"}
			]}`,
			want: []string{"0xaa"},
		},
		{
			name:  "token transfers match contract",
			token: config.Token{Symbol: "USDT", Address: "0xdac17f958d2ee523a2206206994597c13d831ec7", Decimals: 6},
			body: `{"status":"1","message":"OK","result":[
				{"blockNumber":"10","hash":"0xDD","from":"0xS","to":"` + deposit + `","value":"150000000","confirmations":"2","contractAddress":"0xDAC17F958D2EE523A2206206994597C13D831EC7"},
				{"blockNumber":"10","hash":"0xEE","from":"0xS","to":"` + deposit + `","value":"1","confirmations":"2","contractAddress":"0xother"}
			]}`,
			want: []string{"0xdd"},
		},
		{
			name:  "no transactions is empty",
			token: config.Token{Symbol: "ETH"},
			body:  `{"status":"0","message":"No transactions found","result":[]}`,
		},
		{
			name:    "rate limit is an outage",
			token:   config.Token{Symbol: "ETH"},
			body:    `{"status":"0","message":"NOTOK","result":"Max rate limit reached"}`,
			wantErr: swap.ErrExternalServiceUnavailable,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(q url.Values) string {
				assert.Equal(t, "account", q.Get("module"))
				assert.Equal(t, "100", q.Get("startblock"))
				assert.Equal(t, "200", q.Get("endblock"))
				if tt.token.Address == "" {
					assert.Equal(t, "txlist", q.Get("action"))
				} else {
					assert.Equal(t, "tokentx", q.Get("action"))
					assert.Equal(t, tt.token.Address, q.Get("contractaddress"))
				}
				return tt.body
			})
			got, err := c.TransfersTo(context.Background(), deposit, tt.token, 100, 200)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			var hashes []string
			for _, tr := range got {
				hashes = append(hashes, tr.Hash)
				assert.Equal(t, deposit, tr.To)
			}
			assert.Equal(t, tt.want, hashes)
		})
	}
}

func TestEtherscanClient_TransfersToSumsEventsOfOneTransaction(t *testing.T) {
	usdt := config.Token{Symbol: "USDT", Address: "0xdac17f958d2ee523a2206206994597c13d831ec7", Decimals: 6}
	c := newTestClient(t, func(url.Values) string {
		return `{"status":"1","message":"OK","result":[
			{"blockNumber":"10","hash":"0xDD","from":"0xS","to":"` + deposit + `","value":"100000000","confirmations":"2","contractAddress":"` + usdt.Address + `"},
			{"blockNumber":"11","hash":"0xFF","from":"0xS","to":"` + deposit + `","value":"7","confirmations":"1","contractAddress":"` + usdt.Address + `"},
			{"blockNumber":"10","hash":"0xdd","from":"0xS","to":"` + deposit + `","value":"50000000","confirmations":"2","contractAddress":"` + usdt.Address + `"}
		]}`
	})

	got, err := c.TransfersTo(context.Background(), deposit, usdt, 100, 200)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "0xdd", got[0].Hash)
	assert.Equal(t, "150000000", got[0].Value.String())
	assert.Equal(t, uint64(10), got[0].Block)
	assert.Equal(t, "0xff", got[1].Hash)
	assert.Equal(t, "7", got[1].Value.String())
}

func TestEtherscanClient_LatestBlock(t *testing.T) {
	c := newTestClient(t, func(q url.Values) string {
		assert.Equal(t, "proxy", q.Get("module"))
		assert.Equal(t, "eth_blockNumber", q.Get("action"))
		return `{"jsonrpc":"2.0","id":83,"result":"0x10d4f"}`
	})
	n, err := c.LatestBlock(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(68943), n)

	bad := newTestClient(t, func(url.Values) string { return `{"result":"Invalid API Key"}` })
	_, err = bad.LatestBlock(context.Background())
	assert.ErrorIs(t, err, swap.ErrExternalServiceUnavailable)
}

func TestEtherscanClient_HTTPFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()
	c := NewEtherscanClient(slog.New(slog.NewTextHandler(io.Discard, nil)), config.ExplorerConfig{URL: srv.URL})
	_, err := c.TransfersTo(context.Background(), deposit, config.Token{Symbol: "ETH"}, 1, 2)
	assert.ErrorIs(t, err, swap.ErrExternalServiceUnavailable)
}
