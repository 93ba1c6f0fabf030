package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	colorSuccess = 0x32cd32
	colorFailure = 0xdc143c
)

type embedField struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type embed struct {
	Title       string       `json:"title"`
	URL         string       `json:"url,omitempty"`
	Description string       `json:"description"`
	Color       int          `json:"color"`
	Fields      []embedField `json:"fields,omitempty"`
}

type webhookPayload struct {
	TTS    bool    `json:"tts"`
	Embeds []embed `json:"embeds"`
}

// WebhookSink posts a chat-style embed for each event.
type WebhookSink struct {
	url            string
	explorerURL    string
	outputSymbol   string
	outputDecimals int32
	decimals       map[string]int32
	client         *http.Client
}

// NewWebhookSink builds a sink. decimals maps deposit currencies to their precision for display.
func NewWebhookSink(url, explorerURL, outputSymbol string, outputDecimals int32, decimals map[string]int32) *WebhookSink {
	return &WebhookSink{
		url:            url,
		explorerURL:    explorerURL,
		outputSymbol:   outputSymbol,
		outputDecimals: outputDecimals,
		decimals:       decimals,
		client:         &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *WebhookSink) Name() string { return "webhook" }

func (s *WebhookSink) Notify(ctx context.Context, ev Event) error {
	body, err := json.Marshal(s.build(ev))
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("webhook returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}

func (s *WebhookSink) build(ev Event) webhookPayload {
	e := embed{
		Title:       strings.ToUpper(strings.ReplaceAll(ev.Kind, ".", " ")),
		Description: ev.Detail,
		Color:       colorFailure,
	}
	if ev.Kind == SwapDelivered {
		e.Color = colorSuccess
	}
	if rec := ev.Swap; rec != nil {
		if s.explorerURL != "" {
			e.URL = strings.TrimSuffix(s.explorerURL, "/") + "/tx/" + rec.TxHash
		}
		deposit := decimal.NewFromBigInt(rec.Amount, -s.decimals[rec.Currency]).StringFixed(4)
		e.Description = fmt.Sprintf("%s request %s%s with %s%s\nEXCHANGE : TRANSFER = %s : %s",
			rec.From, s.display(rec.OutputAmount), s.outputSymbol, deposit, rec.Currency,
			s.display(rec.ConvertedAmount), s.display(rec.DeliveredAmount))
		if ev.Detail != "" {
			e.Description += "\n" + ev.Detail
		}
		e.Fields = []embedField{{Name: "Deposit txHash", Value: rec.TxHash}}
		if rec.DeliveryTxHash != "" {
			e.Fields = append(e.Fields, embedField{Name: s.outputSymbol + " txHash", Value: rec.DeliveryTxHash})
		}
	}
	return webhookPayload{Embeds: []embed{e}}
}

func (s *WebhookSink) display(v *big.Int) string {
	if v == nil {
		return "-"
	}
	return decimal.NewFromBigInt(v, -s.outputDecimals).StringFixed(2)
}
