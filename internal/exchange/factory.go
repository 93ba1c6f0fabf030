package exchange

import (
	"fmt"
	"log/slog"

	"settler/internal/config"
)

// NewClient creates a new exchange market data client based on the given name and configuration.
func NewClient(name string, logger *slog.Logger, cfg *config.ExchangeConfig) (ExchangeClient, error) {
	switch name {
	case "kraken":
		return NewKrakenClient(logger, cfg), nil
	case "binance":
		return NewBinanceClient(logger, cfg), nil
	default:
		return nil, fmt.Errorf("unknown exchange: %s", name)
	}
}

// NewTrader returns the trading client for name. Only exchanges with a trading API qualify.
func NewTrader(name string, logger *slog.Logger, cfg *config.ExchangeConfig) (Trader, AccountStreamer, error) {
	switch name {
	case "binance":
		b := NewBinanceClient(logger, cfg)
		return b, b, nil
	default:
		return nil, nil, fmt.Errorf("exchange %s does not support trading", name)
	}
}
