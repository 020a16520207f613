package exchange

import (
	"context"
	"testing"

	"github.com/sawpanic/bottomrun/internal/trading"
)

func TestPaperFillSlippage(t *testing.T) {
	b := NewPaperBroker(PaperConfig{SlippageBps: 2, FeeBps: 10})

	// Buys slip up, sells slip down, symmetric around the reference.
	buy, err := b.SubmitOrder(context.Background(), "BTCUSDT", trading.SideBuy, 0.01, 50000)
	if err != nil {
		t.Fatalf("buy failed: %v", err)
	}
	if buy.Price != 50010 {
		t.Errorf("buy price = %f, want 50010", buy.Price)
	}

	sell, err := b.SubmitOrder(context.Background(), "BTCUSDT", trading.SideSell, 0.01, 50000)
	if err != nil {
		t.Fatalf("sell failed: %v", err)
	}
	if sell.Price != 49990 {
		t.Errorf("sell price = %f, want 49990", sell.Price)
	}

	orders, fees := b.Stats()
	if orders != 2 {
		t.Errorf("orders = %d, want 2", orders)
	}
	if fees <= 0 {
		t.Errorf("fees = %f, want positive", fees)
	}
}

func TestPaperRejectsInvalidOrders(t *testing.T) {
	b := NewPaperBroker(DefaultPaperConfig())
	if _, err := b.SubmitOrder(context.Background(), "BTCUSDT", trading.SideBuy, 0, 50000); err == nil {
		t.Error("zero size must be rejected")
	}
	if _, err := b.SubmitOrder(context.Background(), "BTCUSDT", trading.SideBuy, 0.01, 0); err == nil {
		t.Error("zero price must be rejected")
	}
}
