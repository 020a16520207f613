package exchange

import (
	"testing"
	"time"
)

func TestReconnectBackoffSchedule(t *testing.T) {
	if backoffBase != 1500*time.Millisecond {
		t.Errorf("base = %s, want 1.5s", backoffBase)
	}

	max := 60 * time.Second
	backoff := backoffBase
	var seen []time.Duration
	for i := 0; i < 8; i++ {
		seen = append(seen, backoff)
		backoff = nextBackoff(backoff, max)
	}

	// Doubles from 1.5s and saturates at the cap.
	want := []time.Duration{
		1500 * time.Millisecond, 3 * time.Second, 6 * time.Second,
		12 * time.Second, 24 * time.Second, 48 * time.Second,
		60 * time.Second, 60 * time.Second,
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("step %d = %s, want %s", i, seen[i], want[i])
		}
	}
}

func TestParseKlineEvent(t *testing.T) {
	data := []byte(`{"e":"kline","k":{"t":1735689600000,"T":1735689659999,` +
		`"o":"100.1","h":"101.5","l":"99.9","c":"100.7","v":"12.5","n":42,"x":true}}`)

	update, ok, err := parseKlineEvent(data, "BTCUSDT", "1m")
	if err != nil || !ok {
		t.Fatalf("parse failed: ok=%v err=%v", ok, err)
	}
	if !update.Closed || !update.Bar.IsClosed {
		t.Error("final kline must mark the bar closed")
	}
	if update.Bar.Close != 100.7 || update.Bar.TradeCount != 42 {
		t.Errorf("bar = %+v", update.Bar)
	}

	// Non-kline events are skipped without error.
	if _, ok, err := parseKlineEvent([]byte(`{"e":"trade"}`), "BTCUSDT", "1m"); ok || err != nil {
		t.Errorf("trade event: ok=%v err=%v", ok, err)
	}
}
