package metrics

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/rewired-gh/quantpilot/internal/logger"
	"github.com/rewired-gh/quantpilot/internal/models"
)

func gatherNames(t *testing.T, m *Metrics) map[string]bool {
	t.Helper()
	mfs, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	names := make(map[string]bool)
	for _, mf := range mfs {
		names[mf.GetName()] = true
	}
	return names
}

func TestObserve(t *testing.T) {
	m := New()
	k := models.StratKey{ID: 1, Name: "ttp_r", Symbol: "BTC", Timeframe: "1h"}

	m.ObserveTick(time.Now(), nil)
	m.ObserveTick(time.Now(), errors.New("cache miss"))
	m.ObserveSignals(models.Signals{k: 0.5})
	m.ObserveLeverage(1.2, 1)
	m.ObserveTargets(models.Amounts{"BTC": 0.1})
	m.ObserveOrders([]models.OrderOutcome{{Symbol: "BTC", Side: "BUY"}, {Symbol: "ETH", Side: "SELL", Error: "rejected"}})

	names := gatherNames(t, m)
	for _, want := range []string{
		"quantpilot_ticks_total",
		"quantpilot_tick_duration_seconds",
		"quantpilot_signal",
		"quantpilot_leverage",
		"quantpilot_target_amount",
		"quantpilot_orders_total",
		"quantpilot_last_tick_timestamp_seconds",
	} {
		if !names[want] {
			t.Errorf("%s metric not found", want)
		}
	}
}

func TestServe(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	m := New()
	m.ObserveLeverage(0.8, 0.7)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Serve(ctx, addr, logger.Nop())

	var body string
	for i := 0; i < 50; i++ {
		resp, err := http.Get("http://" + addr + "/metrics")
		if err == nil {
			b, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			body = string(b)
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if !strings.Contains(body, `quantpilot_leverage{kind="real"} 0.8`) {
		t.Errorf("metrics body missing leverage gauge:\n%s", body)
	}
}
