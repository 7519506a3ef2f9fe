package feed

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/mattdavey/papertrade/internal/types"
)

func testTick(price string) types.PriceTick {
	return types.PriceTick{
		Symbol:    "BTCUSDT",
		Price:     decimal.RequireFromString(price),
		Timestamp: time.Now(),
	}
}

func TestHistoryIsBoundedAndOrdered(t *testing.T) {
	in := NewIngestor("ws://unused", time.Second)

	for i := 0; i < 150; i++ {
		in.dispatch(testTick(fmt.Sprintf("%d", 50000+i)))
	}

	history := in.History()
	if len(history) != historyCap {
		t.Fatalf("expected history of %d, got %d", historyCap, len(history))
	}

	// Oldest 50 ticks were dropped: history starts at 50050 and ends at 50149.
	if !history[0].Price.Equal(decimal.RequireFromString("50050")) {
		t.Errorf("expected oldest price 50050, got %s", history[0].Price)
	}
	if !history[len(history)-1].Price.Equal(decimal.RequireFromString("50149")) {
		t.Errorf("expected newest price 50149, got %s", history[len(history)-1].Price)
	}

	last, ok := in.Last()
	if !ok || !last.Price.Equal(decimal.RequireFromString("50149")) {
		t.Errorf("expected Last to match newest tick, got %s (ok=%v)", last.Price, ok)
	}
}

func TestLastWithEmptyHistory(t *testing.T) {
	in := NewIngestor("ws://unused", time.Second)
	if _, ok := in.Last(); ok {
		t.Error("expected no last tick before any dispatch")
	}
}

func TestSettleRunsBeforeBroadcast(t *testing.T) {
	in := NewIngestor("ws://unused", time.Second)

	var sequence []string
	in.OnTick(func(types.PriceTick) {
		sequence = append(sequence, "settle")
	})

	id, ticks := in.Subscribe()
	defer in.Unsubscribe(id)

	in.dispatch(testTick("50000"))

	select {
	case <-ticks:
		sequence = append(sequence, "broadcast")
	case <-time.After(time.Second):
		t.Fatal("subscriber never received the tick")
	}

	if len(sequence) != 2 || sequence[0] != "settle" || sequence[1] != "broadcast" {
		t.Errorf("expected settle before broadcast, got %v", sequence)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	in := NewIngestor("ws://unused", time.Second)

	id, ticks := in.Subscribe()
	in.Unsubscribe(id)

	if _, open := <-ticks; open {
		t.Error("expected closed channel after unsubscribe")
	}

	// Dispatch after unsubscribe must not panic or block.
	in.dispatch(testTick("50000"))
}

func TestLaggingSubscriberIsDropped(t *testing.T) {
	in := NewIngestor("ws://unused", time.Second)

	_, ticks := in.Subscribe()

	// Overflow the subscriber buffer without draining it.
	for i := 0; i <= cap(ticks); i++ {
		in.dispatch(testTick("50000"))
	}

	// Drain what was buffered; the channel must then be closed.
	open := true
	for open {
		select {
		case _, open = <-ticks:
		case <-time.After(time.Second):
			t.Fatal("expected channel to be closed after overflow")
		}
	}
}

// newFlakyUpstream serves a ticker stream that drops the connection after
// ticksPerConn messages. The first maxConns connections each get their own
// price range; later reconnects are held open without sending anything.
func newFlakyUpstream(t *testing.T, ticksPerConn, maxConns int) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	var connCount int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		n := int(atomic.AddInt32(&connCount, 1))
		if n > maxConns {
			conn.ReadMessage()
			return
		}

		base := 50000 + (n-1)*ticksPerConn
		for i := 0; i < ticksPerConn; i++ {
			msg := fmt.Sprintf(
				`{"s":"BTCUSDT","c":"%d","p":"0","P":"0","h":"0","l":"0","v":"0"}`,
				base+i,
			)
			if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestReconnectPreservesHistoryWithoutDuplication(t *testing.T) {
	// Two connections of 60 ticks each: the second batch pushes the history
	// past its cap, so after the reconnect it must hold exactly the newest
	// 100 ticks with no tick delivered twice.
	const ticksPerConn = 60
	srv := newFlakyUpstream(t, ticksPerConn, 2)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	in := NewIngestor(url, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go in.Start(ctx)

	deadline := time.Now().Add(5 * time.Second)
	var history []types.PriceTick
	for {
		history = in.History()
		if len(history) == historyCap &&
			history[len(history)-1].Price.Equal(decimal.RequireFromString("50119")) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for full history, have %d ticks", len(history))
		}
		time.Sleep(10 * time.Millisecond)
	}

	// 120 ticks arrived in total; the oldest 20 were dropped.
	if !history[0].Price.Equal(decimal.RequireFromString("50020")) {
		t.Errorf("expected oldest price 50020, got %s", history[0].Price)
	}

	seen := make(map[string]bool, len(history))
	for i, tick := range history {
		key := tick.Price.String()
		if seen[key] {
			t.Fatalf("tick %s appears more than once in history", key)
		}
		seen[key] = true
		if i > 0 && !tick.Price.Sub(history[i-1].Price).Equal(decimal.NewFromInt(1)) {
			t.Fatalf("history out of order at index %d: %s after %s",
				i, tick.Price, history[i-1].Price)
		}
	}
}

func TestParseTicker(t *testing.T) {
	message := []byte(`{"s":"BTCUSDT","c":"50123.45","p":"-120.10","P":"-0.24","h":"51000.00","l":"49500.00","v":"1234.5678"}`)

	tick, err := parseTicker(message)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tick.Symbol != "BTCUSDT" {
		t.Errorf("expected symbol BTCUSDT, got %s", tick.Symbol)
	}
	if !tick.Price.Equal(decimal.RequireFromString("50123.45")) {
		t.Errorf("unexpected price: %s", tick.Price)
	}
	if !tick.PriceChange.Equal(decimal.RequireFromString("-120.10")) {
		t.Errorf("unexpected price change: %s", tick.PriceChange)
	}
	if tick.Timestamp.IsZero() {
		t.Error("expected arrival timestamp to be set")
	}
}

func TestParseTickerRejectsMalformedInput(t *testing.T) {
	cases := []struct {
		name    string
		message string
	}{
		{"not json", "not json at all"},
		{"non-numeric price", `{"s":"BTCUSDT","c":"abc","p":"0","P":"0","h":"0","l":"0","v":"0"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := parseTicker([]byte(tc.message)); err == nil {
				t.Error("expected parse error")
			}
		})
	}
}
