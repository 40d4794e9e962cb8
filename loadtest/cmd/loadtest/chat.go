package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/courier/chat-backend/loadtest/client"
	"github.com/courier/chat-backend/loadtest/stats"
)

// pairResult tracks the outcome of a single conversation pair's lifecycle.
type pairResult struct {
	streamed      bool
	msgSent       int64
	msgRecv       int64
	streamLatency time.Duration
}

// runChat implements the pairwise messaging load test. Each simulated user
// pair goes through the complete flow: connect -> authenticate ->
// stream_messages -> exchange messages over their shared conversation. This
// test measures end-to-end delivery latency and throughput through the
// conversation log and the fan-out hub.
func runChat(args []string) {
	fs := flag.NewFlagSet("chat", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	secret := fs.String("secret", "dev-secret", "JWT signing secret shared with the server")
	pairs := fs.Int("pairs", 100, "Number of user pairs exchanging messages")
	rampUp := fs.Duration("ramp", 10*time.Second, "Ramp-up duration for connection creation")
	chatDuration := fs.Duration("chat-duration", 30*time.Second, "How long each pair chats")
	msgInterval := fs.Duration("msg-interval", 2*time.Second, "Interval between messages per user")
	msgSize := fs.Int("msg-size", 128, "Size of each message payload in bytes")
	concurrency := fs.Int("concurrency", 50, "Maximum simultaneous connection attempts during ramp-up")
	streamTimeout := fs.Duration("stream-timeout", 15*time.Second, "Timeout waiting for the history replay")
	metricsURL := fs.String("metrics-url", "http://localhost:9090/metrics", "Prometheus metrics endpoint URL")
	scrapeInterval := fs.Duration("scrape-interval", 2*time.Second, "Interval between metrics scrapes")
	fs.Parse(args)

	totalClients := *pairs * 2

	fmt.Printf("Chat test: %d pairs (%d clients) to %s (ramp=%s, chat=%s, interval=%s, msg-size=%d, concurrency=%d)\n",
		*pairs, totalClients, *url, *rampUp, *chatDuration, *msgInterval, *msgSize, *concurrency)

	// Set up signal handling for graceful shutdown.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()

	// Set up metrics scraper.
	scraper := stats.NewScraper(*metricsURL, *scrapeInterval)
	collector.SetScraper(scraper)
	scraper.Start(ctx)

	// Connections indexed by pair and side so partners can find each other.
	var mu sync.Mutex
	clients := make([]*client.Client, totalClients)

	// Track whether ramp-up was interrupted so we can skip later phases.
	interrupted := false

	// -----------------------------------------------------------------------
	// Phase 1 — Connect and authenticate all users
	// -----------------------------------------------------------------------
	fmt.Println("\n--- Phase 1: Connect all users ---")

	interval := *rampUp / time.Duration(totalClients)
	if interval <= 0 {
		interval = time.Millisecond
	}

	// Semaphore to bound concurrent connection attempts.
	sem := make(chan struct{}, *concurrency)
	var wg sync.WaitGroup

	// Progress reporting: every 2 seconds during ramp-up.
	progressStop := make(chan struct{})
	var progressWg sync.WaitGroup
	progressWg.Add(1)
	go func() {
		defer progressWg.Done()
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		lastCount := 0
		lastTime := time.Now()
		for {
			select {
			case <-ticker.C:
				now := time.Now()
				currentConns := collector.ConnectionCount()
				currentErrs := collector.ErrorCount()
				dt := now.Sub(lastTime).Seconds()
				rate := float64(currentConns-lastCount) / dt
				fmt.Printf("  [connect] connections: %d/%d  errors: %d  rate: %.1f conn/s\n",
					currentConns, totalClients, currentErrs, rate)
				lastCount = currentConns
				lastTime = now
			case <-progressStop:
				return
			}
		}
	}()

	rampStart := time.Now()
	rampTicker := time.NewTicker(interval)

	launched := 0
	for launched < totalClients {
		select {
		case <-ctx.Done():
			fmt.Println("\nInterrupted during connection phase.")
			interrupted = true
			launched = totalClients // Break the loop.
		case <-rampTicker.C:
			idx := launched
			launched++
			wg.Add(1)
			sem <- struct{}{} // Acquire semaphore slot.

			go func() {
				defer wg.Done()
				defer func() { <-sem }() // Release semaphore slot.

				userID := pairUserID(idx)
				token, err := client.SignToken(*secret, userID, userID)
				if err != nil {
					collector.AddError()
					return
				}

				connCtx, connCancel := context.WithTimeout(ctx, 10*time.Second)
				defer connCancel()

				c, err := client.New(connCtx, *url, token)
				if err != nil {
					collector.AddError()
					return
				}

				if err := c.WaitForAuth(connCtx); err != nil {
					collector.AddError()
					c.Close()
					return
				}

				m := c.GetMetrics()
				collector.AddConnect(m.ConnectLatency)
				collector.AddAuth(m.AuthLatency)

				mu.Lock()
				clients[idx] = c
				mu.Unlock()
			}()
		}
	}

	rampTicker.Stop()
	wg.Wait()
	close(progressStop)
	progressWg.Wait()

	rampElapsed := time.Since(rampStart)
	fmt.Printf("\nPhase 1 complete: %d/%d connections in %s (%d errors)\n",
		collector.ConnectionCount(), totalClients,
		rampElapsed.Round(time.Millisecond), collector.ErrorCount())

	if interrupted {
		fmt.Println("Interrupted — skipping chat phases.")
		cleanup(clients, &mu)
		scraper.Stop()
		collector.Report()
		return
	}

	// -----------------------------------------------------------------------
	// Phase 2 + 3 — Stream and chat (per pair)
	// -----------------------------------------------------------------------
	fmt.Printf("\n--- Phase 2-3: Running %d chat pairs ---\n", *pairs)

	// Global atomic counters for progress reporting.
	var totalMsgSent atomic.Int64
	var totalMsgRecv atomic.Int64
	var activePairCount atomic.Int64
	var completedPairs atomic.Int64
	var errorCount atomic.Int64

	// Collect results from each pair.
	results := make([]pairResult, *pairs)

	// WaitGroup for all pair goroutines.
	var pairWg sync.WaitGroup

	// Filler appended after the timestamp prefix so every message has the
	// requested payload size.
	filler := strings.Repeat("abcdefgh", (*msgSize/8)+1)

	// Progress reporting every 5 seconds.
	chatProgressStop := make(chan struct{})
	var chatProgressWg sync.WaitGroup
	chatProgressWg.Add(1)
	go func() {
		defer chatProgressWg.Done()
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				active := activePairCount.Load()
				completed := completedPairs.Load()
				sent := totalMsgSent.Load()
				recv := totalMsgRecv.Load()
				errs := errorCount.Load()
				fmt.Printf("  [chat] active: %d  completed: %d/%d  sent: %d  recv: %d  errors: %d\n",
					active, completed, *pairs, sent, recv, errs)
			case <-chatProgressStop:
				return
			}
		}
	}()

	chatStart := time.Now()

	for i := 0; i < *pairs; i++ {
		i := i // capture loop variable
		mu.Lock()
		c1 := clients[i*2]
		c2 := clients[i*2+1]
		mu.Unlock()

		// Skip pairs where either side failed to connect.
		if c1 == nil || c2 == nil {
			completedPairs.Add(1)
			continue
		}

		pairWg.Add(1)
		go func() {
			defer pairWg.Done()

			// Stagger stream_messages sends by 100ms between pairs to avoid
			// a thundering herd of history replays.
			stagger := time.Duration(i) * 100 * time.Millisecond
			select {
			case <-time.After(stagger):
			case <-ctx.Done():
				return
			}

			runPair(ctx, c1, c2, *chatDuration, *msgInterval, *streamTimeout,
				filler, *msgSize, collector, &results[i],
				&totalMsgSent, &totalMsgRecv, &activePairCount, &completedPairs, &errorCount)
		}()
	}

	// Wait for all pairs to complete.
	allDone := make(chan struct{})
	go func() {
		pairWg.Wait()
		close(allDone)
	}()

	select {
	case <-allDone:
		// All pairs finished.
	case <-ctx.Done():
		fmt.Println("\nInterrupted — waiting for pairs to wind down...")
		<-allDone
	}

	close(chatProgressStop)
	chatProgressWg.Wait()

	chatElapsed := time.Since(chatStart)

	// -----------------------------------------------------------------------
	// Final report
	// -----------------------------------------------------------------------
	var streamedPairs int
	var totalSent, totalRecv int64
	var totalStreamLatency time.Duration

	for _, r := range results {
		totalSent += r.msgSent
		totalRecv += r.msgRecv
		if r.streamed {
			streamedPairs++
			totalStreamLatency += r.streamLatency
		}
	}

	fmt.Printf("\n--- Chat Results ---\n")
	fmt.Printf("Pairs streaming:   %d / %d\n", streamedPairs, *pairs)
	fmt.Printf("Total msg sent:    %d\n", totalSent)
	fmt.Printf("Total msg recv:    %d\n", totalRecv)
	fmt.Printf("Chat duration:     %s\n", chatElapsed.Round(time.Millisecond))
	if streamedPairs > 0 {
		avgStream := totalStreamLatency / time.Duration(streamedPairs)
		fmt.Printf("Avg stream setup:  %s\n", avgStream.Round(time.Millisecond))
	}
	if chatElapsed.Seconds() > 0 && totalSent > 0 {
		fmt.Printf("Msg throughput:    %.1f msg/s\n", float64(totalSent)/chatElapsed.Seconds())
	}

	// -----------------------------------------------------------------------
	// Cleanup
	// -----------------------------------------------------------------------
	cleanup(clients, &mu)
	scraper.Stop()
	collector.Report()
}

// runPair executes the messaging lifecycle for a pair of clients: both open a
// live stream over their shared conversation, then exchange timestamped
// messages for the chat duration. It returns after the chat ends or the
// context is cancelled.
func runPair(
	ctx context.Context,
	c1, c2 *client.Client,
	chatDuration, msgInterval, streamTimeout time.Duration,
	filler string, msgSize int,
	collector *stats.Collector,
	result *pairResult,
	totalMsgSent, totalMsgRecv, activePairCount, completedPairs, errorCount *atomic.Int64,
) {
	defer completedPairs.Add(1)

	u1 := c1.UserID()
	u2 := c2.UserID()
	convID := conversationID(u1, u2)

	// --- Phase 2: Open the live stream ---

	c1History := make(chan struct{}, 1)
	c2History := make(chan struct{}, 1)

	c1.On(client.TypeHistory, func(raw json.RawMessage) {
		select {
		case c1History <- struct{}{}:
		default:
		}
	})
	c2.On(client.TypeHistory, func(raw json.RawMessage) {
		select {
		case c2History <- struct{}{}:
		default:
		}
	})

	// Message handlers record delivery latency from the timestamp embedded in
	// the payload. Each side only measures messages sent by its partner.
	c1.On(client.TypeMessage, func(raw json.RawMessage) {
		recordDelivery(raw, u1, collector, totalMsgRecv)
	})
	c2.On(client.TypeMessage, func(raw json.RawMessage) {
		recordDelivery(raw, u2, collector, totalMsgRecv)
	})

	streamStart := time.Now()

	if err := c1.Send(map[string]interface{}{
		"type":            client.TypeStreamMessages,
		"conversation_id": convID,
		"after_seq":       0,
	}); err != nil {
		errorCount.Add(1)
		collector.AddError()
		return
	}
	if err := c2.Send(map[string]interface{}{
		"type":            client.TypeStreamMessages,
		"conversation_id": convID,
		"after_seq":       0,
	}); err != nil {
		errorCount.Add(1)
		collector.AddError()
		return
	}

	// Wait for the history replay on both clients.
	streamCtx, streamCancel := context.WithTimeout(ctx, streamTimeout)
	defer streamCancel()

	select {
	case <-c1History:
	case <-streamCtx.Done():
		errorCount.Add(1)
		collector.AddError()
		return
	}
	select {
	case <-c2History:
	case <-streamCtx.Done():
		errorCount.Add(1)
		collector.AddError()
		return
	}

	result.streamed = true
	result.streamLatency = time.Since(streamStart)

	// --- Phase 3: Chat ---

	activePairCount.Add(1)
	defer activePairCount.Add(-1)

	chatCtx, chatCancel := context.WithTimeout(ctx, chatDuration)
	defer chatCancel()

	var chatWg sync.WaitGroup
	chatWg.Add(2)

	sender := func(c *client.Client, receiverID string) {
		defer chatWg.Done()
		ticker := time.NewTicker(msgInterval)
		defer ticker.Stop()

		for {
			select {
			case <-chatCtx.Done():
				return
			case <-ticker.C:
				if err := c.Send(map[string]string{
					"type":        client.TypeSendMessage,
					"receiver_id": receiverID,
					"text":        timestampedPayload(filler, msgSize),
				}); err != nil {
					errorCount.Add(1)
					collector.AddError()
					return
				}
				totalMsgSent.Add(1)
				atomic.AddInt64(&result.msgSent, 1)
			}
		}
	}

	go sender(c1, u2)
	go sender(c2, u1)

	chatWg.Wait()

	atomic.AddInt64(&result.msgRecv, totalRecvForPair(c1, c2))
}

// recordDelivery parses a delivered message event and, when it originated from
// the partner, records the one-way delivery latency from the embedded
// timestamp.
func recordDelivery(raw json.RawMessage, selfID string, collector *stats.Collector, totalMsgRecv *atomic.Int64) {
	var msg struct {
		SenderID string `json:"sender_id"`
		Text     string `json:"text"`
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		return
	}
	if msg.SenderID == selfID {
		// Own echo from the live stream; not a delivery measurement.
		return
	}
	totalMsgRecv.Add(1)

	// Payload format: "<unix-nanos> <filler>".
	nanos, ok := parseTimestampPrefix(msg.Text)
	if !ok {
		return
	}
	collector.AddMsgLatency(time.Since(time.Unix(0, nanos)))
}

// timestampedPayload builds a message body of roughly msgSize bytes that
// starts with the current time in unix nanoseconds.
func timestampedPayload(filler string, msgSize int) string {
	prefix := strconv.FormatInt(time.Now().UnixNano(), 10) + " "
	if len(prefix) >= msgSize {
		return prefix
	}
	return prefix + filler[:msgSize-len(prefix)]
}

// parseTimestampPrefix extracts the unix-nanosecond prefix from a payload.
func parseTimestampPrefix(text string) (int64, bool) {
	idx := strings.IndexByte(text, ' ')
	if idx <= 0 {
		idx = len(text)
	}
	nanos, err := strconv.ParseInt(text[:idx], 10, 64)
	if err != nil {
		return 0, false
	}
	return nanos, true
}

// totalRecvForPair sums the received-message counters of both clients,
// excluding the handshake confirmation each side got.
func totalRecvForPair(c1, c2 *client.Client) int64 {
	recv := int64(0)
	for _, c := range []*client.Client{c1, c2} {
		m := c.GetMetrics()
		if n := int64(m.MessagesReceived) - 1; n > 0 {
			recv += n
		}
	}
	return recv
}

// pairUserID derives the user ID for the client at the given launch index.
// Even indexes are the "a" side of a pair, odd indexes the "b" side.
func pairUserID(idx int) string {
	side := "a"
	if idx%2 == 1 {
		side = "b"
	}
	return fmt.Sprintf("load-%04d-%s", idx/2, side)
}

// conversationID mirrors the server's canonical conversation key: the two
// participant IDs sorted and joined with an underscore.
func conversationID(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + "_" + b
}

// cleanup closes every tracked connection.
func cleanup(clients []*client.Client, mu *sync.Mutex) {
	fmt.Println("\n--- Cleanup ---")
	mu.Lock()
	defer mu.Unlock()
	n := 0
	for _, c := range clients {
		if c != nil {
			c.Close()
			n++
		}
	}
	fmt.Printf("Closed %d connections.\n", n)
}
