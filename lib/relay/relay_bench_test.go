package relay

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/tidwall/gjson"
)

// startEchoExtension connects an extension that answers every forwarded
// command under its relay id and keeps the keepalive fed.
func startEchoExtension(b *testing.B, ctx context.Context, tr *testRelay) {
	b.Helper()
	ext := dialExtension(b, ctx, tr)
	announceTarget(b, ctx, ext)
	waitForTarget(b, tr)
	go func() {
		for {
			_, data, err := ext.Read(ctx)
			if err != nil {
				return
			}
			if id := gjson.GetBytes(data, "id"); id.Exists() {
				reply := fmt.Sprintf(`{"id":%d,"result":{}}`, id.Int())
				if err := ext.Write(ctx, websocket.MessageText, []byte(reply)); err != nil {
					return
				}
				continue
			}
			if gjson.GetBytes(data, "method").String() == methodPing {
				_ = ext.Write(ctx, websocket.MessageText, []byte(`{"method":"pong"}`))
			}
		}
	}()
}

// BenchmarkForwardThroughput measures full client->extension->client command
// round-trips through the correlation table.
func BenchmarkForwardThroughput(b *testing.B) {
	tr := newTestRelay(b, Config{})
	ctx := context.Background()
	startEchoExtension(b, ctx, tr)
	client := dialClient(b, ctx, tr, "")

	msg := []byte(`{"id":1,"method":"Network.enable"}`)

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		if err := client.Write(ctx, websocket.MessageText, msg); err != nil {
			b.Fatalf("write failed: %v", err)
		}
		if _, _, err := client.Read(ctx); err != nil {
			b.Fatalf("read failed: %v", err)
		}
	}

	throughput := float64(b.N) / b.Elapsed().Seconds()
	b.ReportMetric(throughput, "msgs/sec")
}

// BenchmarkForwardLatency measures round-trip latency per forwarded command.
func BenchmarkForwardLatency(b *testing.B) {
	tr := newTestRelay(b, Config{})
	ctx := context.Background()
	startEchoExtension(b, ctx, tr)
	client := dialClient(b, ctx, tr, "")

	msg := []byte(`{"id":1,"method":"Runtime.evaluate","params":{"expression":"1+1"}}`)

	b.ResetTimer()

	var totalLatency time.Duration
	for i := 0; i < b.N; i++ {
		start := time.Now()
		if err := client.Write(ctx, websocket.MessageText, msg); err != nil {
			b.Fatalf("write failed: %v", err)
		}
		if _, _, err := client.Read(ctx); err != nil {
			b.Fatalf("read failed: %v", err)
		}
		totalLatency += time.Since(start)
	}

	avgLatencyMs := float64(totalLatency.Microseconds()) / float64(b.N) / 1000.0
	b.ReportMetric(avgLatencyMs, "ms/op")
}

// BenchmarkSyntheticGetTargets measures the locally answered discovery path,
// which never touches the extension.
func BenchmarkSyntheticGetTargets(b *testing.B) {
	tr := newTestRelay(b, Config{})
	ctx := context.Background()
	client := dialClient(b, ctx, tr, "")

	msg := []byte(`{"id":1,"method":"Target.getTargets"}`)

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		if err := client.Write(ctx, websocket.MessageText, msg); err != nil {
			b.Fatalf("write failed: %v", err)
		}
		if _, _, err := client.Read(ctx); err != nil {
			b.Fatalf("read failed: %v", err)
		}
	}

	throughput := float64(b.N) / b.Elapsed().Seconds()
	b.ReportMetric(throughput, "msgs/sec")
}

// BenchmarkConcurrentClients drives the relay from several clients at once,
// all multiplexed onto the one echo extension.
func BenchmarkConcurrentClients(b *testing.B) {
	for _, numConns := range []int{1, 5, 10} {
		b.Run(fmt.Sprintf("conns_%d", numConns), func(b *testing.B) {
			tr := newTestRelay(b, Config{})
			ctx := context.Background()
			startEchoExtension(b, ctx, tr)

			clients := make([]*websocket.Conn, numConns)
			for i := range clients {
				clients[i] = dialClient(b, ctx, tr, "")
			}

			msg := []byte(`{"id":1,"method":"Network.enable"}`)

			b.ResetTimer()

			var wg sync.WaitGroup
			var totalOps atomic.Int64
			for _, client := range clients {
				wg.Add(1)
				go func(conn *websocket.Conn) {
					defer wg.Done()
					opsPerConn := b.N / numConns
					for i := 0; i < opsPerConn; i++ {
						if err := conn.Write(ctx, websocket.MessageText, msg); err != nil {
							b.Errorf("write failed: %v", err)
							return
						}
						if _, _, err := conn.Read(ctx); err != nil {
							b.Errorf("read failed: %v", err)
							return
						}
						totalOps.Add(1)
					}
				}(client)
			}
			wg.Wait()

			throughput := float64(totalOps.Load()) / b.Elapsed().Seconds()
			b.ReportMetric(throughput, "msgs/sec")
		})
	}
}
