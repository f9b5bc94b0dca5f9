// Command fakedrone connects to a relay as the drone and streams synthetic
// telemetry and a bouncing-ball video feed, logging any commands it receives.
package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/aerosentinel/relay/internal/relay"
	"github.com/aerosentinel/relay/internal/wsconn"
)

var (
	url = flag.String("url", "ws://127.0.0.1:8000/ws/drone", "Relay drone endpoint")
	fps = flag.Int("fps", 30, "Frames per second")
)

// fly sends one telemetry message and one frame per tick until ctx is done or
// the connection fails.
func fly(ctx context.Context, conn *wsconn.Conn, interval time.Duration) error {
	b := newBall()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			msg, err := telemetryMessage(now)
			if err != nil {
				return err
			}
			if err := conn.SendText(msg); err != nil {
				return err
			}

			b.step()
			frame, err := renderFrame(b, now)
			if err != nil {
				return err
			}
			if err := conn.SendBinary(frame); err != nil {
				return err
			}
		}
	}
}

// logCommands prints commands forwarded from frontends until the connection
// closes.
func logCommands(conn *wsconn.Conn) {
	for {
		r := conn.Receive()
		if r.Terminal() {
			return
		}
		if r.Kind == relay.Text {
			log.Printf("[FakeDrone] command: %s", r.Data)
		}
	}
}

func main() {
	flag.Parse()
	if *fps <= 0 {
		log.Fatal("fps must be positive")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	conn, err := wsconn.Dial(dialCtx, *url, wsconn.Options{})
	cancel()
	if err != nil {
		log.Fatalf("connection failed: %v", err)
	}
	defer conn.Close()
	log.Printf("[FakeDrone] connected to %s, streaming at %d fps", *url, *fps)

	go logCommands(conn)

	if err := fly(ctx, conn, time.Second/time.Duration(*fps)); err != nil {
		log.Printf("[FakeDrone] stream ended: %v", err)
		return
	}
	log.Printf("[FakeDrone] stopping stream")
}
