package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/vietddude/courier/internal/dispatch"
	"github.com/vietddude/courier/internal/upstream"
)

// staticTokens presents a fixed bearer token; fine for smoke testing
// against endpoints that never expire it.
type staticTokens struct{}

func (staticTokens) EnsureValid(ctx context.Context) error { return nil }
func (staticTokens) Refresh(ctx context.Context) error     { return nil }
func (staticTokens) SignOut(ctx context.Context) error     { return nil }

func main() {
	err := godotenv.Load()
	if err != nil {
		log.Println("No .env file found")
	}

	PARTNER_URL := os.Getenv("PARTNER_URL")
	PARTNER_TOKEN := os.Getenv("PARTNER_TOKEN")
	if PARTNER_URL == "" {
		log.Fatalf("PARTNER_URL is not set")
	}

	pingPath := os.Getenv("PARTNER_PING_PATH")
	if pingPath == "" {
		pingPath = "/"
	}

	ctx := context.Background()

	// 1. Create the partner client
	client := upstream.NewClient(PARTNER_URL, 30*time.Second, func() string {
		return PARTNER_TOKEN
	})

	// 2. Create the scheduler with the default dispatch profile
	scheduler := dispatch.NewScheduler(staticTokens{}, dispatch.DefaultConfig())

	fmt.Println("=== Testing Dispatch Against Partner API ===")
	fmt.Println()

	// 3. Submit a burst of paced calls
	tickets := make([]*dispatch.Ticket, 0, 5)
	for i := 0; i < 5; i++ {
		ticket, err := scheduler.Submit(dispatch.Operation{
			Name: "ping",
			Invoke: func(ctx context.Context) (any, error) {
				return client.Do(ctx, upstream.Call{Method: "GET", Path: pingPath})
			},
		})
		if err != nil {
			log.Printf("Submit %d failed: %v", i+1, err)
			continue
		}
		tickets = append(tickets, ticket)
	}

	// 4. Wait for every ticket to settle
	for i, ticket := range tickets {
		start := time.Now()
		result, err := ticket.Wait(ctx)
		if err != nil {
			ce := dispatch.Classify(err)
			log.Printf("Call %d failed after %d attempts: %s (%v)", i+1, ticket.Attempts(), ce.Kind, err)
			continue
		}
		body, _ := result.(json.RawMessage)
		fmt.Printf("Call %d: %d bytes in %v (attempts=%d)\n",
			i+1, len(body), time.Since(start).Round(time.Millisecond), ticket.Attempts())
	}

	fmt.Println()

	// 5. Show upstream monitor state
	fmt.Println("=== Upstream Monitor ===")
	stats := client.Monitor.Stats()
	fmt.Printf("Status: %s\n", stats.Status)
	fmt.Printf("Average Latency: %v\n", stats.AverageLatency.Round(time.Millisecond))
	fmt.Printf("Requests Last Hour: %d\n", stats.RequestsLastHour)
	fmt.Printf("Throttle Count: %d\n", stats.ThrottleCount)
	fmt.Println()

	// 6. Show scheduler state and drain
	schedStats := scheduler.Stats()
	fmt.Printf("Queued: %d, Active: %d, RetryWaiting: %d\n",
		schedStats.Queued, schedStats.Active, schedStats.RetryWaiting)

	closeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := scheduler.Close(closeCtx); err != nil {
		log.Printf("Close failed: %v", err)
	}
}
