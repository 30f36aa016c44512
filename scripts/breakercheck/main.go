// breakercheck walks a dependency breaker through its whole cycle against a
// running fakeapi: normal operation, failure until the breaker opens, fast
// rejection while open, and recovery through the half-open trial.
//
// Usage:
//
//	go run ./scripts/fakeapi -port 3000
//	go run ./scripts/breakercheck -api http://localhost:3000
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/angeloszaimis/guardrail/config"
	"github.com/angeloszaimis/guardrail/internal/circuitbreaker"
	"github.com/angeloszaimis/guardrail/internal/moderation"
	"github.com/angeloszaimis/guardrail/internal/upstream"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorBlue   = "\033[34m"
	colorCyan   = "\033[36m"
)

type transitions struct{}

func (transitions) StateChanged(name string, from, to circuitbreaker.State) {
	fmt.Printf(colorYellow+"    [%s] %s → %s\n"+colorReset, name, from, to)
}

func (transitions) CallRejected(string) {}

func (transitions) CallCompleted(string, time.Duration, error) {}

func main() {
	var (
		apiURL    = flag.String("api", "http://localhost:3000", "fakeapi root URL")
		threshold = flag.Int("threshold", 3, "consecutive failures before the breaker opens")
		cooldown  = flag.Duration("cooldown", 2*time.Second, "how long the breaker stays open")
		requests  = flag.Int("requests", 5, "requests per phase")
	)
	flag.Parse()

	ctx := context.Background()
	control := &http.Client{Timeout: 5 * time.Second}

	u, err := upstream.New("moderation", config.ServiceConfig{
		BaseURL: *apiURL + "/api",
		Timeout: 2 * time.Second,
		Breaker: config.BreakerConfig{
			FailureThreshold: *threshold,
			OpenDuration:     *cooldown,
			RecoveryTimeout:  time.Second,
		},
	},
		upstream.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		upstream.WithBreakerOptions(circuitbreaker.WithObserver(transitions{})),
	)
	if err != nil {
		fmt.Println(colorRed + "  ✗ " + err.Error() + colorReset)
		os.Exit(1)
	}
	client := moderation.New(u, moderation.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))

	fmt.Println(colorCyan + "╔════════════════════════════════════════════════════════════════╗" + colorReset)
	fmt.Println(colorCyan + "║         CIRCUIT BREAKER CHECK                                  ║" + colorReset)
	fmt.Println(colorCyan + "╚════════════════════════════════════════════════════════════════╝" + colorReset)
	fmt.Println()

	fmt.Println(colorBlue + "━━━ PHASE 1: Normal Operation ━━━" + colorReset)
	if err := setDown(control, *apiURL, false); err != nil {
		fmt.Printf(colorRed+"  ✗ Could not reach fakeapi: %v\n"+colorReset, err)
		os.Exit(1)
	}
	safe := analyze(ctx, client, *requests)
	if safe != *requests {
		fmt.Printf(colorRed+"  ✗ Only %d/%d verdicts came back safe\n"+colorReset, safe, *requests)
		os.Exit(1)
	}
	fmt.Println(colorGreen + "  ✓ Dependency answering, breaker " + u.Breaker().State().String() + colorReset)
	fmt.Println()

	fmt.Println(colorBlue + "━━━ PHASE 2: Dependency Failure ━━━" + colorReset)
	if err := setDown(control, *apiURL, true); err != nil {
		fmt.Printf(colorRed+"  ✗ Could not switch fakeapi down: %v\n"+colorReset, err)
		os.Exit(1)
	}
	analyze(ctx, client, *threshold)
	if u.Breaker().State() != circuitbreaker.StateOpen {
		fmt.Println(colorRed + "  ✗ Breaker did not open" + colorReset)
		os.Exit(1)
	}
	fmt.Println(colorGreen + "  ✓ Content blocked while failing, breaker OPEN" + colorReset)
	fmt.Println()

	fmt.Println(colorBlue + "━━━ PHASE 3: Fast Rejection ━━━" + colorReset)
	start := time.Now()
	analyze(ctx, client, *requests)
	fmt.Printf("  %d rejected calls took %v\n", *requests, time.Since(start))
	fmt.Println(colorGreen + "  ✓ No requests reached the dependency" + colorReset)
	fmt.Println()

	fmt.Println(colorBlue + "━━━ PHASE 4: Recovery ━━━" + colorReset)
	if err := setDown(control, *apiURL, false); err != nil {
		fmt.Printf(colorRed+"  ✗ Could not switch fakeapi up: %v\n"+colorReset, err)
		os.Exit(1)
	}
	fmt.Printf("  Waiting %v for the cooldown...\n", *cooldown)
	time.Sleep(*cooldown)
	analyze(ctx, client, 1)
	if u.Breaker().State() != circuitbreaker.StateClosed {
		fmt.Println(colorRed + "  ✗ Trial call did not close the breaker" + colorReset)
		os.Exit(1)
	}
	fmt.Println(colorGreen + "  ✓ Trial succeeded, breaker CLOSED" + colorReset)
	fmt.Println()

	fmt.Println(colorCyan + "╔════════════════════════════════════════════════════════════════╗" + colorReset)
	fmt.Println(colorCyan + "║                    CHECK COMPLETE                              ║" + colorReset)
	fmt.Println(colorCyan + "╚════════════════════════════════════════════════════════════════╝" + colorReset)
}

// analyze sends n moderation requests and returns how many came back safe.
func analyze(ctx context.Context, client *moderation.Client, n int) int {
	safe := 0
	for i := 0; i < n; i++ {
		start := time.Now()
		result := client.AnalyzeContent(ctx, "hello from breakercheck", "text", "breakercheck")
		if result.IsSafe {
			safe++
			fmt.Printf("  Request %d: safe (%v)\n", i+1, time.Since(start).Round(time.Millisecond))
			continue
		}
		fmt.Printf(colorRed+"  Request %d: blocked %v (%v)\n"+colorReset, i+1, result.Reasons, time.Since(start).Round(time.Millisecond))
	}
	return safe
}

func setDown(client *http.Client, apiURL string, down bool) error {
	resp, err := client.Post(fmt.Sprintf("%s/_control?down=%t", apiURL, down), "application/json", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("control endpoint returned %d", resp.StatusCode)
	}
	return nil
}
