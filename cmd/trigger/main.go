// Command trigger asks a running server to dispatch due posts now and prints
// the run report.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// ErrBusy means the server was already running a dispatch.
var ErrBusy = errors.New("dispatch run already in progress")

type runReport struct {
	Processed int `json:"processed"`
	Results   []struct {
		ID     string `json:"id"`
		Status string `json:"status"`
		Error  string `json:"error,omitempty"`
	} `json:"results"`
	Error string `json:"error,omitempty"`
}

func main() {
	_ = godotenv.Load()

	serverURL := flag.String("url", envOr("DISPATCH_URL", "http://localhost:8080"), "base URL of the server")
	secret := flag.String("secret", os.Getenv("DISPATCH_SECRET"), "shared dispatch secret")
	timeout := flag.Duration("timeout", 5*time.Minute, "how long to wait for the run to finish")
	flag.Parse()

	log := logrus.New()
	log.SetOutput(os.Stderr)

	if *secret == "" {
		log.Fatal("dispatch secret is required (-secret or DISPATCH_SECRET)")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	client := &http.Client{Timeout: *timeout}
	report, err := trigger(ctx, client, *serverURL, *secret)
	if report != nil {
		out, _ := json.MarshalIndent(report, "", "  ")
		fmt.Println(string(out))
	}
	if err != nil {
		log.WithError(err).Error("Dispatch run failed")
		if errors.Is(err, ErrBusy) {
			os.Exit(2)
		}
		os.Exit(1)
	}

	log.WithField("processed", report.Processed).Info("Dispatch run complete")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// trigger calls the run endpoint. A report is returned whenever the server
// sent one, including on a failed run.
func trigger(ctx context.Context, client *http.Client, serverURL, secret string) (*runReport, error) {
	endpoint := strings.TrimRight(serverURL, "/") + "/internal/dispatch/run"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+secret)

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusOK, http.StatusInternalServerError:
	case http.StatusConflict:
		return nil, ErrBusy
	default:
		return nil, fmt.Errorf("server returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var report runReport
	if err := json.Unmarshal(body, &report); err != nil {
		return nil, fmt.Errorf("decoding report: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return &report, fmt.Errorf("server returned status %d: %s", resp.StatusCode, report.Error)
	}
	return &report, nil
}
