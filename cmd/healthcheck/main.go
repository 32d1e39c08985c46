// Command healthcheck probes the danmaku-archiver ops endpoint and exits
// non-zero when the service is unhealthy. It is the container HEALTHCHECK
// binary; it reads HTTP_ADDR so it follows the same address the service
// listens on.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"strings"
	"time"
)

// healthURL derives the probe target from HTTP_ADDR, defaulting to the
// service's default listen address.
func healthURL() string {
	addr := os.Getenv("HTTP_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return "http://" + addr + "/healthz"
}

func main() {
	client := &http.Client{Timeout: 3 * time.Second}
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, healthURL(), nil)
	if err != nil {
		os.Exit(1)
	}
	resp, err := client.Do(req)
	if err != nil {
		os.Exit(1)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			log.Printf("failed to close response body: %v", err)
		}
	}()
	if resp.StatusCode != 200 {
		os.Exit(1)
	}
}
