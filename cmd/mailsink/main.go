// Package main provides a stand-in delivery provider for exercising the
// relay locally. It accepts message posts, and can inject latency, random
// failures, or any fixed status code on demand.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
)

func main() {
	port := flag.Int("port", 4025, "port to listen on")
	name := flag.String("name", "mailsink", "provider name reported in responses")
	failRate := flag.Float64("fail-rate", 0, "fraction of sends to fail with 503 (0.0-1.0)")
	latency := flag.Duration("latency", 0, "artificial delay before each response")
	flag.Parse()

	if p := os.Getenv("PORT"); p != "" {
		fmt.Sscanf(p, "%d", port)
	}
	if n := os.Getenv("SERVICE_NAME"); n != "" {
		*name = n
	}
	if f := os.Getenv("FAIL_RATE"); f != "" {
		if v, err := strconv.ParseFloat(f, 64); err == nil {
			*failRate = v
		}
	}

	// /__status/{code} returns an arbitrary HTTP status code.
	// Useful for driving breaker trips and retry exhaustion from tests.
	// Example: point a provider endpoint at /__status/503.
	http.HandleFunc("/__status/", func(w http.ResponseWriter, r *http.Request) {
		codeStr := strings.TrimPrefix(r.URL.Path, "/__status/")
		code, err := strconv.Atoi(codeStr)
		if err != nil || code < 100 || code > 599 {
			code = 500
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"service":        *name,
			"requested_code": code,
			"message":        http.StatusText(code),
		})
	})

	http.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if *latency > 0 {
			time.Sleep(*latency)
		}

		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}

		var msg struct {
			To        string `json:"to"`
			Subject   string `json:"subject"`
			RequestID string `json:"request_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			http.Error(w, "malformed message payload", http.StatusBadRequest)
			return
		}

		if *failRate > 0 && rand.Float64() < *failRate {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(map[string]string{
				"service": *name,
				"error":   "simulated provider outage",
			})
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"service":    *name,
			"accepted":   true,
			"request_id": msg.RequestID,
			"to":         msg.To,
			"timestamp":  time.Now().UTC().Format(time.RFC3339),
		})
	})

	addr := fmt.Sprintf(":%d", *port)
	log.Printf("%s listening on %s (fail_rate=%.2f)", *name, addr, *failRate)
	log.Fatal(http.ListenAndServe(addr, nil))
}
