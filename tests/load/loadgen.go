//go:build ignore

// loadgen floods the relay's send endpoint with uniquely-identified
// messages and tallies responses by status code. Duplicate and throttle
// rejections show up as 409/429 counts.
//
//	go run loadgen.go -url http://localhost:8080 -n 1000 -c 20
package main

import (
	"bytes"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"sync"
	"time"
)

func main() {
	url := flag.String("url", "http://localhost:8080", "relay base URL")
	n := flag.Int("n", 1000, "total requests")
	c := flag.Int("c", 10, "concurrent workers")
	flag.Parse()

	client := &http.Client{Timeout: 30 * time.Second}

	var mu sync.Mutex
	counts := make(map[int]int)
	transportErrs := 0

	run := time.Now().UnixNano()
	jobs := make(chan int)
	var wg sync.WaitGroup
	start := time.Now()

	for w := 0; w < *c; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				body := fmt.Sprintf(
					`{"to":"load-%d@example.com","subject":"load test","body":"generated","request_id":"load-%d-%d"}`,
					i, run, i,
				)
				resp, err := client.Post(*url+"/v1/send", "application/json", bytes.NewReader([]byte(body)))

				mu.Lock()
				if err != nil {
					transportErrs++
				} else {
					counts[resp.StatusCode]++
				}
				mu.Unlock()

				if err == nil {
					io.Copy(io.Discard, resp.Body) //nolint:errcheck
					resp.Body.Close()
				}
			}
		}()
	}

	for i := 0; i < *n; i++ {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	elapsed := time.Since(start)
	fmt.Printf("%d requests in %v (%.0f req/s)\n", *n, elapsed.Round(time.Millisecond), float64(*n)/elapsed.Seconds())

	statuses := make([]int, 0, len(counts))
	for s := range counts {
		statuses = append(statuses, s)
	}
	sort.Ints(statuses)
	for _, s := range statuses {
		fmt.Printf("  %d: %d\n", s, counts[s])
	}
	if transportErrs > 0 {
		fmt.Fprintf(os.Stderr, "transport errors: %d\n", transportErrs)
	}
}
