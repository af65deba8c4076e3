// Command concurrentget benchmarks an akwbs server's GET path under
// concurrency: it fetches the same resource once sequentially N times,
// then again with N requests spread across a worker pool, and reports
// how throughput scales. Since the server speaks a GET/PUT-only
// HTTP/1.0 subset with no byte ranges, this measures request
// concurrency rather than chunked transfer of a single large file.
package main

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"
)

var (
	requestCount int
	concurrency  uint
)

var rootCmd = &cobra.Command{
	Use:   "concurrentget <host:port> <path>",
	Short: "Benchmark sequential vs concurrent GETs against an akwbs server",
	Args:  cobra.ExactArgs(2),
	RunE:  runBenchmark,
}

func init() {
	rootCmd.Flags().IntVar(&requestCount, "requests", 20, "total GET requests to issue in each phase")
	rootCmd.Flags().UintVar(&concurrency, "concurrency", 4, "concurrent workers for the parallel phase")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runBenchmark(cmd *cobra.Command, args []string) error {
	addr, path := args[0], args[1]

	fmt.Printf("Benchmarking GET %s against %s\n", path, addr)
	fmt.Printf("Configuration: requests=%d, concurrency=%d\n\n", requestCount, concurrency)

	fmt.Println("Running sequential phase...")
	seqDuration, seqHash, err := runSequential(addr, path)
	if err != nil {
		return fmt.Errorf("sequential phase failed: %w", err)
	}
	fmt.Printf("done: %d requests in %v (%.1f req/s)\n\n",
		requestCount, seqDuration, float64(requestCount)/seqDuration.Seconds())

	fmt.Println("Running concurrent phase...")
	concDuration, concHash, err := runConcurrent(addr, path)
	if err != nil {
		return fmt.Errorf("concurrent phase failed: %w", err)
	}
	fmt.Printf("done: %d requests in %v (%.1f req/s)\n\n",
		requestCount, concDuration, float64(requestCount)/concDuration.Seconds())

	if seqHash != concHash {
		return fmt.Errorf("response bodies differ between phases: sequential=%x concurrent=%x", seqHash, concHash)
	}
	fmt.Println("response bodies match across both phases")

	fmt.Println(strings.Repeat("=", 60))
	speedup := float64(seqDuration) / float64(concDuration)
	fmt.Printf("concurrent phase was %.2fx the throughput of sequential\n", speedup)
	fmt.Printf("sequential: %v\nconcurrent: %v\n", seqDuration, concDuration)

	return nil
}

// runSequential issues requestCount GETs one at a time, each over its
// own connection, returning the total wall time and a
// hash of the last response body fetched.
func runSequential(addr, path string) (time.Duration, [32]byte, error) {
	start := time.Now()
	var lastHash [32]byte
	for i := 0; i < requestCount; i++ {
		body, err := fetchOnce(addr, path)
		if err != nil {
			return 0, [32]byte{}, err
		}
		lastHash = sha256.Sum256(body)
	}
	return time.Since(start), lastHash, nil
}

// runConcurrent issues requestCount GETs spread across concurrency
// workers, each opening its own connection, and returns the total wall
// time and a hash of one representative response body.
func runConcurrent(addr, path string) (time.Duration, [32]byte, error) {
	jobs := make(chan int, requestCount)
	for i := 0; i < requestCount; i++ {
		jobs <- i
	}
	close(jobs)

	var wg sync.WaitGroup
	errs := make(chan error, requestCount)
	hashes := make(chan [32]byte, requestCount)

	start := time.Now()
	for w := uint(0); w < concurrency; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range jobs {
				body, err := fetchOnce(addr, path)
				if err != nil {
					errs <- err
					return
				}
				hashes <- sha256.Sum256(body)
			}
		}()
	}
	wg.Wait()
	close(errs)
	close(hashes)

	if err := <-errs; err != nil {
		return 0, [32]byte{}, err
	}

	var lastHash [32]byte
	for h := range hashes {
		lastHash = h
	}
	return time.Since(start), lastHash, nil
}

// fetchOnce opens a new connection, issues a single HTTP/1.0 GET for
// path, and returns the response body. akwbs closes the connection
// after each response, so every request needs its own dial.
func fetchOnce(addr, path string) ([]byte, error) {
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	if _, err := fmt.Fprintf(conn, "GET %s HTTP/1.0\r\n\r\n", path); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}

	reader := bufio.NewReader(conn)
	status, err := reader.ReadString('\n')
	if err != nil {
		return nil, fmt.Errorf("read status line: %w", err)
	}
	if !strings.Contains(status, "200") {
		return nil, fmt.Errorf("unexpected status: %s", strings.TrimSpace(status))
	}
	if _, err := reader.ReadString('\n'); err != nil {
		return nil, fmt.Errorf("read blank line: %w", err)
	}

	var body bytes.Buffer
	if _, err := body.ReadFrom(reader); err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return body.Bytes(), nil
}
