// Command lend-stress hammers one record with concurrent borrows against an
// in-process inventory and checks that the counter never goes negative.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/pflag"

	"github.com/mirkobrombin/go-lend/v1/adapter"
	"github.com/mirkobrombin/go-lend/v1/cache"
	"github.com/mirkobrombin/go-lend/v1/inventory"
	"github.com/mirkobrombin/go-lend/v1/model"
)

var (
	copies   = pflag.Int("copies", 10, "available copies of the seeded record")
	workers  = pflag.Int("workers", 50, "concurrent borrowers")
	rounds   = pflag.Int("rounds", 1, "borrow attempts per worker")
	cacheTTL = pflag.Duration("cache-ttl", cache.DefaultTTL, "sliding cache TTL")
)

const key = "978-0000000000"

type result struct {
	ok, insufficient, failed int64
	final                    int
	elapsed                  time.Duration
}

func main() {
	pflag.Parse()
	res, err := stress(context.Background(), *copies, *workers, *rounds, *cacheTTL)
	if err != nil {
		log.Fatalf("stress: %v", err)
	}
	log.Printf("%d workers x %d rounds in %v", *workers, *rounds, res.elapsed)
	log.Printf("borrowed=%d insufficient=%d failed=%d final=%d", res.ok, res.insufficient, res.failed, res.final)
	printMemStats()

	if want := *copies - int(res.ok); res.final != want || res.final < 0 {
		fmt.Fprintf(os.Stderr, "counter mismatch: final %d, want %d\n", res.final, want)
		os.Exit(1)
	}
}

func stress(ctx context.Context, copies, workers, rounds int, ttl time.Duration) (result, error) {
	svc := inventory.New(adapter.NewInMemoryStore(), cache.NewInMemory[model.Record](), inventory.WithTTL(ttl))
	if err := svc.Add(ctx, model.Record{
		Key:             key,
		Title:           "Stress",
		Author:          "Load Generator",
		PublicationYear: 2000,
		AvailableCopies: copies,
	}); err != nil {
		return result{}, err
	}

	var res result
	var wg sync.WaitGroup
	start := time.Now()
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				_, err := svc.Borrow(ctx, key)
				switch {
				case err == nil:
					atomic.AddInt64(&res.ok, 1)
				case errors.Is(err, inventory.ErrInsufficientCopies):
					atomic.AddInt64(&res.insufficient, 1)
				default:
					atomic.AddInt64(&res.failed, 1)
				}
			}
		}()
	}
	wg.Wait()
	res.elapsed = time.Since(start)

	rec, err := svc.FindByKey(ctx, key)
	if err != nil {
		return res, err
	}
	res.final = rec.AvailableCopies
	return res, nil
}

func printMemStats() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	log.Printf("Alloc = %v MiB\tSys = %v MiB\tNumGC = %v", m.Alloc/1024/1024, m.Sys/1024/1024, m.NumGC)
}
