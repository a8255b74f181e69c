package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"connectrpc.com/connect"
	"github.com/sethvargo/go-envconfig"
	"golang.org/x/time/rate"

	"github.com/kkkkikiki/activation/internal/jsoncodec"
	"github.com/kkkkikiki/activation/internal/rpc"
)

// PerfConfig is read from PERF_* environment variables
type PerfConfig struct {
	BaseURL     string        `env:"BASE_URL,default=http://localhost:8080"`
	CampaignID  string        `env:"CAMPAIGN_ID,required"`
	Workers     int           `env:"WORKERS,default=50"`
	RPS         int           `env:"RPS,default=700"`
	Duration    time.Duration `env:"DURATION,default=30s"`
	RepeatEvery int           `env:"REPEAT_EVERY,default=10"` // every Nth request replays an earlier user, 0 disables
	Country     string        `env:"COUNTRY,default=BR"`
}

// PerfResult gathers aggregated metrics for the test run.
// LatencySum & P95Latency are in nanoseconds.
type PerfResult struct {
	TotalRequests int64
	SuccessCount  int64
	NoPrizeCount  int64
	RejectedCount int64
	ErrorCount    int64
	LatencySum    int64
	P95Latency    int64
}

const defaultTimeout = 30 * time.Second

func main() {
	var cfg PerfConfig
	if err := envconfig.ProcessWith(context.Background(), &envconfig.Config{
		Target:   &cfg,
		Lookuper: envconfig.PrefixLookuper("PERF_", envconfig.OsLookuper()),
	}); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	// ─── HTTP Client & Transport ─────────────────────────────────
	transport := &http.Transport{
		MaxIdleConns:        cfg.Workers * 4,
		MaxIdleConnsPerHost: cfg.Workers * 4,
		IdleConnTimeout:     90 * time.Second,
	}
	httpClient := &http.Client{
		Transport: transport,
		Timeout:   defaultTimeout,
	}
	activate := connect.NewClient[rpc.ActivateRequest, rpc.ActivateResponse](
		httpClient, cfg.BaseURL+rpc.ActivateProcedure, jsoncodec.Option())

	// ─── Banner ──────────────────────────────────────────────────
	fmt.Println("==========================================")
	fmt.Println("🚀 Activation load client")
	fmt.Println("==========================================")
	fmt.Printf("Campaign    : %s\n", cfg.CampaignID)
	fmt.Printf("RPS         : %d\n", cfg.RPS)
	fmt.Printf("Duration    : %v\n", cfg.Duration)
	fmt.Printf("Repeat every: %d\n", cfg.RepeatEvery)
	fmt.Println("==========================================")

	// ─── Rate limiter & context ─────────────────────────────────
	burst := cfg.RPS / cfg.Workers
	if burst < 1 {
		burst = 1
	}
	limiter := rate.NewLimiter(rate.Limit(cfg.RPS), burst)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Duration)
	defer cancel()

	var result PerfResult
	var wg sync.WaitGroup
	var sequence atomic.Int64
	granted := &sync.Map{} // activation id -> struct{}

	latencyChan := make(chan time.Duration, 4096)
	p95Done := make(chan struct{})
	go func() {
		trackP95(latencyChan, &result)
		close(p95Done)
	}()

	// ─── Workers ────────────────────────────────────────────────
	for i := 0; i < cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				if err := limiter.Wait(ctx); err != nil { // context cancelled → exit
					return
				}
				n := sequence.Add(1)
				doRequest(activate, cfg, nextUser(n, cfg.RepeatEvery), syntheticIP(n), &result, granted, latencyChan)
			}
		}()
	}

	start := time.Now()
	<-ctx.Done()

	// ─── Cleanup ────────────────────────────────────────────────
	wg.Wait()
	close(latencyChan)
	<-p95Done

	totalDur := time.Since(start)

	// ─── Report ─────────────────────────────────────────────────
	fmt.Println("==========================================")
	fmt.Println("📊 Results")
	fmt.Println("==========================================")
	fmt.Printf("Elapsed         : %.2fs\n", totalDur.Seconds())
	fmt.Printf("Requests        : %d\n", result.TotalRequests)
	fmt.Printf("Granted         : %d\n", result.SuccessCount)
	fmt.Printf("No prize        : %d\n", result.NoPrizeCount)
	fmt.Printf("Rejected        : %d\n", result.RejectedCount)
	fmt.Printf("Errors          : %d\n", result.ErrorCount)

	answered := result.SuccessCount + result.NoPrizeCount
	var avgLatency time.Duration
	if answered > 0 {
		avgLatency = time.Duration(result.LatencySum / answered)
	}
	fmt.Printf("Throughput      : %.2f RPS\n", float64(answered)/totalDur.Seconds())
	fmt.Printf("Avg latency     : %v\n", avgLatency)
	fmt.Printf("P95 latency     : %v\n", time.Duration(atomic.LoadInt64(&result.P95Latency)))

	// ─── Data Consistency Check ─────────────────────────────────
	fmt.Println("==========================================")
	fmt.Println("🔍 Consistency check")
	fmt.Println("==========================================")

	var distinct int64
	granted.Range(func(_, _ any) bool {
		distinct++
		return true
	})

	if err := verifyDataConsistency(httpClient, cfg, distinct); err != nil {
		fmt.Printf("❌ consistency check failed: %v\n", err)
		fmt.Println("==========================================")
		os.Exit(1)
	}
	fmt.Println("✅ store matches observed grants")
	fmt.Println("==========================================")
}

// nextUser returns a fresh user id, or an earlier one every repeatEvery requests
func nextUser(n int64, repeatEvery int) string {
	if repeatEvery > 0 && n > 1 && n%int64(repeatEvery) == 0 {
		return fmt.Sprintf("perf-user-%d", n/2)
	}
	return fmt.Sprintf("perf-user-%d", n)
}

// syntheticIP spreads requests over 10.0.0.0/8 so the per-ip limit does not dominate.
// The server honours it only when SERVER_TRUSTED_PROXIES covers this client.
func syntheticIP(n int64) string {
	return fmt.Sprintf("10.%d.%d.%d", (n>>16)&0xff, (n>>8)&0xff, n&0xff)
}

// doRequest performs a single Activate RPC and collects metrics.
func doRequest(client *connect.Client[rpc.ActivateRequest, rpc.ActivateResponse], cfg PerfConfig, user, ip string, result *PerfResult, granted *sync.Map, latencyChan chan<- time.Duration) {
	// Use independent context to avoid cancellation when test ends
	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	req := connect.NewRequest(&rpc.ActivateRequest{
		UserID:     user,
		CampaignID: cfg.CampaignID,
		Profile:    map[string]any{"country": cfg.Country, "orders": 1},
	})
	req.Header().Set("X-Forwarded-For", ip)

	start := time.Now()
	atomic.AddInt64(&result.TotalRequests, 1)

	resp, err := client.CallUnary(ctx, req)
	latency := time.Since(start)

	if err != nil {
		var cerr *connect.Error
		if errors.As(err, &cerr) && (cerr.Code() == connect.CodeFailedPrecondition || cerr.Code() == connect.CodeResourceExhausted) {
			atomic.AddInt64(&result.RejectedCount, 1)
			return
		}
		atomic.AddInt64(&result.ErrorCount, 1)
		return
	}

	if resp.Msg.HasReward {
		granted.Store(resp.Msg.ActivationID, struct{}{})
		atomic.AddInt64(&result.SuccessCount, 1)
	} else {
		atomic.AddInt64(&result.NoPrizeCount, 1)
	}
	atomic.AddInt64(&result.LatencySum, latency.Nanoseconds())
	select {
	case latencyChan <- latency:
	default:
	}
}

// trackP95 maintains a best-effort rolling P95 latency estimation.
func trackP95(latencies <-chan time.Duration, result *PerfResult) {
	const size = 1000
	buf := make([]int64, 0, size)
	next := 0

	for lat := range latencies {
		if len(buf) < size {
			buf = append(buf, lat.Nanoseconds())
		} else {
			buf[next] = lat.Nanoseconds()
			next = (next + 1) % size
		}

		if len(buf)%100 == 0 {
			sorted := slices.Clone(buf)
			slices.Sort(sorted)
			atomic.StoreInt64(&result.P95Latency, sorted[len(sorted)*95/100])
		}
	}
}

// verifyDataConsistency compares the grants the client saw with the store's counters
func verifyDataConsistency(httpClient *http.Client, cfg PerfConfig, observedGrants int64) error {
	client := connect.NewClient[rpc.GetCampaignRequest, rpc.GetCampaignResponse](
		httpClient, cfg.BaseURL+rpc.GetCampaignProcedure, jsoncodec.Option())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	resp, err := client.CallUnary(ctx, connect.NewRequest(&rpc.GetCampaignRequest{CampaignID: cfg.CampaignID}))
	if err != nil {
		return fmt.Errorf("failed to get campaign: %w", err)
	}

	summary := resp.Msg
	var storedGrants int64
	for _, g := range summary.Grants {
		storedGrants += g.Grants
	}

	fmt.Printf("Budget          : %d / %d\n", summary.Campaign.BudgetConsumed, summary.Campaign.BudgetLimit)
	fmt.Printf("Activations     : %d\n", summary.Activations)
	fmt.Printf("Grants (store)  : %d\n", storedGrants)
	fmt.Printf("Grants (client) : %d\n", observedGrants)

	var problems []string
	if storedGrants < observedGrants {
		problems = append(problems, fmt.Sprintf("store has %d grants, client saw %d", storedGrants, observedGrants))
	}
	if summary.Campaign.BudgetConsumed > summary.Campaign.BudgetLimit {
		problems = append(problems, "budget ceiling crossed")
	}
	for _, r := range summary.Rewards {
		if r.StockLimit != nil && r.StockConsumed > *r.StockLimit {
			problems = append(problems, fmt.Sprintf("reward %s over stock: %d > %d", r.ID, r.StockConsumed, *r.StockLimit))
		}
	}
	if len(problems) > 0 {
		return errors.New(strings.Join(problems, "; "))
	}
	return nil
}
