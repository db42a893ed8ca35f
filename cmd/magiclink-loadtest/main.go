package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"flag"
	"fmt"
	"os"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrEthical07/magiclink"
	"github.com/MrEthical07/magiclink/internal/stores"
	otelexport "github.com/MrEthical07/magiclink/metrics/export/otel"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func main() {
	var (
		tokens      = flag.Int("tokens", 20000, "number of tokens to issue")
		contenders  = flag.Int("contenders", 4, "concurrent redemptions per token")
		concurrency = flag.Int("concurrency", 256, "number of concurrent workers")
		redisAddr   = flag.String("redis-addr", "", "redis address; if empty, REDIS_ADDR env or miniredis is used")
		prefix      = flag.String("prefix", "mlt-load", "token key prefix")
	)
	flag.Parse()

	if *tokens <= 0 || *contenders <= 0 || *concurrency <= 0 {
		fmt.Fprintln(os.Stderr, "tokens, contenders, and concurrency must be > 0")
		os.Exit(2)
	}

	ctx := context.Background()

	addr := *redisAddr
	if addr == "" {
		addr = os.Getenv("REDIS_ADDR")
	}

	var (
		cleanup func()
		client  redis.UniversalClient
	)
	if addr == "" {
		mr, err := miniredis.Run()
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to start miniredis: %v\n", err)
			os.Exit(1)
		}
		addr = mr.Addr()
		client = redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs: []string{addr},
		})
		cleanup = func() {
			_ = client.Close()
			mr.Close()
		}
		fmt.Printf("using miniredis at %s\n", addr)
	} else {
		client = redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs: []string{addr},
		})
		cleanup = func() { _ = client.Close() }
		fmt.Printf("using redis at %s\n", addr)
	}
	defer cleanup()

	engine, err := buildEngine(client, *prefix)
	if err != nil {
		fmt.Fprintf(os.Stderr, "engine build failed: %v\n", err)
		os.Exit(1)
	}
	defer engine.Close()

	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer func() { _ = provider.Shutdown(ctx) }()
	exporter, err := otelexport.NewOTelExporter(provider.Meter("magiclink-loadtest"), engine)
	if err != nil {
		fmt.Fprintf(os.Stderr, "otel exporter failed: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = exporter.Close() }()

	fmt.Printf("issuing %d tokens...\n", *tokens)
	issued, issueStats := runIssuePhase(ctx, engine, *tokens, *concurrency)
	if len(issued) != *tokens {
		fmt.Fprintf(os.Stderr, "issued %d of %d tokens\n", len(issued), *tokens)
		os.Exit(1)
	}

	redeemStats, winners := runRedeemPhase(ctx, engine, issued, *contenders, *concurrency)

	fmt.Println("---- results ----")
	printStats("issue", issueStats)
	printStats("redeem", redeemStats)
	fmt.Printf("single-use: tokens=%d winners=%d\n", len(issued), winners)

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err == nil {
		printCollected(rm)
	}

	if winners != int64(len(issued)) {
		fmt.Fprintln(os.Stderr, "FAIL: a token was redeemed more or less than once")
		os.Exit(1)
	}
}

type issuedToken struct {
	email string
	token string
}

func buildEngine(client redis.UniversalClient, prefix string) (*magiclink.Engine, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	cfg := magiclink.DefaultConfig()
	cfg.Token.RedisPrefix = prefix
	cfg.RateLimit.Enabled = false
	cfg.Session.PrivateKey = priv
	cfg.Session.PublicKey = pub

	return magiclink.New().
		WithConfig(cfg).
		WithRedis(client).
		WithTokenStore(stores.NewRedisTokenStore(client, prefix)).
		WithUserStore(noUsers{}).
		WithMetricsEnabled(true).
		WithLatencyHistograms(true).
		Build()
}

func runIssuePhase(ctx context.Context, engine *magiclink.Engine, n, concurrency int) ([]issuedToken, phaseStats) {
	var (
		wg        sync.WaitGroup
		cursor    int64
		failures  int64
		latencies = make([]time.Duration, 0, n)
		out       = make([]issuedToken, n)
		ok        = make([]bool, n)
		mu        sync.Mutex
	)

	start := time.Now()
	for w := 0; w < concurrency; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				i := int(atomic.AddInt64(&cursor, 1)) - 1
				if i >= n {
					return
				}
				email := "load-" + strconv.Itoa(i) + "@example.com"
				t0 := time.Now()
				res, err := engine.IssueToken(ctx, email, magiclink.PurposeRegistration)
				d := time.Since(t0)
				if err != nil {
					atomic.AddInt64(&failures, 1)
				} else {
					out[i] = issuedToken{email: email, token: res.Token}
					ok[i] = true
				}
				mu.Lock()
				latencies = append(latencies, d)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	total := time.Since(start)

	issued := out[:0]
	for i := range out {
		if ok[i] {
			issued = append(issued, out[i])
		}
	}
	return issued, computeStats(total, latencies, failures)
}

// runRedeemPhase fires contenders concurrent redemptions at every token.
// Exactly one per token may win.
func runRedeemPhase(ctx context.Context, engine *magiclink.Engine, issued []issuedToken, contenders, concurrency int) (phaseStats, int64) {
	ops := len(issued) * contenders
	var (
		wg        sync.WaitGroup
		cursor    int64
		failures  int64
		winners   int64
		latencies = make([]time.Duration, 0, ops)
		mu        sync.Mutex
	)

	start := time.Now()
	for w := 0; w < concurrency; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				i := int(atomic.AddInt64(&cursor, 1)) - 1
				if i >= ops {
					return
				}
				tok := issued[i/contenders]
				t0 := time.Now()
				_, err := engine.Redeem(ctx, tok.token, tok.email)
				d := time.Since(t0)
				switch {
				case err == nil:
					atomic.AddInt64(&winners, 1)
				case errors.Is(err, magiclink.ErrRedemptionFailed):
				default:
					atomic.AddInt64(&failures, 1)
				}
				mu.Lock()
				latencies = append(latencies, d)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	total := time.Since(start)
	return computeStats(total, latencies, failures), winners
}

type phaseStats struct {
	total    time.Duration
	ops      int
	failures int64
	p50      time.Duration
	p95      time.Duration
	p99      time.Duration
	opsPerS  float64
}

func computeStats(total time.Duration, samples []time.Duration, failures int64) phaseStats {
	if len(samples) == 0 {
		return phaseStats{total: total}
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	return phaseStats{
		total:    total,
		ops:      len(samples),
		failures: failures,
		p50:      percentile(samples, 50),
		p95:      percentile(samples, 95),
		p99:      percentile(samples, 99),
		opsPerS:  float64(len(samples)) / total.Seconds(),
	}
}

func percentile(samples []time.Duration, p int) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	if p <= 0 {
		return samples[0]
	}
	if p >= 100 {
		return samples[len(samples)-1]
	}
	idx := (len(samples) - 1) * p / 100
	return samples[idx]
}

func printStats(name string, s phaseStats) {
	fmt.Printf("%s: ops=%d failures=%d total=%s ops/sec=%.0f p50=%s p95=%s p99=%s\n",
		name,
		s.ops,
		s.failures,
		s.total.Round(time.Millisecond),
		s.opsPerS,
		s.p50.Round(time.Microsecond),
		s.p95.Round(time.Microsecond),
		s.p99.Round(time.Microsecond),
	)
}

func printCollected(rm metricdata.ResourceMetrics) {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			for _, dp := range sum.DataPoints {
				if dp.Value == 0 {
					continue
				}
				labels := ""
				for _, kv := range dp.Attributes.ToSlice() {
					labels += fmt.Sprintf("{%s=%s}", kv.Key, kv.Value.Emit())
				}
				fmt.Printf("  %s%s %d\n", m.Name, labels, dp.Value)
			}
		}
	}
}

type noUsers struct{}

func (noUsers) GetUserByEmail(context.Context, string) (magiclink.UserRecord, error) {
	return magiclink.UserRecord{}, magiclink.ErrUserNotFound
}

func (noUsers) CreateUser(context.Context, magiclink.NewUser) (magiclink.UserRecord, error) {
	return magiclink.UserRecord{}, magiclink.ErrInternal
}

func (noUsers) TouchLastLogin(context.Context, string, time.Time) error { return nil }
