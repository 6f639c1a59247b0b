// Command loadtest гоняет сценарии покупок через HTTP API и печатает сводку латентности.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type loadMode string

const (
	modeInitiate              loadMode = "initiate"
	modeInitiateConfirm       loadMode = "initiate-confirm"
	modeInitiateCancel        loadMode = "initiate-cancel"
	modeInitiateConfirmCancel loadMode = "initiate-confirm-cancel"
)

type config struct {
	baseURL     string
	jwtSecret   string
	total       int
	totalSet    bool
	duration    time.Duration
	concurrency int
	connections int
	timeout     time.Duration
	mode        loadMode
	kind        string
	resourceID  string
	method      string
	customerTag string
	outputPath  string
}

func parseConfig(args []string) (config, error) {
	var cfg config
	var modeValue string

	fs := flag.NewFlagSet("loadtest", flag.ContinueOnError)
	fs.StringVar(&cfg.baseURL, "url", "http://localhost:8080", "HTTP API base URL")
	fs.StringVar(&cfg.jwtSecret, "jwt-secret", os.Getenv("PURCHASES_JWT_SECRET"), "HMAC secret for customer tokens (default: PURCHASES_JWT_SECRET)")
	fs.IntVar(&cfg.total, "total", 400, "total scenarios to execute in count mode; in duration mode only used when explicitly set")
	fs.DurationVar(&cfg.duration, "duration", 0, "optional time-based run duration (e.g. 10m, 15m)")
	fs.IntVar(&cfg.concurrency, "concurrency", 40, "number of concurrent workers")
	fs.IntVar(&cfg.connections, "connections", 20, "max HTTP connections to the API")
	fs.DurationVar(&cfg.timeout, "timeout", 5*time.Second, "per-request timeout")
	fs.StringVar(&modeValue, "mode", string(modeInitiate), "load mode: initiate | initiate-confirm | initiate-cancel | initiate-confirm-cancel")
	fs.StringVar(&cfg.kind, "kind", "order", "purchase kind: order | ticket | membership")
	fs.StringVar(&cfg.resourceID, "resource", "", "ledger resource to buy (size, sector or campaign)")
	fs.StringVar(&cfg.method, "method", "card", "payment method: card | paypal")
	fs.StringVar(&cfg.customerTag, "customer-tag", "load", "customer id prefix")
	fs.StringVar(&cfg.outputPath, "output", "", "optional JSON report output file path")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	fs.Visit(func(f *flag.Flag) {
		if f.Name == "total" {
			cfg.totalSet = true
		}
	})

	mode, err := parseMode(modeValue)
	if err != nil {
		return cfg, err
	}
	cfg.mode = mode
	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")

	switch {
	case cfg.duration < 0:
		return cfg, errors.New("duration must be >= 0")
	case cfg.duration == 0 && cfg.total <= 0:
		return cfg, errors.New("total must be > 0 when duration is not set")
	case cfg.duration > 0 && cfg.totalSet && cfg.total <= 0:
		return cfg, errors.New("total must be > 0 when explicitly set with duration")
	case cfg.concurrency <= 0:
		return cfg, errors.New("concurrency must be > 0")
	case cfg.connections <= 0:
		return cfg, errors.New("connections must be > 0")
	case cfg.timeout <= 0:
		return cfg, errors.New("timeout must be > 0")
	case cfg.baseURL == "":
		return cfg, errors.New("url is required")
	case cfg.jwtSecret == "":
		return cfg, errors.New("jwt-secret is required")
	case strings.TrimSpace(cfg.resourceID) == "":
		return cfg, errors.New("resource is required")
	case strings.TrimSpace(cfg.customerTag) == "":
		return cfg, errors.New("customer-tag is required")
	}

	switch cfg.kind {
	case "order", "ticket", "membership":
	default:
		return cfg, fmt.Errorf("unsupported kind: %s", cfg.kind)
	}
	if cfg.mode == modeInitiateConfirmCancel && cfg.kind != "order" {
		return cfg, errors.New("only orders can be cancelled after payment")
	}

	return cfg, nil
}

func parseMode(value string) (loadMode, error) {
	switch mode := loadMode(strings.TrimSpace(value)); mode {
	case modeInitiate, modeInitiateConfirm, modeInitiateCancel, modeInitiateConfirmCancel:
		return mode, nil
	default:
		return "", fmt.Errorf("unsupported mode: %s", value)
	}
}

func main() {
	cfg, err := parseConfig(os.Args[1:])
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	result := run(cfg)
	printReport(os.Stdout, result, cfg)
	if cfg.outputPath != "" {
		if err := writeJSONReport(cfg.outputPath, result); err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "failed to write report: %v\n", err)
			os.Exit(1)
		}
	}

	if result.FailedScenarios > 0 {
		os.Exit(1)
	}
}

// run выполняет сценарии пулом воркеров и возвращает отчёт.
func run(cfg config) report {
	startedAt := time.Now()
	runID := fmt.Sprintf("%d-%d", startedAt.UnixNano(), os.Getpid())
	col := newCollector()
	client := newAPIClient(cfg, col)

	jobs := make(chan int, cfg.concurrency*2)
	var failures int64
	var wg sync.WaitGroup

	for i := 0; i < cfg.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for id := range jobs {
				if err := runScenario(client, cfg, id, runID); err != nil {
					atomic.AddInt64(&failures, 1)
				}
			}
		}()
	}

	dispatchJobs(jobs, cfg)
	wg.Wait()

	result := col.buildReport(startedAt, time.Since(startedAt))
	if result.FailedScenarios == 0 && failures > 0 {
		result.FailedScenarios = failures
		result.ErrorRate = ratio(result.FailedScenarios, result.TotalScenarios)
	}
	return result
}

func dispatchJobs(jobs chan<- int, cfg config) {
	defer close(jobs)

	if cfg.duration <= 0 {
		for i := 0; i < cfg.total; i++ {
			jobs <- i
		}
		return
	}

	timer := time.NewTimer(cfg.duration)
	defer timer.Stop()

	for i := 0; ; i++ {
		if cfg.totalSet && i >= cfg.total {
			return
		}

		select {
		case <-timer.C:
			return
		case jobs <- i:
		}
	}
}

func runScenario(client *apiClient, cfg config, index int, runID string) (err error) {
	scenarioStart := time.Now()
	status := 200
	defer func() {
		client.col.record(scenarioName, time.Since(scenarioStart), status, err == nil)
	}()
	defer func() {
		var se *statusError
		switch {
		case err == nil:
		case errors.As(err, &se):
			status = se.status
		default:
			status = 0
		}
	}()

	customerID := fmt.Sprintf("%s-%s-%d", cfg.customerTag, runID, index)
	bearer, err := client.token(customerID)
	if err != nil {
		return err
	}

	created, err := client.initiate(bearer, fmt.Sprintf("lt-initiate-%s-%d", runID, index), initiateBody{
		Kind:   cfg.kind,
		Items:  []itemBody{{ResourceID: cfg.resourceID, Qty: 1}},
		Method: cfg.method,
	})
	if err != nil {
		return err
	}

	switch cfg.mode {
	case modeInitiateCancel:
		return client.cancel(bearer, created.PurchaseID)
	case modeInitiateConfirm, modeInitiateConfirmCancel:
		if err := client.confirm(bearer, created.TransactionID); err != nil {
			return err
		}
		if cfg.mode == modeInitiateConfirmCancel {
			return client.cancel(bearer, created.PurchaseID)
		}
	}
	return nil
}
