// Command save-sim гоняет несколько редакторов по одним и тем же котировкам
// и выводит сводку по исходам сохранений и разрешению конфликтов.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"math"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/vladislavdragonenkov/quotesave/internal/client/grpcsink"
	"github.com/vladislavdragonenkov/quotesave/internal/client/httpsaver"
	"github.com/vladislavdragonenkov/quotesave/internal/domain"
	"github.com/vladislavdragonenkov/quotesave/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/quotesave/internal/pricing"
	"github.com/vladislavdragonenkov/quotesave/internal/savestate"
	"github.com/vladislavdragonenkov/quotesave/internal/transport/grpcapi"
)

const strategyMixed = "mixed"

type config struct {
	baseURL      string
	grpcAddr     string
	kafkaBrokers []string
	quotes       int
	editors      int
	rounds       int
	strategy     string
	timeout      time.Duration
	outputPath   string
}

type latencySummary struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
	Avg float64 `json:"avg"`
	P50 float64 `json:"p50"`
	P95 float64 `json:"p95"`
	P99 float64 `json:"p99"`
}

type stepReport struct {
	Calls     int64            `json:"calls"`
	Outcomes  map[string]int64 `json:"outcomes"`
	LatencyMs latencySummary   `json:"latency_ms"`
}

type report struct {
	StartedAt       time.Time             `json:"started_at"`
	DurationSeconds float64               `json:"duration_seconds"`
	Quotes          int                   `json:"quotes"`
	Editors         int                   `json:"editors"`
	Strategy        string                `json:"strategy"`
	ConflictRate    float64               `json:"conflict_rate"`
	ErrorRate       float64               `json:"error_rate"`
	Steps           map[string]stepReport `json:"steps"`
}

type stepStats struct {
	calls     int64
	outcomes  map[string]int64
	latencies []float64
}

type collector struct {
	mu    sync.Mutex
	steps map[string]*stepStats
}

func newCollector() *collector {
	return &collector{steps: make(map[string]*stepStats)}
}

func (c *collector) record(step string, latency time.Duration, outcome string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats, ok := c.steps[step]
	if !ok {
		stats = &stepStats{outcomes: make(map[string]int64)}
		c.steps[step] = stats
	}
	stats.calls++
	stats.outcomes[outcome]++
	stats.latencies = append(stats.latencies, float64(latency.Microseconds())/1000.0)
}

func (c *collector) buildReport(cfg config, startedAt time.Time, duration time.Duration) report {
	c.mu.Lock()
	defer c.mu.Unlock()

	result := report{
		StartedAt:       startedAt.UTC(),
		DurationSeconds: duration.Seconds(),
		Quotes:          cfg.quotes,
		Editors:         cfg.editors,
		Strategy:        cfg.strategy,
		Steps:           make(map[string]stepReport, len(c.steps)),
	}

	var total, conflicts, failures int64
	for name, stats := range c.steps {
		outcomes := make(map[string]int64, len(stats.outcomes))
		for outcome, count := range stats.outcomes {
			outcomes[outcome] = count
		}
		result.Steps[name] = stepReport{
			Calls:     stats.calls,
			Outcomes:  outcomes,
			LatencyMs: buildLatencySummary(stats.latencies),
		}
		if name == "create" {
			continue
		}
		total += stats.calls
		conflicts += outcomes[string(savestate.KindConflict)]
		failures += outcomes[string(savestate.KindError)]
	}
	result.ConflictRate = ratio(conflicts, total)
	result.ErrorRate = ratio(failures, total)
	return result
}

func parseConfig(fs *flag.FlagSet, args []string, getenv func(string) string) (config, error) {
	var (
		cfg        config
		brokersRaw string
	)

	fs.StringVar(&cfg.baseURL, "base-url", "http://localhost:8080", "quote-service HTTP address")
	fs.StringVar(&cfg.grpcAddr, "grpc-addr", "", "report save events over gRPC to this address")
	fs.StringVar(&brokersRaw, "kafka-brokers", "", "report save events to Kafka (fallback: KAFKA_BROKERS)")
	fs.IntVar(&cfg.quotes, "quotes", 5, "number of quotes to create")
	fs.IntVar(&cfg.editors, "editors", 2, "concurrent editors per quote")
	fs.IntVar(&cfg.rounds, "rounds", 10, "save rounds per editor")
	fs.StringVar(&cfg.strategy, "strategy", strategyMixed, "conflict strategy: keepMine | takeServer | manual | mixed")
	fs.DurationVar(&cfg.timeout, "timeout", 5*time.Second, "per-request timeout")
	fs.StringVar(&cfg.outputPath, "output", "", "optional JSON report output file path")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	if strings.TrimSpace(brokersRaw) == "" {
		brokersRaw = getenv("KAFKA_BROKERS")
	}
	cfg.kafkaBrokers = kafka.ParseBrokers(brokersRaw)

	switch {
	case strings.TrimSpace(cfg.baseURL) == "":
		return cfg, errors.New("base-url is required")
	case cfg.quotes <= 0:
		return cfg, errors.New("quotes must be > 0")
	case cfg.editors < 2:
		return cfg, errors.New("editors must be >= 2 to produce conflicts")
	case cfg.rounds <= 0:
		return cfg, errors.New("rounds must be > 0")
	case cfg.timeout <= 0:
		return cfg, errors.New("timeout must be > 0")
	case cfg.grpcAddr != "" && len(cfg.kafkaBrokers) > 0:
		return cfg, errors.New("choose either grpc-addr or kafka-brokers")
	}
	switch cfg.strategy {
	case strategyMixed, string(domain.ConflictKeepMine), string(domain.ConflictTakeServer), string(domain.ConflictManual):
	default:
		return cfg, fmt.Errorf("unsupported strategy: %s", cfg.strategy)
	}
	return cfg, nil
}

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	cfg, err := parseConfig(flag.CommandLine, os.Args[1:], os.Getenv)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sink, closeSink, err := newSink(ctx, cfg)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "save event sink: %v\n", err)
		os.Exit(1)
	}

	saver := httpsaver.New(cfg.baseURL, httpsaver.WithLogger(log.WithField("component", "save-sim")))
	result, err := simulate(ctx, cfg, saver, sink)
	closeSink()
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "simulation failed: %v\n", err)
		os.Exit(1)
	}

	printReport(os.Stdout, result)
	if cfg.outputPath != "" {
		if err := writeJSONReport(cfg.outputPath, result); err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "failed to write report: %v\n", err)
			os.Exit(1)
		}
	}
}

// newSink выбирает канал доставки событий мониторинга: gRPC, Kafka или никуда.
func newSink(ctx context.Context, cfg config) (savestate.Sink, func(), error) {
	logger := log.WithField("component", "save-sim")

	switch {
	case cfg.grpcAddr != "":
		conn, err := grpc.NewClient(cfg.grpcAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return nil, nil, err
		}
		sink := grpcsink.New(grpcapi.NewSaveMonitoringClient(conn), grpcsink.WithLogger(logger))
		sinkCtx, cancel := context.WithCancel(ctx)
		done := make(chan struct{})
		go func() {
			defer close(done)
			_ = sink.Run(sinkCtx)
		}()
		return sink, func() {
			cancel()
			<-done
			sent, failed, dropped := sink.Counters()
			logger.WithFields(log.Fields{"sent": sent, "failed": failed, "dropped": dropped}).Info("grpc sink closed")
			_ = conn.Close()
		}, nil
	case len(cfg.kafkaBrokers) > 0:
		sink, err := kafka.NewSaveEventSink(cfg.kafkaBrokers, "quotes-save-sim")
		if err != nil {
			return nil, nil, err
		}
		return sink, func() {
			_ = sink.Close()
			logger.WithFields(log.Fields{"failed": sink.Failed(), "dropped": sink.Dropped()}).Info("kafka sink closed")
		}, nil
	default:
		return savestate.NopSink{}, func() {}, nil
	}
}

// quoteCreator — часть httpsaver.Client, нужная для заведения котировок.
type quoteCreator interface {
	savestate.Saver
	Create(ctx context.Context, req httpsaver.CreateRequest) (domain.QuoteDraft, error)
}

func simulate(ctx context.Context, cfg config, client quoteCreator, sink savestate.Sink) (report, error) {
	startedAt := time.Now()
	col := newCollector()

	drafts := make([]domain.QuoteDraft, 0, cfg.quotes)
	for i := 0; i < cfg.quotes; i++ {
		content := baseContent(i)
		start := time.Now()
		reqCtx, cancel := context.WithTimeout(ctx, cfg.timeout)
		draft, err := client.Create(reqCtx, httpsaver.CreateRequest{
			AgentID:     "sim-agent",
			ClientID:    fmt.Sprintf("sim-client-%d", i),
			Content:     content,
			PricingHash: pricing.ComputeHash(content),
		})
		cancel()
		if err != nil {
			col.record("create", time.Since(start), "failed")
			return report{}, fmt.Errorf("create quote %d: %w", i, err)
		}
		col.record("create", time.Since(start), "ok")
		drafts = append(drafts, draft)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, draft := range drafts {
		for e := 0; e < cfg.editors; e++ {
			ed := editor{
				name:     fmt.Sprintf("editor-%d", e),
				cfg:      cfg,
				col:      col,
				strategy: strategyFor(cfg.strategy, e),
				coord: savestate.NewCoordinator(draft, client,
					savestate.WithSink(sink),
					savestate.WithLogger(log.WithFields(log.Fields{"component": "save-sim", "quote_id": draft.QuoteID})),
				),
			}
			g.Go(func() error { return ed.run(gctx) })
		}
	}
	if err := g.Wait(); err != nil {
		return report{}, err
	}

	return col.buildReport(cfg, startedAt, time.Since(startedAt)), nil
}

func strategyFor(strategy string, editorIndex int) domain.ConflictChoice {
	if strategy != strategyMixed {
		return domain.ConflictChoice(strategy)
	}
	choices := []domain.ConflictChoice{domain.ConflictKeepMine, domain.ConflictTakeServer, domain.ConflictManual}
	return choices[editorIndex%len(choices)]
}

type editor struct {
	name     string
	cfg      config
	col      *collector
	strategy domain.ConflictChoice
	coord    *savestate.Coordinator
}

func (e editor) run(ctx context.Context) error {
	for round := 0; round < e.cfg.rounds; round++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		content := e.coord.Draft().Content.Clone()
		content.Notes = fmt.Sprintf("%s round %d", e.name, round)
		e.coord.Edit(content)

		state, err := e.step(ctx, "save", e.coord.Save)
		if err != nil {
			return err
		}
		if state.Kind == savestate.KindConflict {
			state, err = e.resolve(ctx, state.Conflict)
			if err != nil {
				return err
			}
		}
		if state.Kind == savestate.KindError && state.ErrKind.Retryable() {
			state, err = e.step(ctx, "retry", e.coord.Retry)
			if err != nil {
				return err
			}
		}
		if state.Kind == savestate.KindConflict || state.Kind == savestate.KindError {
			if _, err := e.coord.Acknowledge(); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e editor) resolve(ctx context.Context, conflict *domain.Conflict) (savestate.State, error) {
	var merged *domain.QuoteContent
	if e.strategy == domain.ConflictManual {
		content := conflict.ServerContent.Clone()
		content.Notes = strings.TrimSpace(conflict.ServerContent.Notes + " | " + conflict.ClientContent.Notes)
		merged = &content
	}
	return e.step(ctx, "resolve:"+string(e.strategy), func(ctx context.Context) (savestate.State, error) {
		return e.coord.ResolveConflict(ctx, e.strategy, merged)
	})
}

func (e editor) step(ctx context.Context, name string, fn func(context.Context) (savestate.State, error)) (savestate.State, error) {
	reqCtx, cancel := context.WithTimeout(ctx, e.cfg.timeout)
	defer cancel()

	start := time.Now()
	state, err := fn(reqCtx)
	if err != nil {
		return state, fmt.Errorf("%s %s: %w", e.name, name, err)
	}
	e.col.record(name, time.Since(start), string(state.Kind))
	return state, nil
}

func baseContent(i int) domain.QuoteContent {
	nights := int32(2 + i%5)
	unit := 95.0 + float64(i%4)*10
	subtotal := float64(nights) * unit
	taxes := math.Round(subtotal*10) / 100
	return domain.QuoteContent{
		Currency:  "EUR",
		Travelers: 2,
		Items: []domain.LineItem{
			{ID: fmt.Sprintf("htl-%d", i), Kind: domain.LineItemHotel, Title: "Simulated stay", Quantity: nights, UnitPrice: unit},
		},
		Subtotal: subtotal,
		Taxes:    taxes,
		Total:    subtotal + taxes,
	}
}

func writeJSONReport(path string, result report) error {
	cleanPath := filepath.Clean(path)
	if cleanPath == "." || cleanPath == string(filepath.Separator) {
		return errors.New("output path must point to a file")
	}
	if cleanPath == ".." || strings.HasPrefix(cleanPath, ".."+string(filepath.Separator)) {
		return fmt.Errorf("output path must be inside current directory: %s", path)
	}

	// #nosec G304 -- path is an explicit CLI output parameter for local simulation reports.
	file, err := os.Create(cleanPath)
	if err != nil {
		return err
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	return encoder.Encode(result)
}

func printReport(w io.Writer, result report) {
	fmt.Fprintln(w, "Save simulation summary")
	fmt.Fprintf(w, "quotes=%d editors=%d strategy=%s duration=%.2fs conflict_rate=%.4f error_rate=%.4f\n",
		result.Quotes,
		result.Editors,
		result.Strategy,
		result.DurationSeconds,
		result.ConflictRate,
		result.ErrorRate,
	)

	names := make([]string, 0, len(result.Steps))
	for name := range result.Steps {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		stats := result.Steps[name]
		outcomes := make([]string, 0, len(stats.Outcomes))
		for outcome, count := range stats.Outcomes {
			outcomes = append(outcomes, fmt.Sprintf("%s=%d", outcome, count))
		}
		sort.Strings(outcomes)
		fmt.Fprintf(w, "%s: calls=%d %s p95=%.2fms\n", name, stats.Calls, strings.Join(outcomes, " "), stats.LatencyMs.P95)
	}
}

func buildLatencySummary(values []float64) latencySummary {
	if len(values) == 0 {
		return latencySummary{}
	}

	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	var sum float64
	for _, value := range sorted {
		sum += value
	}

	return latencySummary{
		Min: sorted[0],
		Max: sorted[len(sorted)-1],
		Avg: sum / float64(len(sorted)),
		P50: percentile(sorted, 50),
		P95: percentile(sorted, 95),
		P99: percentile(sorted, 99),
	}
}

func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if len(sorted) == 1 {
		return sorted[0]
	}

	rank := (p / 100.0) * float64(len(sorted)-1)
	lower := int(math.Floor(rank))
	upper := int(math.Ceil(rank))
	if lower == upper {
		return sorted[lower]
	}

	weight := rank - float64(lower)
	return sorted[lower] + (sorted[upper]-sorted[lower])*weight
}

func ratio(part, total int64) float64 {
	if total <= 0 {
		return 0
	}
	return float64(part) / float64(total)
}
