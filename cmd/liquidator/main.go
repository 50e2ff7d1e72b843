package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"trading-core/internal/config"
	"trading-core/internal/coretypes"
	"trading-core/internal/events"
	"trading-core/internal/exchange"
	"trading-core/internal/orchestrator"
	"trading-core/pkg/exchanges/binance/futures_usdt"
)

// shutdownCancelBudget bounds how long main waits for this run's own
// reduce-only orders to cancel before exiting anyway. Protective stops are
// never touched here — they stay resident on the exchange after shutdown.
const shutdownCancelBudget = 5 * time.Second

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	dryRun := flag.Bool("dry-run", false, "simulate the venue in-memory instead of trading live")
	flag.Usage = func() {
		log.Printf("usage: %s [-dry-run] <config.yaml>", os.Args[0])
	}
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}
	cfgPath := flag.Arg(0)

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
	log.Printf("config loaded: testnet=%v symbols=%v dry_run=%v", cfg.Testnet, cfg.Symbols, *dryRun)

	var (
		rest         exchange.RESTClient
		marketStream exchange.MarketStream
		userStream   exchange.UserStream
		stopExch     interface {
			SubmitStop(coretypes.OrderIntent) (coretypes.OrderResult, error)
			CancelOrder(symbol, orderID, clientOrderID string) error
		}
	)
	if *dryRun {
		sim := exchange.NewDryRun(dryRunSeeds(cfg.Symbols))
		rest, marketStream, userStream, stopExch = sim, sim.AsMarketStream(), sim.AsUserStream(), sim
		log.Println("running in dry-run mode: no orders will reach the venue")
	} else {
		client := futures_usdt.NewClient(futures_usdt.Config{
			APIKey:    cfg.APIKey,
			APISecret: cfg.APISecret,
			Testnet:   cfg.Testnet,
		})
		if err := client.SetPositionSideDual(context.Background(), true); err != nil {
			log.Fatalf("failed to enable hedge mode: %v", err)
		}
		adapter := exchange.NewRESTAdapter(client)
		rest, marketStream, userStream, stopExch = adapter, exchange.NewBinanceMarketStream(cfg.Testnet), exchange.NewBinanceUserStream(cfg.Testnet), adapter
	}

	orch, err := orchestrator.New(cfg, rest, marketStream, userStream, stopExch)
	if err != nil {
		log.Fatalf("orchestrator init failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := orch.Run(ctx); err != nil && ctx.Err() == nil {
			log.Printf("orchestrator exited with error: %v", err)
		}
	}()

	go logEvents(ctx, orch)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	log.Println("shutdown signal received, canceling run-owned orders")
	signal.Stop(sigCh)

	cancelRunOwnedOrders(rest, orch, cfg.Symbols)

	cancel()
	wg.Wait()
	log.Println("shutdown complete")
}

// logEvents subscribes to the orchestrator's fill and risk-tier events and
// prints them to the operator's console, separate from the orchestrator's
// own periodic status line so a fast sequence of fills or panic triggers is
// never swallowed between status ticks.
func logEvents(ctx context.Context, orch *orchestrator.Orchestrator) {
	fills, unsubFills := orch.Subscribe(events.EventOrderFilled, 32)
	defer unsubFills()
	tiers, unsubTiers := orch.Subscribe(events.EventRiskTierTriggered, 32)
	defer unsubTiers()
	zeros, unsubZeros := orch.Subscribe(events.EventPositionZero, 8)
	defer unsubZeros()

	for {
		select {
		case <-ctx.Done():
			return
		case e := <-fills:
			p := e.(events.OrderFilledPayload)
			log.Printf("event: %s filled qty=%s price=%s risk=%v", p.Symbol, p.Qty, p.Price, p.IsRisk)
		case e := <-tiers:
			p := e.(events.RiskTierTriggeredPayload)
			log.Printf("event: %s/%s panic tier triggered d=%s", p.Symbol, p.Side, p.DistToLiq)
		case e := <-zeros:
			log.Printf("event: position drained to zero: %v", e)
		}
	}
}

// cancelRunOwnedOrders reconciles open orders per symbol/side and cancels
// only the ones carrying this run's client-order-id prefix, in parallel,
// within a fixed budget. Protective stops always carry the stable
// cross-run prefix and are left resident.
func cancelRunOwnedOrders(rest exchange.RESTClient, orch *orchestrator.Orchestrator, symbols []string) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownCancelBudget)
	defer cancel()

	var wg sync.WaitGroup
	for _, symbol := range symbols {
		views, err := rest.ReconcileOpenOrders(ctx, symbol)
		if err != nil {
			log.Printf("shutdown: reconcile %s failed: %v", symbol, err)
			continue
		}
		for _, v := range views {
			if !orch.OwnsClientOrderID(v.ClientOrderID) {
				continue
			}
			v := v
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := rest.CancelAny(ctx, v.Symbol, v.OrderID); err != nil {
					log.Printf("shutdown: cancel %s/%s failed: %v", v.Symbol, v.OrderID, err)
				}
			}()
		}
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		log.Println("shutdown: cancel budget exceeded, exiting anyway")
	}
}

// dryRunSeeds fabricates a starting long position per configured symbol so
// -dry-run has something to drain immediately without a live account.
func dryRunSeeds(symbols []string) []exchange.DryRunSeed {
	seeds := make([]exchange.DryRunSeed, 0, len(symbols))
	for _, s := range symbols {
		seeds = append(seeds, exchange.DryRunSeed{
			Symbol:           s,
			Side:             coretypes.PositionSideLong,
			PositionAmt:      decimal.NewFromInt(10),
			EntryPrice:       decimal.NewFromInt(100),
			MarkPrice:        decimal.NewFromInt(100),
			LiquidationPrice: decimal.NewFromInt(80),
			TickSize:         decimal.NewFromFloat(0.01),
			StepSize:         decimal.NewFromFloat(0.001),
			MinQty:           decimal.NewFromFloat(0.001),
			MinNotional:      decimal.NewFromInt(5),
			Leverage:         10,
		})
	}
	return seeds
}
