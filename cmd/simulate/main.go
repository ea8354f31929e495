package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"memorial-orders/internal/clock"
	"memorial-orders/internal/domain"
	"memorial-orders/internal/infrastructure/payment"
	"memorial-orders/internal/infrastructure/release"
	"memorial-orders/internal/logging"
	"memorial-orders/internal/repo"
	"memorial-orders/internal/service"
	"memorial-orders/internal/worker"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type options struct {
	orders      int
	grace       time.Duration
	concurrency int
	seed        uint64
	logLevel    string
}

func main() {
	opts := options{}
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Race simulated payment callbacks against the reconciler on an in-memory store",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), opts)
		},
	}
	cmd.Flags().IntVarP(&opts.orders, "orders", "n", 20, "orders to place")
	cmd.Flags().DurationVar(&opts.grace, "grace", 30*time.Minute, "payment window")
	cmd.Flags().IntVar(&opts.concurrency, "concurrency", 4, "reconciler worker pool size")
	cmd.Flags().Uint64Var(&opts.seed, "seed", uint64(time.Now().UnixNano()), "payment outcome seed")
	cmd.Flags().StringVar(&opts.logLevel, "log-level", "warn", "log level")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type event struct {
	at      time.Duration
	attempt payment.Attempt
}

func run(ctx context.Context, opts options) error {
	log, err := logging.New(opts.logLevel)
	if err != nil {
		return err
	}
	defer log.Sync()

	start := time.Now().UTC().Truncate(time.Second)
	clk := clock.NewFake(start)
	orders := repo.NewMemoryOrderRepo()
	releases := repo.NewMemoryReleaseRepo()
	gateway := payment.NewMockGateway(opts.seed)
	svc := service.NewOrderService(orders, clk, opts.grace, log)

	var released atomic.Int64
	hook := release.Multi{
		release.NewLogHook(log),
		release.HookFunc(func(ctx context.Context, id uuid.UUID) error {
			released.Add(1)
			return nil
		}),
	}
	engine := worker.NewReconciliationEngine(orders, hook, releases, worker.EngineConfig{
		BatchLimit:  opts.orders,
		Concurrency: opts.concurrency,
	}, log)

	fmt.Printf("--- STARTING SIMULATION (%d ORDERS, seed %d) ---\n", opts.orders, opts.seed)

	var events []event
	outcomes := map[payment.Outcome]int{}
	for i := 0; i < opts.orders; i++ {
		o, err := svc.CreateOrder(ctx, service.CreateOrderInput{
			UserID:      uuid.New(),
			MemorialID:  uuid.New(),
			Service:     domain.ServicePremium,
			AmountCents: 4900,
		})
		if err != nil {
			return fmt.Errorf("create order: %w", err)
		}
		a := gateway.Charge(ctx, o.ID, opts.grace)
		outcomes[a.Outcome]++
		if a.Callback() {
			events = append(events, event{at: a.After, attempt: a})
		}
	}
	sort.Slice(events, func(i, j int) bool { return events[i].at < events[j].at })

	var early, late []event
	for _, e := range events {
		if e.at < opts.grace {
			early = append(early, e)
		} else {
			late = append(late, e)
		}
	}

	// In-window callbacks arrive in order.
	for _, e := range early {
		clk.Set(start.Add(e.at))
		if _, err := svc.CompletePayment(ctx, e.attempt.OrderID); err != nil {
			log.Warn("in-window payment rejected", zap.Error(err))
		}
	}

	// The reconciler's tick and the late callbacks land together.
	clk.Set(start.Add(opts.grace + time.Minute))
	var (
		wg          sync.WaitGroup
		summary     worker.Summary
		runErr      error
		lateExpired atomic.Int64
		lateLost    atomic.Int64
		latePaid    atomic.Int64
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		summary, runErr = engine.RunOnce(ctx, clk.Now())
	}()
	for _, e := range late {
		wg.Add(1)
		go func(e event) {
			defer wg.Done()
			_, err := svc.CompletePayment(ctx, e.attempt.OrderID)
			switch {
			case err == nil:
				latePaid.Add(1)
			case errors.Is(err, domain.ErrOrderExpired):
				lateExpired.Add(1)
			case errors.Is(err, domain.ErrOrderNotPending):
				lateLost.Add(1)
			default:
				log.Error("late payment failed", zap.Error(err))
			}
		}(e)
	}
	wg.Wait()
	if runErr != nil {
		return runErr
	}

	states := map[domain.OrderState]int{}
	candidates, err := orders.FindExpiredCandidates(ctx, clk.Now(), opts.orders)
	if err != nil {
		return err
	}
	for _, e := range events {
		o, err := orders.FindById(ctx, e.attempt.OrderID)
		if err != nil {
			return err
		}
		states[o.State]++
	}

	fmt.Println("---------------------------------------------------")
	fmt.Printf("provider outcomes: paid=%d declined=%d abandoned=%d late=%d\n",
		outcomes[payment.OutcomePaid], outcomes[payment.OutcomeDeclined],
		outcomes[payment.OutcomeAbandoned], outcomes[payment.OutcomeLate])
	fmt.Printf("reconciler pass:   candidates=%d expired=%d conflicts=%d failed=%d\n",
		summary.Candidates, summary.Expired, summary.Conflicts, summary.Failed)
	fmt.Printf("release hook fired %d times\n", released.Load())
	fmt.Printf("late callbacks:    rejected_after_window=%d lost_to_reconciler=%d accepted=%d\n",
		lateExpired.Load(), lateLost.Load(), latePaid.Load())
	fmt.Printf("orders with a callback by final state: %v\n", states)
	fmt.Printf("pending orders still past their window: %d\n", len(candidates))
	fmt.Println("---------------------------------------------------")

	if latePaid.Load() > 0 {
		return fmt.Errorf("%d payments were accepted after their window closed", latePaid.Load())
	}
	if int64(summary.Expired) != released.Load() {
		return fmt.Errorf("expired %d orders but released %d", summary.Expired, released.Load())
	}
	return nil
}
