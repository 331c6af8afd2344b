package main

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/danielabrahamx/blink/internal/domain"
	"github.com/danielabrahamx/blink/internal/metering"
	"github.com/danielabrahamx/blink/pkg/gatewayclient"
)

type paymentClient interface {
	Pay(ctx context.Context, path string) (*gatewayclient.PayResult, error)
}

// gatewayPayer adapts the gateway client to the metering engine.
type gatewayPayer struct {
	client paymentClient
}

func (p gatewayPayer) Pay(ctx context.Context, path string) (metering.Payment, error) {
	result, err := p.client.Pay(ctx, path)
	if err != nil {
		return metering.Payment{}, err
	}
	return metering.Payment{
		Transaction: result.Transaction,
		Amount:      result.FormattedAmount,
		Payer:       result.Payer,
		Network:     result.Network,
	}, nil
}

type meteringClient interface {
	paymentClient
	metering.BalanceSource
}

// runPolicy meters policy until it completes or ctx is cancelled, then prints a summary.
func runPolicy(ctx context.Context, out io.Writer, client meteringClient, policy domain.PolicyConfig) error {
	engine := metering.NewEngine(gatewayPayer{client: client}, client, metering.Options{
		Observer: printObserver(out),
	})

	if err := engine.Refresh(ctx); err != nil {
		return err
	}
	fmt.Fprintf(out, "Gateway balance: %s USDC, estimated cost: %s USDC\n",
		domain.FormatAmount(engine.Balance().Confirmed), domain.FormatAmount(policy.EstimatedCost()))

	run, err := engine.Start(context.WithoutCancel(ctx), policy)
	if err != nil {
		return err
	}

	select {
	case <-run.Settled():
	case <-ctx.Done():
		engine.Stop()
		<-run.Settled()
	}

	printSummary(out, run.Snapshot(), engine.Balance())
	return nil
}

func printObserver(out io.Writer) metering.Observer {
	var mu sync.Mutex
	return metering.ObserverFunc(func(ev metering.StatusEvent) {
		mu.Lock()
		defer mu.Unlock()
		fmt.Fprintf(out, "[%s] %s\n", ev.Kind, ev.Message)
	})
}

func printSummary(out io.Writer, snap metering.Snapshot, balance metering.Balance) {
	paid := decimal.Zero
	for _, r := range snap.Receipts {
		if amount, err := decimal.NewFromString(r.Amount); err == nil {
			paid = paid.Add(amount)
		}
	}

	fmt.Fprintf(out, "\n%s coverage: %d/%ds metered", snap.Mode, snap.ElapsedSeconds, snap.DurationSeconds)
	if snap.Abandoned {
		fmt.Fprint(out, " (stopped)")
	}
	fmt.Fprintln(out)
	fmt.Fprintf(out, "Payments: %d settled, %d failed, %s USDC paid\n", len(snap.Receipts), len(snap.Failures), domain.FormatAmount(paid))
	for _, f := range snap.Failures {
		fmt.Fprintf(out, "  second %d: %s\n", f.Sequence, f.Reason)
	}
	fmt.Fprintf(out, "Balance: %s USDC projected, %s USDC confirmed\n",
		domain.FormatAmount(balance.Projected), domain.FormatAmount(balance.Confirmed))
}
