package app

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/danielabrahamx/blink/internal/domain"
	"github.com/danielabrahamx/blink/pkg/custody"
)

// ContractReader reads pool totals and ERC-20 balances from the chain.
type ContractReader interface {
	PoolTotal(ctx context.Context, pool common.Address, method string) (*big.Int, error)
	TokenBalance(ctx context.Context, token, owner common.Address) (*big.Int, error)
}

// WalletBalanceLister lists the custodial wallet's token balances.
type WalletBalanceLister interface {
	WalletTokenBalances(ctx context.Context) ([]custody.TokenBalance, error)
}

// StatusConfig identifies the service for status reports.
type StatusConfig struct {
	SellerAddress string
	Network       string
	Pool          string
	USDC          string
	USYC          string
}

// StatusService serves the reporting endpoints. Contract reads are advisory:
// when they fail the ledger totals are reported instead.
type StatusService struct {
	cfg    StatusConfig
	ledger *Ledger
	reader ContractReader
	wallet WalletBalanceLister
}

// NewStatusService builds a StatusService. reader and wallet may be nil.
func NewStatusService(cfg StatusConfig, ledger *Ledger, reader ContractReader, wallet WalletBalanceLister) *StatusService {
	return &StatusService{cfg: cfg, ledger: ledger, reader: reader, wallet: wallet}
}

// Status reports the service identity and the pool totals.
func (s *StatusService) Status(ctx context.Context) domain.StatusResponse {
	snap := s.ledger.Snapshot()
	resp := domain.StatusResponse{
		Service:             "active",
		SellerAddress:       s.cfg.SellerAddress,
		Network:             s.cfg.Network,
		ContractUsdcPool:    domain.FormatAmount(snap.TotalPremiumsCollected),
		ContractUsycReserve: domain.FormatAmount(snap.TotalReserveDeposited),
	}
	if s.reader == nil || !common.IsHexAddress(s.cfg.Pool) {
		return resp
	}

	pool := common.HexToAddress(s.cfg.Pool)
	var usdcPool, usycReserve *big.Int
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		usdcPool, err = s.reader.PoolTotal(gctx, pool, "usdcPool")
		return err
	})
	g.Go(func() (err error) {
		usycReserve, err = s.reader.PoolTotal(gctx, pool, "usycReserve")
		return err
	})
	if err := g.Wait(); err != nil {
		log.Warn().Err(fmt.Errorf("%w: %v", domain.ErrAdvisoryReadFailure, err)).
			Str("component", "status").Msg("pool read failed; reporting ledger totals")
		return resp
	}

	resp.ContractUsdcPool = domain.FormatBaseUnits(usdcPool)
	resp.ContractUsycReserve = domain.FormatBaseUnits(usycReserve)
	return resp
}

// Balances returns the USDC and USYC balances of address. The seller's own
// wallet is read through custody; every other address is read on-chain.
func (s *StatusService) Balances(ctx context.Context, address string) (*domain.TokenBalances, error) {
	address = strings.TrimSpace(address)
	if !domain.IsAddress(address) {
		return nil, domain.NewValidationError("address", "Invalid address")
	}

	if s.wallet != nil && domain.IsAddress(s.cfg.SellerAddress) && normalizeAddress(address) == normalizeAddress(s.cfg.SellerAddress) {
		return s.walletBalances(ctx)
	}
	if s.reader == nil {
		return nil, fmt.Errorf("%w: no chain reader configured", domain.ErrUpstreamUnavailable)
	}

	owner := common.HexToAddress(address)
	var usdc, usyc *big.Int
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		usdc, err = s.reader.TokenBalance(gctx, common.HexToAddress(s.cfg.USDC), owner)
		return err
	})
	g.Go(func() (err error) {
		usyc, err = s.reader.TokenBalance(gctx, common.HexToAddress(s.cfg.USYC), owner)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("%w: read token balances: %v", domain.ErrUpstreamUnavailable, err)
	}

	return &domain.TokenBalances{
		Usdc: domain.FormatBaseUnits(usdc),
		Usyc: domain.FormatBaseUnits(usyc),
	}, nil
}

func (s *StatusService) walletBalances(ctx context.Context) (*domain.TokenBalances, error) {
	balances, err := s.wallet.WalletTokenBalances(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: custody balances: %v", domain.ErrUpstreamUnavailable, err)
	}

	out := &domain.TokenBalances{Usdc: domain.FormatAmount(decimal.Zero), Usyc: domain.FormatAmount(decimal.Zero)}
	for _, b := range balances {
		switch {
		case tokenMatches(b, s.cfg.USDC, "USDC"):
			out.Usdc = domain.FormatAmount(b.Amount)
		case tokenMatches(b, s.cfg.USYC, "USYC"):
			out.Usyc = domain.FormatAmount(b.Amount)
		}
	}
	return out, nil
}

func tokenMatches(b custody.TokenBalance, address, symbol string) bool {
	if b.Token.TokenAddress != "" && strings.EqualFold(b.Token.TokenAddress, address) {
		return true
	}
	return strings.EqualFold(b.Token.Symbol, symbol)
}
