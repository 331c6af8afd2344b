package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/danielabrahamx/blink/internal/config"
	"github.com/danielabrahamx/blink/internal/domain"
	"github.com/danielabrahamx/blink/internal/logging"
	"github.com/danielabrahamx/blink/pkg/chain"
	"github.com/danielabrahamx/blink/pkg/gatewayclient"
)

var (
	runMode     string
	runDuration int
	runCoverage string
)

var rootCmd = &cobra.Command{
	Use:           "policyctl",
	Short:         "Blink policy client",
	Long:          `policyctl starts metered coverage policies and manages the buyer's gateway balance`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a metered policy, paying once per second",
	RunE: func(cmd *cobra.Command, args []string) error {
		mode, err := domain.ParseCoverageMode(runMode)
		if err != nil {
			return err
		}
		coverage, err := decimal.NewFromString(runCoverage)
		if err != nil {
			return fmt.Errorf("invalid coverage amount %q", runCoverage)
		}
		policy := domain.PolicyConfig{Mode: mode, DurationSeconds: runDuration, CoverageAmount: coverage}

		client, err := newGatewayClient(cmd.Context(), false)
		if err != nil {
			return err
		}
		return runPolicy(cmd.Context(), cmd.OutOrStdout(), client, policy)
	},
}

var balanceCmd = &cobra.Command{
	Use:   "balance",
	Short: "Show wallet and gateway USDC balances",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newGatewayClient(cmd.Context(), true)
		if err != nil {
			return err
		}
		balances, err := client.Balances(cmd.Context())
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Buyer:   %s\n", client.Address().Hex())
		fmt.Fprintf(out, "Wallet:  %s USDC\n", domain.FormatAmount(balances.Wallet))
		fmt.Fprintf(out, "Gateway: %s USDC\n", domain.FormatAmount(balances.Gateway))
		return nil
	},
}

var depositCmd = &cobra.Command{
	Use:   "deposit <amount>",
	Short: "Deposit USDC from the buyer wallet into the gateway",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		amount, err := decimal.NewFromString(args[0])
		if err != nil {
			return fmt.Errorf("invalid amount %q", args[0])
		}
		if err := domain.ValidatePositiveAmount("amount", amount); err != nil {
			return err
		}
		client, err := newGatewayClient(cmd.Context(), true)
		if err != nil {
			return err
		}
		result, err := client.Deposit(cmd.Context(), amount)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Deposited %s USDC\n", result.FormattedAmount)
		fmt.Fprintf(out, "  approve: %s\n", result.ApprovalTx.Hex())
		fmt.Fprintf(out, "  deposit: %s\n", result.DepositTx.Hex())
		return nil
	},
}

func init() {
	runCmd.Flags().StringVar(&runMode, "mode", string(domain.ModeActive), "coverage mode (active or idle)")
	runCmd.Flags().IntVar(&runDuration, "duration", 60, "policy duration in seconds")
	runCmd.Flags().StringVar(&runCoverage, "coverage", "0", "coverage amount in USDC")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(balanceCmd)
	rootCmd.AddCommand(depositCmd)
}

func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newGatewayClient loads the client settings and builds the buyer's gateway
// client. An rpc connection is only dialled when needsChain is set.
func newGatewayClient(ctx context.Context, needsChain bool) (*gatewayclient.Client, error) {
	cfg, err := config.LoadClientConfig(".")
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logging.Init(logging.Config{Format: cfg.LogFormat, Level: cfg.LogLevel, Component: "policyctl"})

	if cfg.BuyerPrivateKey == "" {
		return nil, fmt.Errorf("BUYER_PRIVATE_KEY is not set")
	}

	var chainClient *chain.Client
	if needsChain {
		chainClient, err = chain.Dial(ctx, cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("dial rpc: %w", err)
		}
	}

	client, err := gatewayclient.New(cfg.BuyerPrivateKey, chainClient, gatewayclient.Config{
		BackendURL:    cfg.BackendURL,
		GatewayAPIURL: cfg.GatewayAPIURL,
		GatewayWallet: cfg.GatewayWalletAddress,
		USDCAddress:   cfg.USDCAddress,
		Domain:        cfg.GatewayDomain,
		Network:       cfg.Network,
	})
	if err != nil {
		return nil, err
	}
	log.Debug().Str("component", "policyctl").Str("buyer", client.Address().Hex()).Str("backend", cfg.BackendURL).Msg("gateway client ready")
	return client, nil
}
