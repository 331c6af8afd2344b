package chain

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// ERC20ABIJSON covers the token calls used by the backend and the client.
const ERC20ABIJSON = `
[{"type":"function","name":"balanceOf","stateMutability":"view",
  "inputs":[{"name":"owner","type":"address"}],
  "outputs":[{"name":"","type":"uint256"}]},
 {"type":"function","name":"allowance","stateMutability":"view",
  "inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],
  "outputs":[{"name":"","type":"uint256"}]},
 {"type":"function","name":"approve","stateMutability":"nonpayable",
  "inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],
  "outputs":[{"name":"","type":"bool"}]},
 {"type":"function","name":"transfer","stateMutability":"nonpayable",
  "inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],
  "outputs":[{"name":"","type":"bool"}]}]`

// PoolABIJSON is the subset of the insurance pool contract the backend touches.
const PoolABIJSON = `
[{"type":"function","name":"usdcPool","stateMutability":"view",
  "inputs":[],
  "outputs":[{"name":"","type":"uint256"}]},
 {"type":"function","name":"usycReserve","stateMutability":"view",
  "inputs":[],
  "outputs":[{"name":"","type":"uint256"}]},
 {"type":"function","name":"depositReserve","stateMutability":"nonpayable",
  "inputs":[{"name":"amount","type":"uint256"}],
  "outputs":[]}]`

// GatewayWalletABIJSON is the deposit entry point of the batching gateway wallet.
const GatewayWalletABIJSON = `
[{"type":"function","name":"deposit","stateMutability":"nonpayable",
  "inputs":[{"name":"token","type":"address"},{"name":"value","type":"uint256"}],
  "outputs":[]}]`

// Function signatures in the form custodial contract execution expects.
const (
	ApproveSignature        = "approve(address,uint256)"
	TransferSignature       = "transfer(address,uint256)"
	DepositReserveSignature = "depositReserve(uint256)"
)

var (
	ERC20ABI         = mustParse(ERC20ABIJSON)
	PoolABI          = mustParse(PoolABIJSON)
	GatewayWalletABI = mustParse(GatewayWalletABIJSON)
)

func mustParse(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic("chain: invalid ABI: " + err.Error())
	}
	return parsed
}
