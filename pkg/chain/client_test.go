package chain

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

type stubBackend struct {
	Backend

	callOut   []byte
	callErr   error
	lastCall  ethereum.CallMsg
	receipts  []*types.Receipt
	sent      *types.Transaction
	chainID   *big.Int
	nonce     uint64
	gasPrice  *big.Int
	gasLimit  uint64
	receiptAt int
}

func (s *stubBackend) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	s.lastCall = msg
	return s.callOut, s.callErr
}

func (s *stubBackend) ChainID(context.Context) (*big.Int, error) { return s.chainID, nil }

func (s *stubBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	return s.nonce, nil
}

func (s *stubBackend) SuggestGasPrice(context.Context) (*big.Int, error) { return s.gasPrice, nil }

func (s *stubBackend) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return s.gasLimit, nil
}

func (s *stubBackend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	s.sent = tx
	return nil
}

func (s *stubBackend) TransactionReceipt(context.Context, common.Hash) (*types.Receipt, error) {
	if s.receiptAt >= len(s.receipts) || s.receipts[s.receiptAt] == nil {
		s.receiptAt++
		return nil, ethereum.NotFound
	}
	r := s.receipts[s.receiptAt]
	s.receiptAt++
	return r, nil
}

func TestPoolTotalDecodesUint256(t *testing.T) {
	out, err := PoolABI.Methods["usdcPool"].Outputs.Pack(big.NewInt(25_000_000))
	if err != nil {
		t.Fatalf("failed to pack fixture: %v", err)
	}
	backend := &stubBackend{callOut: out}
	client := NewClient(backend)

	pool := common.HexToAddress("0xFC1EfCE3D25E7eE5535E7E6D6731D9Ba131bDC43")
	value, err := client.PoolTotal(context.Background(), pool, "usdcPool")
	if err != nil {
		t.Fatalf("PoolTotal returned error: %v", err)
	}
	if value.Int64() != 25_000_000 {
		t.Fatalf("expected 25000000, got %s", value)
	}
	if *backend.lastCall.To != pool {
		t.Fatalf("expected call to pool, got %s", backend.lastCall.To.Hex())
	}
	if len(backend.lastCall.Data) != 4 {
		t.Fatalf("expected bare selector calldata, got %d bytes", len(backend.lastCall.Data))
	}
}

func TestTokenBalancePropagatesRPCError(t *testing.T) {
	backend := &stubBackend{callErr: errors.New("execution reverted")}
	client := NewClient(backend)

	_, err := client.TokenBalance(context.Background(), common.Address{1}, common.Address{2})
	if err == nil {
		t.Fatal("expected error from failing call")
	}
}

func TestTransactSignsForChain(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	backend := &stubBackend{chainID: big.NewInt(5042002), nonce: 7, gasPrice: big.NewInt(1_000_000_000), gasLimit: 60_000}
	client := NewClient(backend)

	data, err := ERC20ABI.Pack("approve", common.Address{9}, big.NewInt(1))
	if err != nil {
		t.Fatalf("failed to pack approve: %v", err)
	}
	hash, err := client.Transact(context.Background(), key, common.Address{3}, data)
	if err != nil {
		t.Fatalf("Transact returned error: %v", err)
	}
	if backend.sent == nil || backend.sent.Hash() != hash {
		t.Fatal("expected the signed transaction to be sent")
	}
	sender, err := types.Sender(types.LatestSignerForChainID(backend.chainID), backend.sent)
	if err != nil {
		t.Fatalf("failed to recover sender: %v", err)
	}
	if sender != crypto.PubkeyToAddress(key.PublicKey) {
		t.Fatalf("expected sender %s, got %s", crypto.PubkeyToAddress(key.PublicKey).Hex(), sender.Hex())
	}
	if backend.sent.Nonce() != 7 || backend.sent.Gas() != 60_000 {
		t.Fatalf("unexpected nonce/gas %d/%d", backend.sent.Nonce(), backend.sent.Gas())
	}
}

func TestWaitMinedPollsUntilReceipt(t *testing.T) {
	backend := &stubBackend{receipts: []*types.Receipt{nil, nil, {Status: types.ReceiptStatusSuccessful}}}
	client := NewClient(backend).WithPollInterval(time.Millisecond)

	receipt, err := client.WaitMined(context.Background(), common.Hash{1})
	if err != nil {
		t.Fatalf("WaitMined returned error: %v", err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		t.Fatalf("unexpected receipt status %d", receipt.Status)
	}
	if backend.receiptAt != 3 {
		t.Fatalf("expected 3 receipt polls, got %d", backend.receiptAt)
	}
}

func TestWaitMinedReportsRevert(t *testing.T) {
	backend := &stubBackend{receipts: []*types.Receipt{{Status: types.ReceiptStatusFailed}}}
	client := NewClient(backend).WithPollInterval(time.Millisecond)

	if _, err := client.WaitMined(context.Background(), common.Hash{1}); !errors.Is(err, ErrTransactionReverted) {
		t.Fatalf("expected ErrTransactionReverted, got %v", err)
	}
}
