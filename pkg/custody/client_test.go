package custody

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
)

const testEntitySecret = "0x1111111111111111111111111111111111111111111111111111111111111111"

func newTestServer(t *testing.T, handler func(w http.ResponseWriter, r *http.Request)) (*httptest.Server, *rsa.PrivateKey, *atomic.Int32) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate rsa key: %v", err)
	}
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("failed to marshal public key: %v", err)
	}
	pemKey := string(pem.EncodeToMemory(&pem.Block{Type: "RSA PUBLIC KEY", Bytes: der}))

	var keyFetches atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-key" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"code":401,"message":"Malformed authorization."}`))
			return
		}
		if r.URL.Path == "/v1/w3s/config/entity/publicKey" {
			keyFetches.Add(1)
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"data": map[string]string{"publicKey": pemKey}})
			return
		}
		handler(w, r)
	}))
	t.Cleanup(server.Close)
	return server, key, &keyFetches
}

func TestExecuteContractSendsEncryptedSecret(t *testing.T) {
	var got contractExecutionRequest
	server, key, keyFetches := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/w3s/developer/transactions/contractExecution" {
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("failed to decode request: %v", err)
		}
		_, _ = w.Write([]byte(`{"data":{"id":"tx-123","state":"INITIATED"}}`))
	})

	client, err := NewClient(server.URL, "test-key", testEntitySecret, "wallet-1", "")
	if err != nil {
		t.Fatalf("NewClient returned error: %v", err)
	}

	for i := 0; i < 2; i++ {
		tx, err := client.ExecuteContract(context.Background(), ContractExecution{
			ContractAddress:      "0x3600000000000000000000000000000000000000",
			AbiFunctionSignature: "transfer(address,uint256)",
			AbiParameters:        []string{"0x0000000000000000000000000000000000000001", "25000000"},
		})
		if err != nil {
			t.Fatalf("ExecuteContract returned error: %v", err)
		}
		if tx.ID != "tx-123" {
			t.Fatalf("expected tx-123, got %q", tx.ID)
		}
	}

	if keyFetches.Load() != 1 {
		t.Fatalf("expected public key to be fetched once, got %d", keyFetches.Load())
	}
	if got.WalletID != "wallet-1" || got.FeeLevel != "MEDIUM" || got.IdempotencyKey == "" {
		t.Fatalf("unexpected request %+v", got)
	}
	if len(got.AbiParameters) != 2 || got.AbiParameters[1] != "25000000" {
		t.Fatalf("unexpected abi parameters %v", got.AbiParameters)
	}

	ciphertext, err := base64.StdEncoding.DecodeString(got.EntitySecretCiphertext)
	if err != nil {
		t.Fatalf("ciphertext is not base64: %v", err)
	}
	plain, err := rsa.DecryptOAEP(sha256.New(), nil, key, ciphertext, nil)
	if err != nil {
		t.Fatalf("failed to decrypt ciphertext: %v", err)
	}
	if len(plain) != 32 || plain[0] != 0x11 {
		t.Fatalf("unexpected decrypted secret %x", plain)
	}
}

func TestGetTransactionAndStates(t *testing.T) {
	server, _, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/w3s/transactions/tx-9" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"data":{"transaction":{"id":"tx-9","state":"COMPLETE","txHash":"0xabc"}}}`))
	})
	client, err := NewClient(server.URL, "test-key", testEntitySecret, "wallet-1", "HIGH")
	if err != nil {
		t.Fatalf("NewClient returned error: %v", err)
	}

	tx, err := client.GetTransaction(context.Background(), "tx-9")
	if err != nil {
		t.Fatalf("GetTransaction returned error: %v", err)
	}
	if !tx.Final() || tx.Failed() || tx.TxHash != "0xabc" {
		t.Fatalf("unexpected transaction %+v", tx)
	}
	if !IsFailedState("denied") || IsFailedState(StateSent) || IsConfirmedState(StateQueued) {
		t.Fatal("unexpected state classification")
	}
}

func TestWalletTokenBalances(t *testing.T) {
	server, _, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":{"tokenBalances":[{"amount":"12.5","token":{"symbol":"USDC","decimals":6}},{"amount":"3","token":{"symbol":"USYC","decimals":6}}]}}`))
	})
	client, err := NewClient(server.URL, "test-key", testEntitySecret, "wallet-1", "")
	if err != nil {
		t.Fatalf("NewClient returned error: %v", err)
	}

	balances, err := client.WalletTokenBalances(context.Background())
	if err != nil {
		t.Fatalf("WalletTokenBalances returned error: %v", err)
	}
	if len(balances) != 2 || balances[0].Token.Symbol != "USDC" || balances[0].Amount.String() != "12.5" {
		t.Fatalf("unexpected balances %+v", balances)
	}
}

func TestAPIErrorIsReturned(t *testing.T) {
	server, _, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":155201,"message":"Insufficient funds"}`))
	})
	client, err := NewClient(server.URL, "test-key", testEntitySecret, "wallet-1", "")
	if err != nil {
		t.Fatalf("NewClient returned error: %v", err)
	}

	_, err = client.GetTransaction(context.Background(), "tx-1")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusBadRequest || !strings.Contains(apiErr.Error(), "Insufficient funds") {
		t.Fatalf("unexpected api error %+v", apiErr)
	}
}

func TestNewClientRejectsBadSecret(t *testing.T) {
	if _, err := NewClient("http://localhost", "k", "abcd", "w", ""); err == nil {
		t.Fatal("expected error for short entity secret")
	}
	if _, err := NewClient("http://localhost", "k", "zz", "w", ""); err == nil {
		t.Fatal("expected error for non-hex entity secret")
	}
}
