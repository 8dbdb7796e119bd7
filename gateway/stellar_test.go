package gateway

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stellar/go/clients/horizonclient"
	"github.com/stellar/go/keypair"
	"github.com/stellar/go/network"
	hProtocol "github.com/stellar/go/protocols/horizon"
	"github.com/stellar/go/support/render/problem"
	"github.com/stellar/go/txnbuild"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yourusername/gpay-escrow/money"
)

type MockHorizon struct {
	AccountDetailFunc     func(request horizonclient.AccountRequest) (hProtocol.Account, error)
	SubmitTransactionFunc func(tx *txnbuild.Transaction) (hProtocol.Transaction, error)
	TransactionDetailFunc func(txHash string) (hProtocol.Transaction, error)
}

func (m *MockHorizon) AccountDetail(request horizonclient.AccountRequest) (hProtocol.Account, error) {
	return m.AccountDetailFunc(request)
}

func (m *MockHorizon) SubmitTransaction(tx *txnbuild.Transaction) (hProtocol.Transaction, error) {
	return m.SubmitTransactionFunc(tx)
}

func (m *MockHorizon) TransactionDetail(txHash string) (hProtocol.Transaction, error) {
	return m.TransactionDetailFunc(txHash)
}

func randomKeypair(t *testing.T) *keypair.Full {
	t.Helper()
	kp, err := keypair.Random()
	require.NoError(t, err)
	return kp
}

func accountFound(request horizonclient.AccountRequest) (hProtocol.Account, error) {
	return hProtocol.Account{AccountID: request.AccountID, Sequence: 100}, nil
}

func notFound() error {
	return &horizonclient.Error{
		Response: &http.Response{StatusCode: http.StatusNotFound},
		Problem: problem.P{
			Type:   "https://stellar.org/horizon-errors/not_found",
			Title:  "Resource Missing",
			Status: http.StatusNotFound,
		},
	}
}

func txFailed() error {
	return &horizonclient.Error{
		Response: &http.Response{StatusCode: http.StatusBadRequest},
		Problem:  problem.P{Title: "Transaction Failed", Status: http.StatusBadRequest},
	}
}

func newTestStellar(t *testing.T, h *MockHorizon) *Stellar {
	t.Helper()
	issuer := randomKeypair(t)
	s, err := newStellar(h, StellarConfig{
		NetworkPassphrase: network.TestNetworkPassphrase,
		EscrowSecret:      randomKeypair(t).Seed(),
		Assets: map[string]Asset{
			"USD": {Code: "USDC", Issuer: issuer.Address()},
			"XLM": {Code: "XLM"},
		},
		Envelopes: newMemKeys(),
	})
	require.NoError(t, err)
	return s
}

func usd(amount string) money.Money { return money.MustParse(amount, "USD") }

func TestStellarAuthorizeAndHold(t *testing.T) {
	client := randomKeypair(t).Address()
	s := newTestStellar(t, &MockHorizon{AccountDetailFunc: accountFound})

	hold, err := s.AuthorizeAndHold(context.Background(), usd("400.00"), Metadata{"source_account": client}, "fund-1")
	require.NoError(t, err)
	assert.Len(t, hold.Ref, 64)

	tx, err := parseEnvelope(hold.Envelope)
	require.NoError(t, err)
	assert.Equal(t, client, tx.SourceAccount().AccountID)
	assert.Empty(t, tx.Signatures())
	assert.Equal(t, memoFor("fund-1"), tx.Memo())

	op := tx.Operations()[0].(*txnbuild.Payment)
	assert.Equal(t, s.EscrowAddress(), op.Destination)
	assert.Equal(t, "400.0000000", op.Amount)

	hash, err := tx.HashHex(network.TestNetworkPassphrase)
	require.NoError(t, err)
	assert.Equal(t, hash, hold.Ref)

	_, err = s.AuthorizeAndHold(context.Background(), usd("1.00"), Metadata{}, "fund-2")
	assert.ErrorIs(t, err, ErrDeclined)
	_, err = s.AuthorizeAndHold(context.Background(), money.MustParse("1.00", "EUR"), Metadata{"source_account": client}, "fund-3")
	assert.ErrorIs(t, err, ErrDeclined)
}

func TestStellarCapture(t *testing.T) {
	tests := []struct {
		name    string
		detail  func(string) (hProtocol.Transaction, error)
		want    Status
		wantErr error
	}{
		{
			name:   "Not yet on ledger",
			detail: func(string) (hProtocol.Transaction, error) { return hProtocol.Transaction{}, notFound() },
			want:   StatusPending,
		},
		{
			name:   "Successful",
			detail: func(h string) (hProtocol.Transaction, error) { return hProtocol.Transaction{Hash: h, Successful: true}, nil },
			want:   StatusSucceeded,
		},
		{
			name:   "Failed on ledger",
			detail: func(h string) (hProtocol.Transaction, error) { return hProtocol.Transaction{Hash: h}, nil },
			want:   StatusFailed,
		},
		{
			name:    "Horizon unreachable",
			detail:  func(string) (hProtocol.Transaction, error) { return hProtocol.Transaction{}, errors.New("dial tcp: timeout") },
			wantErr: ErrUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestStellar(t, &MockHorizon{TransactionDetailFunc: tt.detail})
			out, err := s.Capture(context.Background(), "hash", "fund-1")
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, out.Status)
		})
	}
}

func TestStellarTransfer(t *testing.T) {
	destination := randomKeypair(t).Address()

	t.Run("Submits signed payment from escrow", func(t *testing.T) {
		var submitted *txnbuild.Transaction
		s := newTestStellar(t, &MockHorizon{
			AccountDetailFunc: accountFound,
			SubmitTransactionFunc: func(tx *txnbuild.Transaction) (hProtocol.Transaction, error) {
				submitted = tx
				return hProtocol.Transaction{Hash: "transfer-hash"}, nil
			},
		})

		ref, err := s.Transfer(context.Background(), usd("368.10"), destination, nil, "release:p1")
		require.NoError(t, err)
		assert.Equal(t, "transfer-hash", ref)
		require.NotNil(t, submitted)
		assert.Equal(t, s.EscrowAddress(), submitted.SourceAccount().AccountID)
		assert.Len(t, submitted.Signatures(), 1)
		assert.Equal(t, destination, submitted.Operations()[0].(*txnbuild.Payment).Destination)
	})

	t.Run("Horizon rejection is a decline", func(t *testing.T) {
		s := newTestStellar(t, &MockHorizon{
			AccountDetailFunc: accountFound,
			SubmitTransactionFunc: func(*txnbuild.Transaction) (hProtocol.Transaction, error) {
				return hProtocol.Transaction{}, txFailed()
			},
		})
		_, err := s.Transfer(context.Background(), usd("1.00"), destination, nil, "release:p2")
		assert.ErrorIs(t, err, ErrDeclined)
	})

	t.Run("Network failure is retryable", func(t *testing.T) {
		s := newTestStellar(t, &MockHorizon{
			AccountDetailFunc: func(horizonclient.AccountRequest) (hProtocol.Account, error) {
				return hProtocol.Account{}, errors.New("connection reset")
			},
		})
		_, err := s.Transfer(context.Background(), usd("1.00"), destination, nil, "release:p3")
		assert.ErrorIs(t, err, ErrUnavailable)
	})

	t.Run("Cancelled context", func(t *testing.T) {
		s := newTestStellar(t, &MockHorizon{})
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := s.Transfer(ctx, usd("1.00"), destination, nil, "release:p4")
		assert.ErrorIs(t, err, ErrUnavailable)
	})
}

// lostResponse accepts the first submission but fails before Horizon answers,
// and reports every accepted hash as landed afterwards.
type lostResponse struct {
	submits []string
	landed  map[string]bool
}

func (h *lostResponse) horizon(t *testing.T) *MockHorizon {
	return &MockHorizon{
		AccountDetailFunc: func(request horizonclient.AccountRequest) (hProtocol.Account, error) {
			return hProtocol.Account{AccountID: request.AccountID, Sequence: int64(100 + len(h.submits))}, nil
		},
		SubmitTransactionFunc: func(tx *txnbuild.Transaction) (hProtocol.Transaction, error) {
			hash, err := tx.HashHex(network.TestNetworkPassphrase)
			require.NoError(t, err)
			h.submits = append(h.submits, hash)
			if len(h.submits) == 1 {
				h.landed[hash] = true
				return hProtocol.Transaction{}, errors.New("net/http: timeout awaiting response headers")
			}
			return hProtocol.Transaction{Hash: hash}, nil
		},
		TransactionDetailFunc: func(hash string) (hProtocol.Transaction, error) {
			if h.landed[hash] {
				return hProtocol.Transaction{Hash: hash, Successful: true}, nil
			}
			return hProtocol.Transaction{}, notFound()
		},
	}
}

func TestStellarTransferRetryAfterLostResponse(t *testing.T) {
	destination := randomKeypair(t).Address()

	t.Run("Landed transaction is reported, not paid twice", func(t *testing.T) {
		h := &lostResponse{landed: map[string]bool{}}
		g := NewIdempotent(newTestStellar(t, h.horizon(t)), newMemKeys(), time.Hour)

		_, err := g.Transfer(context.Background(), usd("400.00"), destination, nil, "release:p1")
		require.ErrorIs(t, err, ErrUnavailable)

		ref, err := g.Transfer(context.Background(), usd("400.00"), destination, nil, "release:p1")
		require.NoError(t, err)
		require.Len(t, h.submits, 1)
		assert.Equal(t, h.submits[0], ref)
	})

	t.Run("Missing transaction is resubmitted unchanged", func(t *testing.T) {
		h := &lostResponse{landed: map[string]bool{}}
		s := newTestStellar(t, h.horizon(t))

		_, err := s.Transfer(context.Background(), usd("400.00"), destination, nil, "release:p2")
		require.ErrorIs(t, err, ErrUnavailable)
		delete(h.landed, h.submits[0])

		ref, err := s.Transfer(context.Background(), usd("400.00"), destination, nil, "release:p2")
		require.NoError(t, err)
		require.Len(t, h.submits, 2)
		assert.Equal(t, h.submits[0], h.submits[1], "same signed transaction")
		assert.Equal(t, h.submits[0], ref)
	})

	t.Run("Transaction failed on ledger is a decline", func(t *testing.T) {
		h := &lostResponse{landed: map[string]bool{}}
		mock := h.horizon(t)
		s := newTestStellar(t, mock)

		_, err := s.Transfer(context.Background(), usd("400.00"), destination, nil, "release:p3")
		require.ErrorIs(t, err, ErrUnavailable)
		mock.TransactionDetailFunc = func(hash string) (hProtocol.Transaction, error) {
			return hProtocol.Transaction{Hash: hash, Successful: false}, nil
		}

		_, err = s.Transfer(context.Background(), usd("400.00"), destination, nil, "release:p3")
		assert.ErrorIs(t, err, ErrDeclined)
		assert.Len(t, h.submits, 1)
	})
}

func TestNewStellarRequiresEnvelopeStore(t *testing.T) {
	_, err := newStellar(&MockHorizon{}, StellarConfig{EscrowSecret: randomKeypair(t).Seed()})
	assert.Error(t, err)
}

func TestStellarRefundPaysOriginalSender(t *testing.T) {
	client := randomKeypair(t).Address()
	var paidTo string
	s := newTestStellar(t, &MockHorizon{
		AccountDetailFunc: accountFound,
		TransactionDetailFunc: func(h string) (hProtocol.Transaction, error) {
			return hProtocol.Transaction{Hash: h, Account: client, Successful: true}, nil
		},
		SubmitTransactionFunc: func(tx *txnbuild.Transaction) (hProtocol.Transaction, error) {
			paidTo = tx.Operations()[0].(*txnbuild.Payment).Destination
			return hProtocol.Transaction{Hash: "refund-hash"}, nil
		},
	})

	ref, err := s.Refund(context.Background(), "funding-hash", usd("600.00"), "refund:r1")
	require.NoError(t, err)
	assert.Equal(t, "refund-hash", ref)
	assert.Equal(t, client, paidTo)
}

func TestParseAsset(t *testing.T) {
	a, err := ParseAsset("USDC:GISSUER")
	require.NoError(t, err)
	assert.Equal(t, Asset{Code: "USDC", Issuer: "GISSUER"}, a)

	a, err = ParseAsset("XLM")
	require.NoError(t, err)
	assert.Equal(t, "XLM", a.Code)

	_, err = ParseAsset("USDC")
	assert.Error(t, err)
}
