package gateway

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/stellar/go/clients/horizonclient"
	"github.com/stellar/go/keypair"
	hProtocol "github.com/stellar/go/protocols/horizon"
	"github.com/stellar/go/txnbuild"
	"github.com/yourusername/gpay-escrow/money"
)

// horizon is the part of horizonclient.Client the adapter uses.
type horizon interface {
	AccountDetail(request horizonclient.AccountRequest) (hProtocol.Account, error)
	SubmitTransaction(transaction *txnbuild.Transaction) (hProtocol.Transaction, error)
	TransactionDetail(txHash string) (hProtocol.Transaction, error)
}

// Asset names the Stellar asset that settles a ledger currency.
type Asset struct {
	Code   string
	Issuer string
}

// ParseAsset reads "XLM" or "CODE:ISSUER".
func ParseAsset(s string) (Asset, error) {
	code, issuer, _ := strings.Cut(strings.TrimSpace(s), ":")
	if code == "" {
		return Asset{}, fmt.Errorf("empty asset")
	}
	if code != "XLM" && issuer == "" {
		return Asset{}, fmt.Errorf("asset %s needs an issuer", code)
	}
	return Asset{Code: code, Issuer: issuer}, nil
}

type StellarConfig struct {
	HorizonURL        string
	NetworkPassphrase string
	EscrowSecret      string
	Assets            map[string]Asset // keyed by ledger currency
	Timeout           time.Duration
	// Envelopes records each signed payout by idempotency key before it is submitted.
	Envelopes   KeyStore
	EnvelopeTTL time.Duration
}

// Stellar settles escrow on the Stellar network. Funds are held by the
// platform escrow account: the client pays into it, releases and refunds
// are paid out of it.
type Stellar struct {
	client            horizon
	networkPassphrase string
	escrow            *keypair.Full
	assets            map[string]Asset
	envelopes         KeyStore
	envelopeTTL       time.Duration
}

func NewStellar(cfg StellarConfig) (*Stellar, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client := &horizonclient.Client{
		HorizonURL: cfg.HorizonURL,
		HTTP:       &http.Client{Timeout: timeout},
	}
	return newStellar(client, cfg)
}

func newStellar(client horizon, cfg StellarConfig) (*Stellar, error) {
	kp, err := keypair.ParseFull(cfg.EscrowSecret)
	if err != nil {
		return nil, fmt.Errorf("invalid escrow secret: %w", err)
	}
	if cfg.Envelopes == nil {
		return nil, errors.New("an envelope store is required")
	}
	ttl := cfg.EnvelopeTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Stellar{
		client:            client,
		networkPassphrase: cfg.NetworkPassphrase,
		escrow:            kp,
		assets:            cfg.Assets,
		envelopes:         cfg.Envelopes,
		envelopeTTL:       ttl,
	}, nil
}

// EscrowAddress is the public key that holds escrowed funds.
func (s *Stellar) EscrowAddress() string { return s.escrow.Address() }

// AuthorizeAndHold builds the payment from the client's account into escrow.
// The client signs and submits the envelope; the transaction hash is the reference.
func (s *Stellar) AuthorizeAndHold(ctx context.Context, amount money.Money, meta Metadata, key string) (Hold, error) {
	if err := ctx.Err(); err != nil {
		return Hold{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	source := meta["source_account"]
	if source == "" {
		return Hold{}, fmt.Errorf("%w: funding requires a source account", ErrDeclined)
	}
	account, err := s.client.AccountDetail(horizonclient.AccountRequest{AccountID: source})
	if err != nil {
		return Hold{}, classify("load source account", err)
	}
	tx, err := s.buildPayment(&account, s.escrow.Address(), amount, memoFor(key))
	if err != nil {
		return Hold{}, err
	}
	hash, err := tx.HashHex(s.networkPassphrase)
	if err != nil {
		return Hold{}, fmt.Errorf("failed to hash transaction: %w", err)
	}
	xdr, err := tx.Base64()
	if err != nil {
		return Hold{}, fmt.Errorf("failed to encode transaction to XDR: %w", err)
	}
	return Hold{Ref: hash, Envelope: xdr}, nil
}

// Capture reports whether the funding transaction made it into a ledger.
func (s *Stellar) Capture(ctx context.Context, ref, _ string) (Outcome, error) {
	if err := ctx.Err(); err != nil {
		return Outcome{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	tx, err := s.client.TransactionDetail(ref)
	if horizonclient.IsNotFoundError(err) {
		return Outcome{Status: StatusPending}, nil
	}
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: transaction lookup: %v", ErrUnavailable, err)
	}
	if !tx.Successful {
		return Outcome{Status: StatusFailed, Reason: "transaction failed on ledger"}, nil
	}
	return Outcome{Status: StatusSucceeded}, nil
}

func (s *Stellar) Transfer(ctx context.Context, amount money.Money, destination string, _ Metadata, key string) (string, error) {
	return s.submitFromEscrow(ctx, destination, amount, key)
}

// Refund pays back to the account that sent the original funding transaction.
func (s *Stellar) Refund(ctx context.Context, ref string, amount money.Money, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	original, err := s.client.TransactionDetail(ref)
	if err != nil {
		return "", classify("load funding transaction", err)
	}
	return s.submitFromEscrow(ctx, original.Account, amount, key)
}

// submitFromEscrow pays out of the escrow account once per key. The signed
// envelope is recorded before submission, so a retry after a lost response
// settles against the same transaction instead of signing a second one.
func (s *Stellar) submitFromEscrow(ctx context.Context, destination string, amount money.Money, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if destination == "" {
		return "", fmt.Errorf("%w: missing destination account", ErrDeclined)
	}
	envelopeKey := "stellar:envelope:" + key
	recorded, ok, err := s.envelopes.Get(ctx, envelopeKey)
	if err != nil {
		return "", fmt.Errorf("%w: envelope lookup: %v", ErrUnavailable, err)
	}
	if ok {
		return s.resubmit(recorded)
	}

	account, err := s.client.AccountDetail(horizonclient.AccountRequest{AccountID: s.escrow.Address()})
	if err != nil {
		return "", classify("load escrow account", err)
	}
	tx, err := s.buildPayment(&account, destination, amount, memoFor(key))
	if err != nil {
		return "", err
	}
	tx, err = tx.Sign(s.networkPassphrase, s.escrow)
	if err != nil {
		return "", fmt.Errorf("failed to sign transaction: %w", err)
	}
	envelope, err := tx.Base64()
	if err != nil {
		return "", fmt.Errorf("failed to encode transaction to XDR: %w", err)
	}
	if err := s.envelopes.Set(ctx, envelopeKey, envelope, s.envelopeTTL); err != nil {
		return "", fmt.Errorf("%w: record envelope: %v", ErrUnavailable, err)
	}
	return s.submit(tx)
}

// resubmit settles a retried key against the transaction signed on the first
// attempt: a transaction already on the ledger is reported, anything else is
// submitted again unchanged.
func (s *Stellar) resubmit(envelope string) (string, error) {
	tx, err := parseEnvelope(envelope)
	if err != nil {
		return "", fmt.Errorf("recorded envelope: %w", err)
	}
	hash, err := tx.HashHex(s.networkPassphrase)
	if err != nil {
		return "", fmt.Errorf("failed to hash transaction: %w", err)
	}
	landed, err := s.client.TransactionDetail(hash)
	switch {
	case err == nil && landed.Successful:
		return hash, nil
	case err == nil:
		return "", fmt.Errorf("%w: transaction %s failed on ledger", ErrDeclined, hash)
	case !horizonclient.IsNotFoundError(err):
		return "", fmt.Errorf("%w: transaction lookup: %v", ErrUnavailable, err)
	}
	return s.submit(tx)
}

func (s *Stellar) submit(tx *txnbuild.Transaction) (string, error) {
	resp, err := s.client.SubmitTransaction(tx)
	if err != nil {
		return "", classify("submit transaction", err)
	}
	return resp.Hash, nil
}

func (s *Stellar) buildPayment(source txnbuild.Account, destination string, amount money.Money, memo txnbuild.Memo) (*txnbuild.Transaction, error) {
	asset, ok := s.assets[amount.Currency]
	if !ok {
		return nil, fmt.Errorf("%w: no stellar asset configured for %s", ErrDeclined, amount.Currency)
	}
	tx, err := txnbuild.NewTransaction(paymentParams(source, destination, assetFor(asset.Code, asset.Issuer), amount.String(), memo))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to build transaction: %v", ErrDeclined, err)
	}
	return tx, nil
}

func paymentParams(source txnbuild.Account, destination string, asset txnbuild.Asset, amount string, memo txnbuild.Memo) txnbuild.TransactionParams {
	return txnbuild.TransactionParams{
		SourceAccount:        source,
		IncrementSequenceNum: true,
		BaseFee:              txnbuild.MinBaseFee,
		Memo:                 memo,
		Preconditions:        txnbuild.Preconditions{TimeBounds: txnbuild.NewTimeout(300)},
		Operations: []txnbuild.Operation{
			&txnbuild.Payment{
				Destination: destination,
				Amount:      amount,
				Asset:       asset,
			},
		},
	}
}

func assetFor(code, issuer string) txnbuild.Asset {
	if code == "XLM" {
		return txnbuild.NativeAsset{}
	}
	return txnbuild.CreditAsset{Code: code, Issuer: issuer}
}

// memoFor ties a transaction to its idempotency key.
func memoFor(key string) txnbuild.Memo {
	return txnbuild.MemoHash(sha256.Sum256([]byte(key)))
}

// parseEnvelope decodes a base64 transaction envelope.
func parseEnvelope(envelopeXDR string) (*txnbuild.Transaction, error) {
	generic, err := txnbuild.TransactionFromXDR(envelopeXDR)
	if err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}
	tx, ok := generic.Transaction()
	if !ok {
		return nil, errors.New("fee bump envelopes are not supported")
	}
	return tx, nil
}

// classify maps horizon problems to declines and everything else to unavailability.
func classify(op string, err error) error {
	if herr := horizonclient.GetError(err); herr != nil && (herr.Response == nil || herr.Response.StatusCode < 500) {
		return fmt.Errorf("%w: %s: %s", ErrDeclined, op, herr.Problem.Title)
	}
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
}
