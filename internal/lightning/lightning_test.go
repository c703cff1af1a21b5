package lightning_test

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/askmesh/askmesh/internal/errs"
	"github.com/askmesh/askmesh/internal/lightning"
	"github.com/askmesh/askmesh/internal/relaypool"
	"github.com/askmesh/askmesh/internal/relaytest"
)

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func newBackend(t *testing.T) (*relaytest.WalletService, *lightning.NWCClient) {
	t.Helper()
	relayURL := relaytest.NewRelay(t)
	w := relaytest.NewWalletService(t, relayURL)
	pool := relaypool.NewPool(zap.NewNop())
	t.Cleanup(pool.Close)
	c, err := lightning.NewNWCClient(pool, w.URI(), zap.NewNop())
	if err != nil {
		t.Fatalf("nwc client: %v", err)
	}
	return w, c
}

func TestParseNWC(t *testing.T) {
	cfg, err := lightning.ParseNWC("nostr+walletconnect://abcd?relay=wss%3A%2F%2Fr.example&secret=beef&relay=wss%3A%2F%2Fr2.example")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.WalletPubkey != "abcd" || cfg.Secret != "beef" || len(cfg.Relays) != 2 {
		t.Fatalf("parsed %+v", cfg)
	}

	if _, err := lightning.ParseNWC("https://example.com"); errs.KindOf(err) != errs.InvalidArgument {
		t.Fatalf("expected INVALID_ARGUMENT for scheme, got %v", err)
	}
	if _, err := lightning.ParseNWC("nostr+walletconnect://abcd?relay=wss%3A%2F%2Fr.example"); errs.KindOf(err) != errs.InvalidArgument {
		t.Fatalf("expected INVALID_ARGUMENT for missing secret, got %v", err)
	}
}

func TestVerifyPreimage(t *testing.T) {
	raw := bytes.Repeat([]byte{0x42}, 32)
	preimage := hex.EncodeToString(raw)
	sum := sha256.Sum256(raw)
	hash := hex.EncodeToString(sum[:])

	if err := lightning.VerifyPreimage(preimage, hash); err != nil {
		t.Fatalf("valid preimage rejected: %v", err)
	}
	if err := lightning.VerifyPreimage(preimage, strings.ToUpper(hash)); err != nil {
		t.Fatalf("hash case should not matter: %v", err)
	}
	if err := lightning.VerifyPreimage(hex.EncodeToString(raw[1:]), hash); errs.KindOf(err) != errs.BadProof {
		t.Fatalf("expected BAD_PROOF, got %v", err)
	}
	if err := lightning.VerifyPreimage("not-hex", hash); errs.KindOf(err) != errs.BadProof {
		t.Fatalf("expected BAD_PROOF for garbage, got %v", err)
	}
}

func TestVerifyAmountTolerance(t *testing.T) {
	for _, msat := range []int64{9999, 10000, 10001} {
		if err := lightning.VerifyAmount(10, msat); err != nil {
			t.Fatalf("%d msat should verify against 10 sats: %v", msat, err)
		}
	}
	for _, msat := range []int64{9998, 10002, 12000} {
		if err := lightning.VerifyAmount(10, msat); errs.KindOf(err) != errs.AmountMismatch {
			t.Fatalf("%d msat should mismatch 10 sats, got %v", msat, err)
		}
	}
}

func TestBolt11DecoderRejectsGarbage(t *testing.T) {
	_, err := lightning.Bolt11Decoder{}.Decode("lnbcnotaninvoice")
	if errs.KindOf(err) != errs.InvalidArgument {
		t.Fatalf("expected INVALID_ARGUMENT, got %v", err)
	}
}

func TestNWCBackendRoundTrip(t *testing.T) {
	w, c := newBackend(t)
	ctx := testContext(t)

	inv, err := c.MakeInvoice(ctx, 21, "round trip", time.Minute)
	if err != nil {
		t.Fatalf("make invoice: %v", err)
	}
	if inv.Amount != 21 || inv.PaymentHash == "" || !strings.HasPrefix(inv.Bolt11, "lnfake1") {
		t.Fatalf("invoice off: %+v", inv)
	}

	preimage, err := c.PayInvoice(ctx, inv.Bolt11)
	if err != nil {
		t.Fatalf("pay invoice: %v", err)
	}
	if err := lightning.VerifyPreimage(preimage, inv.PaymentHash); err != nil {
		t.Fatalf("preimage from wallet: %v", err)
	}
	if !w.Settled(inv.PaymentHash) {
		t.Fatal("wallet should mark the invoice settled")
	}

	lr, err := c.LookupInvoice(ctx, inv.PaymentHash)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if !lr.Settled || lr.Preimage != preimage {
		t.Fatalf("lookup off: %+v", lr)
	}

	balance, err := c.GetBalance(ctx)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance != 100_000_000-21_000 {
		t.Fatalf("balance = %d", balance)
	}
}

func TestNWCPayFailures(t *testing.T) {
	w, c := newBackend(t)
	ctx := testContext(t)

	inv, err := c.MakeInvoice(ctx, 5, "will fail", time.Minute)
	if err != nil {
		t.Fatalf("make invoice: %v", err)
	}

	w.SetPayError("INSUFFICIENT_BALANCE", "balance too low")
	if _, err := c.PayInvoice(ctx, inv.Bolt11); errs.KindOf(err) != errs.InsufficientBalance {
		t.Fatalf("expected INSUFFICIENT_BALANCE, got %v", err)
	}
	w.SetPayError("", "")

	short, err := c.MakeInvoice(ctx, 5, "short lived", time.Second)
	if err != nil {
		t.Fatalf("make invoice: %v", err)
	}
	time.Sleep(1100 * time.Millisecond)
	if _, err := c.PayInvoice(ctx, short.Bolt11); errs.KindOf(err) != errs.InvoiceExpired {
		t.Fatalf("expected INVOICE_EXPIRED, got %v", err)
	}
}

func TestVerifyFullProofCheck(t *testing.T) {
	w, c := newBackend(t)
	ctx := testContext(t)
	dec := w.Decoder()

	inv, err := c.MakeInvoice(ctx, 10, "verify me", time.Minute)
	if err != nil {
		t.Fatalf("make invoice: %v", err)
	}
	preimage, err := c.PayInvoice(ctx, inv.Bolt11)
	if err != nil {
		t.Fatalf("pay: %v", err)
	}
	if err := lightning.Verify(ctx, c, dec, inv, preimage); err != nil {
		t.Fatalf("verify settled invoice: %v", err)
	}

	wrong := hex.EncodeToString(bytes.Repeat([]byte{0x01}, 32))
	if err := lightning.Verify(ctx, c, dec, inv, wrong); errs.KindOf(err) != errs.BadProof {
		t.Fatalf("expected BAD_PROOF for wrong preimage, got %v", err)
	}

	// Correct preimage for an invoice this wallet never settled.
	unsettled := w.MintInvoice(10, "never paid")
	if err := lightning.Verify(ctx, c, dec, unsettled, w.Preimage(unsettled.PaymentHash)); errs.KindOf(err) != errs.BadProof {
		t.Fatalf("expected BAD_PROOF for unsettled invoice, got %v", err)
	}

	// Invoice whose bolt-11 amount drifted from the agreed price.
	w.SetAmountSkew(2000)
	skewed := w.MintInvoice(10, "skewed")
	if err := lightning.Verify(ctx, c, dec, skewed, w.Preimage(skewed.PaymentHash)); errs.KindOf(err) != errs.AmountMismatch {
		t.Fatalf("expected AMOUNT_MISMATCH, got %v", err)
	}
}

func TestManagerSharesBackendsByWallet(t *testing.T) {
	relayURL := relaytest.NewRelay(t)
	w := relaytest.NewWalletService(t, relayURL)
	pool := relaypool.NewPool(zap.NewNop())
	t.Cleanup(pool.Close)

	m := lightning.NewManager(pool, zap.NewNop())
	t.Cleanup(m.Close)

	uri := w.URI()
	a, err := m.Backend(1, uri)
	if err != nil {
		t.Fatalf("backend: %v", err)
	}
	b, err := m.Backend(1, uri)
	if err != nil {
		t.Fatalf("backend: %v", err)
	}
	if a != b {
		t.Fatal("same wallet and uri should share a backend")
	}

	c, err := m.Backend(1, w.URI())
	if err != nil {
		t.Fatalf("backend: %v", err)
	}
	if c == a {
		t.Fatal("changed uri should rebuild the backend")
	}

	d, err := m.Backend(2, uri)
	if err != nil {
		t.Fatalf("backend: %v", err)
	}
	if d == c {
		t.Fatal("wallets must not share backends")
	}
}
