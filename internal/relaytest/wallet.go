package relaytest

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip04"

	"github.com/askmesh/askmesh/internal/envelope"
	"github.com/askmesh/askmesh/internal/errs"
	"github.com/askmesh/askmesh/internal/lightning"
	"github.com/askmesh/askmesh/internal/protocol"
)

const defaultBalanceMSat = 100_000_000

// WalletService is a NIP-47 wallet speaking over a test relay. It mints
// fabricated bolt-11 strings, so use its Decoder for any code path that
// would otherwise decode them for real.
type WalletService struct {
	t        *testing.T
	relayURL string
	kp       envelope.Keypair
	relay    *nostr.Relay

	mu       sync.Mutex
	byHash   map[string]*fakeInvoice
	byBolt11 map[string]*fakeInvoice
	balance  int64
	skewMSat int64
	payCode  string
	payMsg   string
	payments int
}

type fakeInvoice struct {
	bolt11      string
	paymentHash string
	preimage    string
	amountMSat  int64
	description string
	createdAt   time.Time
	expiresAt   time.Time
	settledAt   time.Time
}

// NewWalletService starts a wallet service listening on relayURL and stops
// it with the test.
func NewWalletService(t *testing.T, relayURL string) *WalletService {
	t.Helper()
	kp, err := envelope.GenerateKeypair()
	if err != nil {
		t.Fatalf("wallet keypair: %v", err)
	}
	w := &WalletService{
		t:        t,
		relayURL: relayURL,
		kp:       kp,
		byHash:   make(map[string]*fakeInvoice),
		byBolt11: make(map[string]*fakeInvoice),
		balance:  defaultBalanceMSat,
	}

	ctx, cancel := context.WithCancel(context.Background())
	relay, err := nostr.RelayConnect(ctx, relayURL)
	if err != nil {
		cancel()
		t.Fatalf("wallet connect: %v", err)
	}
	w.relay = relay
	sub, err := relay.Subscribe(ctx, nostr.Filters{{
		Kinds: []int{lightning.KindNWCRequest},
		Tags:  nostr.TagMap{protocol.TagPubkey: []string{kp.Pub}},
	}})
	if err != nil {
		cancel()
		t.Fatalf("wallet subscribe: %v", err)
	}
	go w.serve(ctx, sub)
	t.Cleanup(func() {
		cancel()
		relay.Close()
	})
	return w
}

// URI mints a wallet connect string with a fresh client secret. Every
// caller of the service may hold its own.
func (w *WalletService) URI() string {
	kp, err := envelope.GenerateKeypair()
	if err != nil {
		w.t.Fatalf("client secret: %v", err)
	}
	return fmt.Sprintf("nostr+walletconnect://%s?relay=%s&secret=%s",
		w.kp.Pub, url.QueryEscape(w.relayURL), kp.Priv)
}

// SetPayError makes every pay_invoice fail with the given NIP-47 code until
// cleared with an empty code.
func (w *WalletService) SetPayError(code, message string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.payCode, w.payMsg = code, message
}

// SetAmountSkew shifts the decoded amount of invoices minted from now on,
// leaving the reported amount untouched. Lets a test hand out an invoice
// whose bolt-11 disagrees with the price the issuer believes in.
func (w *WalletService) SetAmountSkew(msat int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.skewMSat = msat
}

// SetBalance overrides the wallet balance in millisats.
func (w *WalletService) SetBalance(msat int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.balance = msat
}

// Settled reports whether the invoice with paymentHash has been paid.
func (w *WalletService) Settled(paymentHash string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	inv := w.byHash[paymentHash]
	return inv != nil && !inv.settledAt.IsZero()
}

// Payments counts successful pay_invoice calls.
func (w *WalletService) Payments() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.payments
}

// Preimage exposes the preimage behind a payment hash, paid or not, so
// tests can fabricate proofs.
func (w *WalletService) Preimage(paymentHash string) string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if inv := w.byHash[paymentHash]; inv != nil {
		return inv.preimage
	}
	return ""
}

// MintInvoice fabricates an invoice outside the NWC flow, for tests that
// build quotes by hand.
func (w *WalletService) MintInvoice(amountSats int64, description string) protocol.Invoice {
	w.mu.Lock()
	defer w.mu.Unlock()
	inv := w.mint(amountSats*1000, description, 10*time.Minute)
	return protocol.Invoice{
		Method:      protocol.MethodLightning,
		Unit:        protocol.UnitSat,
		Amount:      amountSats,
		Bolt11:      inv.bolt11,
		PaymentHash: inv.paymentHash,
	}
}

// Decoder decodes the fabricated bolt-11 strings this service minted.
func (w *WalletService) Decoder() lightning.Decoder { return tableDecoder{w} }

type tableDecoder struct{ w *WalletService }

func (d tableDecoder) Decode(bolt11 string) (lightning.Decoded, error) {
	d.w.mu.Lock()
	defer d.w.mu.Unlock()
	inv := d.w.byBolt11[bolt11]
	if inv == nil {
		return lightning.Decoded{}, errs.New(errs.InvalidArgument, "unknown invoice %q", bolt11)
	}
	return lightning.Decoded{
		MSat:        inv.amountMSat,
		PaymentHash: inv.paymentHash,
		Description: inv.description,
		Payee:       d.w.kp.Pub,
		CreatedAt:   inv.createdAt,
		Expiry:      inv.expiresAt.Sub(inv.createdAt),
	}, nil
}

// mint creates and indexes a fake invoice. Callers hold w.mu.
func (w *WalletService) mint(amountMSat int64, description string, expiry time.Duration) *fakeInvoice {
	var raw [32]byte
	if _, err := rand.Read(raw[:]); err != nil {
		w.t.Fatalf("mint preimage: %v", err)
	}
	preimage := hex.EncodeToString(raw[:])
	sum := sha256.Sum256(raw[:])
	hash := hex.EncodeToString(sum[:])
	now := time.Now()
	inv := &fakeInvoice{
		bolt11:      "lnfake1" + hash,
		paymentHash: hash,
		preimage:    preimage,
		amountMSat:  amountMSat + w.skewMSat,
		description: description,
		createdAt:   now,
		expiresAt:   now.Add(expiry),
	}
	w.byHash[hash] = inv
	w.byBolt11[inv.bolt11] = inv
	return inv
}

type nwcError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type invoiceJSON struct {
	Invoice     string `json:"invoice"`
	PaymentHash string `json:"payment_hash"`
	Amount      int64  `json:"amount"`
	Preimage    string `json:"preimage,omitempty"`
	Description string `json:"description,omitempty"`
	CreatedAt   int64  `json:"created_at"`
	ExpiresAt   int64  `json:"expires_at"`
	SettledAt   int64  `json:"settled_at,omitempty"`
}

func (w *WalletService) serve(ctx context.Context, sub *nostr.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events:
			if !ok {
				return
			}
			if ev == nil {
				continue
			}
			w.handle(ctx, ev)
		}
	}
}

func (w *WalletService) handle(ctx context.Context, req *nostr.Event) {
	shared, err := nip04.ComputeSharedSecret(req.PubKey, w.kp.Priv)
	if err != nil {
		return
	}
	plain, err := nip04.Decrypt(req.Content, shared)
	if err != nil {
		return
	}
	var call struct {
		Method string          `json:"method"`
		Params json.RawMessage `json:"params"`
	}
	if err := json.Unmarshal([]byte(plain), &call); err != nil {
		return
	}

	var (
		result any
		nerr   *nwcError
	)
	switch call.Method {
	case "make_invoice":
		result, nerr = w.makeInvoice(call.Params)
	case "pay_invoice":
		result, nerr = w.payInvoice(call.Params)
	case "lookup_invoice":
		result, nerr = w.lookupInvoice(call.Params)
	case "get_balance":
		w.mu.Lock()
		result = map[string]int64{"balance": w.balance}
		w.mu.Unlock()
	default:
		nerr = &nwcError{Code: "NOT_IMPLEMENTED", Message: call.Method}
	}
	w.respond(ctx, req, shared, call.Method, result, nerr)
}

func (w *WalletService) makeInvoice(params json.RawMessage) (any, *nwcError) {
	var p struct {
		Amount      int64  `json:"amount"`
		Description string `json:"description"`
		Expiry      int64  `json:"expiry"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.Amount <= 0 {
		return nil, &nwcError{Code: "OTHER", Message: "bad make_invoice params"}
	}
	expiry := time.Duration(p.Expiry) * time.Second
	if expiry <= 0 {
		expiry = 10 * time.Minute
	}
	w.mu.Lock()
	inv := w.mint(p.Amount, p.Description, expiry)
	w.mu.Unlock()
	return invoiceJSON{
		Invoice:     inv.bolt11,
		PaymentHash: inv.paymentHash,
		Amount:      p.Amount,
		Description: inv.description,
		CreatedAt:   inv.createdAt.Unix(),
		ExpiresAt:   inv.expiresAt.Unix(),
	}, nil
}

func (w *WalletService) payInvoice(params json.RawMessage) (any, *nwcError) {
	var p struct {
		Invoice string `json:"invoice"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &nwcError{Code: "OTHER", Message: "bad pay_invoice params"}
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.payCode != "" {
		return nil, &nwcError{Code: w.payCode, Message: w.payMsg}
	}
	inv := w.byBolt11[p.Invoice]
	if inv == nil {
		return nil, &nwcError{Code: "NOT_FOUND", Message: "no such invoice"}
	}
	if time.Now().After(inv.expiresAt) {
		return nil, &nwcError{Code: "OTHER", Message: "invoice expired"}
	}
	if w.balance < inv.amountMSat {
		return nil, &nwcError{Code: "INSUFFICIENT_BALANCE", Message: "balance too low"}
	}
	inv.settledAt = time.Now()
	w.balance -= inv.amountMSat
	w.payments++
	return map[string]string{"preimage": inv.preimage}, nil
}

func (w *WalletService) lookupInvoice(params json.RawMessage) (any, *nwcError) {
	var p struct {
		PaymentHash string `json:"payment_hash"`
		Invoice     string `json:"invoice"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &nwcError{Code: "OTHER", Message: "bad lookup_invoice params"}
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	inv := w.byHash[p.PaymentHash]
	if inv == nil && p.Invoice != "" {
		inv = w.byBolt11[p.Invoice]
	}
	if inv == nil {
		return nil, &nwcError{Code: "NOT_FOUND", Message: "no such invoice"}
	}
	out := invoiceJSON{
		Invoice:     inv.bolt11,
		PaymentHash: inv.paymentHash,
		Amount:      inv.amountMSat,
		Description: inv.description,
		CreatedAt:   inv.createdAt.Unix(),
		ExpiresAt:   inv.expiresAt.Unix(),
	}
	if !inv.settledAt.IsZero() {
		out.Preimage = inv.preimage
		out.SettledAt = inv.settledAt.Unix()
	}
	return out, nil
}

func (w *WalletService) respond(ctx context.Context, req *nostr.Event, shared []byte, method string, result any, nerr *nwcError) {
	body, err := json.Marshal(struct {
		ResultType string    `json:"result_type"`
		Error      *nwcError `json:"error,omitempty"`
		Result     any       `json:"result,omitempty"`
	}{ResultType: method, Error: nerr, Result: result})
	if err != nil {
		return
	}
	content, err := nip04.Encrypt(string(body), shared)
	if err != nil {
		return
	}
	ev := nostr.Event{
		Kind:      lightning.KindNWCResponse,
		CreatedAt: nostr.Now(),
		Tags: nostr.Tags{
			{protocol.TagPubkey, req.PubKey},
			{protocol.TagEvent, req.ID},
		},
		Content: content,
	}
	if err := ev.Sign(w.kp.Priv); err != nil {
		return
	}
	_ = w.relay.Publish(ctx, ev)
}
