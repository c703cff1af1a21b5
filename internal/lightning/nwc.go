package lightning

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip04"
	"go.uber.org/zap"

	"github.com/askmesh/askmesh/internal/envelope"
	"github.com/askmesh/askmesh/internal/errs"
	"github.com/askmesh/askmesh/internal/metrics"
	"github.com/askmesh/askmesh/internal/protocol"
	"github.com/askmesh/askmesh/internal/relaypool"
)

// NIP-47 wire kinds.
const (
	KindNWCRequest  = 23194
	KindNWCResponse = 23195
)

const nwcCallTimeout = 60 * time.Second

// NWCConfig is a parsed wallet connect string.
type NWCConfig struct {
	WalletPubkey string
	Relays       []string
	Secret       string
}

// ParseNWC parses a nostr+walletconnect:// uri.
func ParseNWC(uri string) (NWCConfig, error) {
	u, err := url.Parse(strings.TrimSpace(uri))
	if err != nil {
		return NWCConfig{}, errs.Wrap(errs.InvalidArgument, err, "parse nwc uri")
	}
	if u.Scheme != "nostr+walletconnect" && u.Scheme != "nostrwalletconnect" {
		return NWCConfig{}, errs.New(errs.InvalidArgument, "scheme %q is not walletconnect", u.Scheme)
	}
	pub := u.Host
	if pub == "" {
		pub = u.Opaque
	}
	q := u.Query()
	cfg := NWCConfig{
		WalletPubkey: pub,
		Relays:       q["relay"],
		Secret:       q.Get("secret"),
	}
	if cfg.WalletPubkey == "" || cfg.Secret == "" || len(cfg.Relays) == 0 {
		return NWCConfig{}, errs.New(errs.InvalidArgument, "nwc uri is missing pubkey, secret or relay")
	}
	return cfg, nil
}

// NWCClient is a Backend speaking NIP-47 to a remote wallet service over
// the relay pool. One client serves every expert bound to the same wallet.
type NWCClient struct {
	pool   *relaypool.Pool
	cfg    NWCConfig
	kp     envelope.Keypair
	shared []byte
	log    *zap.Logger
}

// NewNWCClient parses uri and prepares the request keys. No traffic happens
// until the first call.
func NewNWCClient(pool *relaypool.Pool, uri string, log *zap.Logger) (*NWCClient, error) {
	cfg, err := ParseNWC(uri)
	if err != nil {
		return nil, err
	}
	kp, err := envelope.KeypairFrom(cfg.Secret)
	if err != nil {
		return nil, err
	}
	shared, err := nip04.ComputeSharedSecret(cfg.WalletPubkey, cfg.Secret)
	if err != nil {
		return nil, errs.Wrap(errs.InvalidArgument, err, "nwc shared secret")
	}
	return &NWCClient{pool: pool, cfg: cfg, kp: kp, shared: shared, log: log}, nil
}

type nwcRequest struct {
	Method string `json:"method"`
	Params any    `json:"params"`
}

type nwcResponse struct {
	ResultType string          `json:"result_type"`
	Error      *nwcError       `json:"error"`
	Result     json.RawMessage `json:"result"`
}

type nwcError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// call performs one NIP-47 round trip. The response subscription opens
// before the request is published; responses are ephemeral-like and a late
// subscriber would miss them.
func (c *NWCClient) call(ctx context.Context, method string, params, result any) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, nwcCallTimeout)
		defer cancel()
	}

	body, err := json.Marshal(nwcRequest{Method: method, Params: params})
	if err != nil {
		return errs.Wrap(errs.InvalidArgument, err, "encode %s", method)
	}
	content, err := nip04.Encrypt(string(body), c.shared)
	if err != nil {
		return errs.Wrap(errs.InvalidArgument, err, "encrypt %s", method)
	}
	ev := &nostr.Event{
		Kind:      KindNWCRequest,
		CreatedAt: nostr.Now(),
		Tags:      nostr.Tags{{protocol.TagPubkey, c.cfg.WalletPubkey}},
		Content:   content,
	}
	if err := envelope.SignEvent(ev, c.kp.Priv); err != nil {
		return err
	}

	sub, err := c.pool.Subscribe(ctx, nostr.Filters{{
		Kinds:   []int{KindNWCResponse},
		Authors: []string{c.cfg.WalletPubkey},
		Tags:    nostr.TagMap{protocol.TagEvent: []string{ev.ID}},
	}}, c.cfg.Relays)
	if err != nil {
		return err
	}
	defer sub.Close()

	// The response is not stored by relays, so the subscription must be
	// live before the request goes out.
	select {
	case <-sub.EOSE():
	case <-ctx.Done():
		return errs.New(errs.RelayTimeout, "no relay reachable for %s", method)
	}

	if _, err := c.pool.Publish(ctx, ev, c.cfg.Relays); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return errs.New(errs.PaymentFailed, "wallet did not answer %s", method)
		case resp := <-sub.Events():
			plain, err := nip04.Decrypt(resp.Content, c.shared)
			if err != nil {
				c.log.Warn("undecryptable wallet response", zap.String("event", resp.ID), zap.Error(err))
				continue
			}
			var r nwcResponse
			if err := json.Unmarshal([]byte(plain), &r); err != nil {
				return errs.Wrap(errs.PaymentFailed, err, "decode %s response", method)
			}
			if r.Error != nil && r.Error.Code != "" {
				return mapNWCError(method, r.Error)
			}
			if result != nil {
				if err := json.Unmarshal(r.Result, result); err != nil {
					return errs.Wrap(errs.PaymentFailed, err, "decode %s result", method)
				}
			}
			return nil
		}
	}
}

func mapNWCError(method string, e *nwcError) error {
	switch {
	case e.Code == "INSUFFICIENT_BALANCE":
		return errs.New(errs.InsufficientBalance, "%s: %s", method, e.Message)
	case strings.Contains(strings.ToLower(e.Message), "expired"):
		return errs.New(errs.InvoiceExpired, "%s: %s", method, e.Message)
	default:
		return errs.New(errs.PaymentFailed, "%s: %s (%s)", method, e.Message, e.Code)
	}
}

type makeInvoiceParams struct {
	Amount      int64  `json:"amount"`
	Description string `json:"description,omitempty"`
	Expiry      int64  `json:"expiry,omitempty"`
}

type invoiceResult struct {
	Invoice     string `json:"invoice"`
	PaymentHash string `json:"payment_hash"`
	Amount      int64  `json:"amount"`
	Preimage    string `json:"preimage"`
	CreatedAt   int64  `json:"created_at"`
	ExpiresAt   int64  `json:"expires_at"`
	SettledAt   int64  `json:"settled_at"`
}

// MakeInvoice asks the wallet for a fresh invoice. amountSats is converted
// to millisats on the wire.
func (c *NWCClient) MakeInvoice(ctx context.Context, amountSats int64, description string, expiry time.Duration) (protocol.Invoice, error) {
	var res invoiceResult
	err := c.call(ctx, "make_invoice", makeInvoiceParams{
		Amount:      amountSats * 1000,
		Description: description,
		Expiry:      int64(expiry / time.Second),
	}, &res)
	if err != nil {
		return protocol.Invoice{}, err
	}
	metrics.InvoicesIssued.Inc()
	return protocol.Invoice{
		Method:      protocol.MethodLightning,
		Unit:        protocol.UnitSat,
		Amount:      amountSats,
		Bolt11:      res.Invoice,
		PaymentHash: res.PaymentHash,
	}, nil
}

type payInvoiceParams struct {
	Invoice string `json:"invoice"`
}

type payInvoiceResult struct {
	Preimage string `json:"preimage"`
}

// PayInvoice pays bolt11 and returns the preimage.
func (c *NWCClient) PayInvoice(ctx context.Context, bolt11 string) (string, error) {
	var res payInvoiceResult
	if err := c.call(ctx, "pay_invoice", payInvoiceParams{Invoice: bolt11}, &res); err != nil {
		metrics.PaymentsSent.WithLabelValues("failed").Inc()
		return "", err
	}
	if res.Preimage == "" {
		metrics.PaymentsSent.WithLabelValues("failed").Inc()
		return "", errs.New(errs.PaymentFailed, "wallet returned no preimage")
	}
	metrics.PaymentsSent.WithLabelValues("ok").Inc()
	return res.Preimage, nil
}

type lookupInvoiceParams struct {
	PaymentHash string `json:"payment_hash"`
}

// LookupInvoice reports the settlement state of an invoice this wallet
// issued.
func (c *NWCClient) LookupInvoice(ctx context.Context, paymentHash string) (LookupResult, error) {
	var res invoiceResult
	if err := c.call(ctx, "lookup_invoice", lookupInvoiceParams{PaymentHash: paymentHash}, &res); err != nil {
		return LookupResult{}, err
	}
	lr := LookupResult{
		Settled:    res.SettledAt > 0 || res.Preimage != "",
		Preimage:   res.Preimage,
		AmountMSat: res.Amount,
	}
	if res.SettledAt > 0 {
		lr.SettledAt = time.Unix(res.SettledAt, 0)
	}
	return lr, nil
}

type balanceResult struct {
	Balance int64 `json:"balance"`
}

// GetBalance returns the wallet balance in millisats.
func (c *NWCClient) GetBalance(ctx context.Context) (int64, error) {
	var res balanceResult
	if err := c.call(ctx, "get_balance", struct{}{}, &res); err != nil {
		return 0, err
	}
	return res.Balance, nil
}

// Close satisfies Backend. The relay pool is shared, so there is nothing to
// release per client.
func (c *NWCClient) Close() {}
