// Package lightning is the payment side of the marketplace: a wallet
// backend reached over NIP-47, bolt-11 decoding, and the verification
// helpers that tie a preimage to a quoted invoice.
package lightning

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	decodepay "github.com/nbd-wtf/ln-decodepay"

	"github.com/askmesh/askmesh/internal/errs"
	"github.com/askmesh/askmesh/internal/protocol"
)

// Backend is the wallet surface the session engines consume. Amounts are in
// satoshis at this boundary; the wire below speaks millisats.
type Backend interface {
	MakeInvoice(ctx context.Context, amountSats int64, description string, expiry time.Duration) (protocol.Invoice, error)
	PayInvoice(ctx context.Context, bolt11 string) (preimage string, err error)
	LookupInvoice(ctx context.Context, paymentHash string) (LookupResult, error)
	Close()
}

// LookupResult reports the settlement state of one invoice.
type LookupResult struct {
	Settled    bool
	Preimage   string
	AmountMSat int64
	SettledAt  time.Time
}

// Decoded is the subset of a bolt-11 invoice the engines act on.
type Decoded struct {
	MSat        int64
	PaymentHash string
	Description string
	Payee       string
	CreatedAt   time.Time
	Expiry      time.Duration
}

// Decoder turns a bolt-11 string into its decoded form. The production
// implementation is Bolt11Decoder; tests substitute a table-backed stub so
// fabricated invoices verify.
type Decoder interface {
	Decode(bolt11 string) (Decoded, error)
}

// Bolt11Decoder decodes real bolt-11 invoices.
type Bolt11Decoder struct{}

func (Bolt11Decoder) Decode(bolt11 string) (Decoded, error) {
	inv, err := decodepay.Decodepay(bolt11)
	if err != nil {
		return Decoded{}, errs.Wrap(errs.InvalidArgument, err, "decode bolt11")
	}
	return Decoded{
		MSat:        inv.MSatoshi,
		PaymentHash: inv.PaymentHash,
		Description: inv.Description,
		Payee:       inv.Payee,
		CreatedAt:   time.Unix(int64(inv.CreatedAt), 0),
		Expiry:      time.Duration(inv.Expiry) * time.Second,
	}, nil
}

// VerifyPreimage checks that sha256(preimage) equals the payment hash. Both
// values are hex.
func VerifyPreimage(preimage, paymentHash string) error {
	raw, err := hex.DecodeString(strings.TrimSpace(preimage))
	if err != nil {
		return errs.Wrap(errs.BadProof, err, "preimage is not hex")
	}
	sum := sha256.Sum256(raw)
	if hex.EncodeToString(sum[:]) != strings.ToLower(paymentHash) {
		return errs.New(errs.BadProof, "preimage does not match payment hash %s", paymentHash)
	}
	return nil
}

// VerifyAmount checks a bolt-11 millisat amount against a satoshi price,
// tolerating one millisat of rounding.
func VerifyAmount(amountSats, msat int64) error {
	diff := msat - amountSats*1000
	if diff < -1 || diff > 1 {
		return errs.New(errs.AmountMismatch, "invoice is %d msat, quoted %d sats", msat, amountSats)
	}
	return nil
}

// Verify runs the full proof check an expert performs before serving: the
// bolt-11 must decode to the quoted hash and amount, the preimage must hash
// to it, and the wallet must report the invoice settled. A matching preimage
// alone says nothing about whether this wallet got paid.
func Verify(ctx context.Context, backend Backend, dec Decoder, inv protocol.Invoice, preimage string) error {
	d, err := dec.Decode(inv.Bolt11)
	if err != nil {
		return err
	}
	if !strings.EqualFold(d.PaymentHash, inv.PaymentHash) {
		return errs.New(errs.BadProof, "invoice hash %s does not match quote", d.PaymentHash)
	}
	if err := VerifyAmount(inv.Amount, d.MSat); err != nil {
		return err
	}
	if err := VerifyPreimage(preimage, inv.PaymentHash); err != nil {
		return err
	}
	lr, err := backend.LookupInvoice(ctx, inv.PaymentHash)
	if err != nil {
		return errs.Wrap(errs.BadProof, err, "lookup invoice %s", inv.PaymentHash)
	}
	if !lr.Settled {
		return errs.New(errs.BadProof, "invoice %s is not settled", inv.PaymentHash)
	}
	return nil
}
