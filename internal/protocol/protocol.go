// Package protocol defines the relay wire format: event kinds, tag names,
// payload schemas and the builders and parsers that turn domain values into
// signed events and back.
//
// Five ephemeral kinds carry one ask lifecycle (ask, bid, prompt, quote,
// proof, reply) and one replaceable kind carries the public expert profile.
// Relays do not store ephemeral kinds, so every consumer subscribes before
// the producer publishes.
package protocol

import (
	"github.com/askmesh/askmesh/internal/errs"
)

// Event kinds. The ask lifecycle uses the ephemeral range so relays fan the
// events out to live subscribers without persisting them.
const (
	KindAsk     = 20174
	KindBid     = 20175
	KindPrompt  = 20176
	KindQuote   = 20177
	KindProof   = 20178
	KindReply   = 20179
	KindProfile = 10174
)

// Tag names.
const (
	TagEvent       = "e"
	TagPubkey      = "p"
	TagHashtag     = "t"
	TagFormat      = "f"
	TagCompression = "compr"
	TagMethod      = "m"
	TagRelay       = "relay"
	TagStream      = "s"
	TagDone        = "done"
)

// Format names the encoding of prompt and reply content.
type Format string

const (
	// FormatText is plain UTF-8 text.
	FormatText Format = "text"
	// FormatOpenAI is a chat-completion request or response object.
	FormatOpenAI Format = "openai"
)

// ParseFormat maps a wire tag value to a Format.
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case FormatText:
		return FormatText, nil
	case FormatOpenAI:
		return FormatOpenAI, nil
	default:
		return "", errs.New(errs.UnsupportedFormat, "format %q", s)
	}
}

// Method names a payment rail.
type Method string

// MethodLightning is the only method currently on the wire.
const MethodLightning Method = "lightning"

// UnitSat is the amount unit used in invoices.
const UnitSat = "sat"

// Invoice is the wire form of a Lightning invoice attached to bids, quotes
// and follow-ups. Amount is in satoshis and is verified against the bolt-11
// millisat amount within one msat.
type Invoice struct {
	Method      Method `json:"method"`
	Unit        string `json:"unit"`
	Amount      int64  `json:"amount"`
	Bolt11      string `json:"invoice"`
	PaymentHash string `json:"payment_hash"`
}

// ErrorInfo travels inside quote and reply payloads when the expert cannot
// serve the prompt.
type ErrorInfo struct {
	Kind    errs.Kind `json:"kind"`
	Message string    `json:"message"`
}

// Err converts the wire error into a typed error for the caller.
func (e *ErrorInfo) Err() error {
	return errs.New(errs.ParseKind(string(e.Kind)), "expert: %s", e.Message)
}
