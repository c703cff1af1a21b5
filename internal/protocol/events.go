package protocol

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/askmesh/askmesh/internal/envelope"
	"github.com/askmesh/askmesh/internal/errs"
)

// ── Ask ────────────────────────────────────────────────────────────────────

// Ask is the public, anonymized question announcement. The signing key is
// ephemeral to the ask; its event id becomes the session's ask id.
type Ask struct {
	ID            string
	Pubkey        string
	Summary       string
	Hashtags      []string
	ExpertPubkeys []string
	CreatedAt     time.Time
}

// BuildAsk signs an ask event under the session's ephemeral key. The summary
// rides in the clear so experts can filter without a key exchange.
func BuildAsk(kp envelope.Keypair, summary string, hashtags, expertPubkeys []string) (*nostr.Event, error) {
	tags := nostr.Tags{}
	for _, h := range hashtags {
		tags = append(tags, nostr.Tag{TagHashtag, h})
	}
	for _, pk := range expertPubkeys {
		tags = append(tags, nostr.Tag{TagPubkey, pk})
	}
	ev := &nostr.Event{
		Kind:      KindAsk,
		CreatedAt: nostr.Now(),
		Tags:      tags,
		Content:   summary,
	}
	if err := envelope.SignEvent(ev, kp.Priv); err != nil {
		return nil, err
	}
	return ev, nil
}

// ParseAsk validates and decodes an ask event.
func ParseAsk(ev *nostr.Event) (*Ask, error) {
	if ev.Kind != KindAsk {
		return nil, errs.New(errs.InvalidArgument, "kind %d is not an ask", ev.Kind)
	}
	if err := envelope.ValidateEvent(ev); err != nil {
		return nil, err
	}
	return &Ask{
		ID:            ev.ID,
		Pubkey:        ev.PubKey,
		Summary:       ev.Content,
		Hashtags:      tagValues(ev, TagHashtag),
		ExpertPubkeys: tagValues(ev, TagPubkey),
		CreatedAt:     ev.CreatedAt.Time(),
	}, nil
}

// ── Bid ────────────────────────────────────────────────────────────────────

// Bid is an expert's answer to an ask. Relays names where all further events
// of the session must go. Invoice, when present, is the pre-issued invoice
// for the headline price so the quote later binds to the advertised amount.
type Bid struct {
	ID           string
	AskID        string
	ExpertPubkey string
	Offer        string
	BidSats      int64
	Relays       []string
	Invoice      *Invoice
	CreatedAt    time.Time
}

type bidPayload struct {
	Offer   string   `json:"offer"`
	BidSats int64    `json:"bid_sats,omitempty"`
	Relays  []string `json:"relays"`
	Invoice *Invoice `json:"invoice,omitempty"`
}

// BuildBid seals a bid to the ask's ephemeral pubkey and signs it with the
// expert's key.
func BuildBid(expertPriv string, ask *Ask, bid *Bid) (*nostr.Event, error) {
	key, err := envelope.ConversationKey(ask.Pubkey, expertPriv)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(bidPayload{
		Offer:   bid.Offer,
		BidSats: bid.BidSats,
		Relays:  bid.Relays,
		Invoice: bid.Invoice,
	})
	if err != nil {
		return nil, errs.Wrap(errs.InvalidArgument, err, "encode bid")
	}
	content, err := envelope.Seal(payload, envelope.CompressionNone, key)
	if err != nil {
		return nil, err
	}
	ev := &nostr.Event{
		Kind:      KindBid,
		CreatedAt: nostr.Now(),
		Tags:      nostr.Tags{{TagEvent, ask.ID}},
		Content:   content,
	}
	if err := envelope.SignEvent(ev, expertPriv); err != nil {
		return nil, err
	}
	return ev, nil
}

// ParseBid validates a bid event and opens its payload with the ask's
// ephemeral private key.
func ParseBid(ev *nostr.Event, askPriv string) (*Bid, error) {
	if ev.Kind != KindBid {
		return nil, errs.New(errs.InvalidArgument, "kind %d is not a bid", ev.Kind)
	}
	if err := envelope.ValidateEvent(ev); err != nil {
		return nil, err
	}
	askID := firstTag(ev, TagEvent)
	if askID == "" {
		return nil, errs.New(errs.InvalidArgument, "bid %s has no ask reference", ev.ID)
	}
	key, err := envelope.ConversationKey(ev.PubKey, askPriv)
	if err != nil {
		return nil, err
	}
	raw, err := envelope.Open(ev.Content, envelope.CompressionNone, key)
	if err != nil {
		return nil, err
	}
	var p bidPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, errs.Wrap(errs.InvalidArgument, err, "decode bid %s", ev.ID)
	}
	return &Bid{
		ID:           ev.ID,
		AskID:        askID,
		ExpertPubkey: ev.PubKey,
		Offer:        p.Offer,
		BidSats:      p.BidSats,
		Relays:       p.Relays,
		Invoice:      p.Invoice,
		CreatedAt:    ev.CreatedAt.Time(),
	}, nil
}

// ── Prompt ─────────────────────────────────────────────────────────────────

// Prompt carries the client's encrypted question to one expert. ContextID is
// the bid id on the first turn and the previous terminal reply id afterward.
type Prompt struct {
	ID           string
	Pubkey       string
	ExpertPubkey string
	ContextID    string
	Format       Format
	Compression  envelope.Compression
	Content      []byte
	CreatedAt    time.Time
}

// BuildPrompt seals format-encoded content to the expert and signs with the
// ask's ephemeral key.
func BuildPrompt(askPriv, expertPub, contextID string, format Format, compr envelope.Compression, content []byte) (*nostr.Event, error) {
	key, err := envelope.ConversationKey(expertPub, askPriv)
	if err != nil {
		return nil, err
	}
	sealed, err := envelope.Seal(content, compr, key)
	if err != nil {
		return nil, err
	}
	ev := &nostr.Event{
		Kind:      KindPrompt,
		CreatedAt: nostr.Now(),
		Tags: nostr.Tags{
			{TagPubkey, expertPub},
			{TagEvent, contextID},
			{TagFormat, string(format)},
			{TagCompression, string(compr)},
		},
		Content: sealed,
	}
	if err := envelope.SignEvent(ev, askPriv); err != nil {
		return nil, err
	}
	return ev, nil
}

// ParsePrompt validates a prompt event and opens it with the expert's key.
func ParsePrompt(ev *nostr.Event, expertPriv string) (*Prompt, error) {
	if ev.Kind != KindPrompt {
		return nil, errs.New(errs.InvalidArgument, "kind %d is not a prompt", ev.Kind)
	}
	if err := envelope.ValidateEvent(ev); err != nil {
		return nil, err
	}
	contextID := firstTag(ev, TagEvent)
	if contextID == "" {
		return nil, errs.New(errs.InvalidArgument, "prompt %s has no context reference", ev.ID)
	}
	format, err := ParseFormat(firstTag(ev, TagFormat))
	if err != nil {
		return nil, err
	}
	compr, err := envelope.ParseCompression(firstTag(ev, TagCompression))
	if err != nil {
		return nil, err
	}
	key, err := envelope.ConversationKey(ev.PubKey, expertPriv)
	if err != nil {
		return nil, err
	}
	content, err := envelope.Open(ev.Content, compr, key)
	if err != nil {
		return nil, err
	}
	return &Prompt{
		ID:           ev.ID,
		Pubkey:       ev.PubKey,
		ExpertPubkey: firstTag(ev, TagPubkey),
		ContextID:    contextID,
		Format:       format,
		Compression:  compr,
		Content:      content,
		CreatedAt:    ev.CreatedAt.Time(),
	}, nil
}

// ── Quote ──────────────────────────────────────────────────────────────────

// Quote prices one prompt. A quote with Error set carries no invoices and
// aborts the session before any payment.
type Quote struct {
	ID           string
	PromptID     string
	ExpertPubkey string
	Invoices     []Invoice
	Error        *ErrorInfo
	CreatedAt    time.Time
}

type quotePayload struct {
	Invoices []Invoice  `json:"invoices,omitempty"`
	Error    *ErrorInfo `json:"error,omitempty"`
}

// BuildQuote seals a quote to the ask's ephemeral pubkey.
func BuildQuote(expertPriv, clientPub, promptID string, q *Quote) (*nostr.Event, error) {
	key, err := envelope.ConversationKey(clientPub, expertPriv)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(quotePayload{Invoices: q.Invoices, Error: q.Error})
	if err != nil {
		return nil, errs.Wrap(errs.InvalidArgument, err, "encode quote")
	}
	content, err := envelope.Seal(payload, envelope.CompressionNone, key)
	if err != nil {
		return nil, err
	}
	ev := &nostr.Event{
		Kind:      KindQuote,
		CreatedAt: nostr.Now(),
		Tags:      nostr.Tags{{TagEvent, promptID}},
		Content:   content,
	}
	if err := envelope.SignEvent(ev, expertPriv); err != nil {
		return nil, err
	}
	return ev, nil
}

// ParseQuote validates a quote event and opens it with the ask's key.
func ParseQuote(ev *nostr.Event, askPriv string) (*Quote, error) {
	if ev.Kind != KindQuote {
		return nil, errs.New(errs.InvalidArgument, "kind %d is not a quote", ev.Kind)
	}
	if err := envelope.ValidateEvent(ev); err != nil {
		return nil, err
	}
	promptID := firstTag(ev, TagEvent)
	if promptID == "" {
		return nil, errs.New(errs.InvalidArgument, "quote %s has no prompt reference", ev.ID)
	}
	key, err := envelope.ConversationKey(ev.PubKey, askPriv)
	if err != nil {
		return nil, err
	}
	raw, err := envelope.Open(ev.Content, envelope.CompressionNone, key)
	if err != nil {
		return nil, err
	}
	var p quotePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, errs.Wrap(errs.InvalidArgument, err, "decode quote %s", ev.ID)
	}
	return &Quote{
		ID:           ev.ID,
		PromptID:     promptID,
		ExpertPubkey: ev.PubKey,
		Invoices:     p.Invoices,
		Error:        p.Error,
		CreatedAt:    ev.CreatedAt.Time(),
	}, nil
}

// ── Proof ──────────────────────────────────────────────────────────────────

// Proof carries the payment preimage back to the expert.
type Proof struct {
	ID        string
	QuoteID   string
	Pubkey    string
	Method    Method
	Preimage  string
	CreatedAt time.Time
}

type proofPayload struct {
	Method   Method `json:"method"`
	Preimage string `json:"preimage"`
}

// BuildProof seals a proof to the expert and signs with the ask's key.
func BuildProof(askPriv, expertPub, quoteID string, p *Proof) (*nostr.Event, error) {
	key, err := envelope.ConversationKey(expertPub, askPriv)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(proofPayload{Method: p.Method, Preimage: p.Preimage})
	if err != nil {
		return nil, errs.Wrap(errs.InvalidArgument, err, "encode proof")
	}
	content, err := envelope.Seal(payload, envelope.CompressionNone, key)
	if err != nil {
		return nil, err
	}
	ev := &nostr.Event{
		Kind:      KindProof,
		CreatedAt: nostr.Now(),
		Tags:      nostr.Tags{{TagEvent, quoteID}},
		Content:   content,
	}
	if err := envelope.SignEvent(ev, askPriv); err != nil {
		return nil, err
	}
	return ev, nil
}

// ParseProof validates a proof event and opens it with the expert's key.
func ParseProof(ev *nostr.Event, expertPriv string) (*Proof, error) {
	if ev.Kind != KindProof {
		return nil, errs.New(errs.InvalidArgument, "kind %d is not a proof", ev.Kind)
	}
	if err := envelope.ValidateEvent(ev); err != nil {
		return nil, err
	}
	quoteID := firstTag(ev, TagEvent)
	if quoteID == "" {
		return nil, errs.New(errs.InvalidArgument, "proof %s has no quote reference", ev.ID)
	}
	key, err := envelope.ConversationKey(ev.PubKey, expertPriv)
	if err != nil {
		return nil, err
	}
	raw, err := envelope.Open(ev.Content, envelope.CompressionNone, key)
	if err != nil {
		return nil, err
	}
	var p proofPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, errs.Wrap(errs.InvalidArgument, err, "decode proof %s", ev.ID)
	}
	return &Proof{
		ID:        ev.ID,
		QuoteID:   quoteID,
		Pubkey:    ev.PubKey,
		Method:    p.Method,
		Preimage:  p.Preimage,
		CreatedAt: ev.CreatedAt.Time(),
	}, nil
}

// ── Reply ──────────────────────────────────────────────────────────────────

// Reply is one chunk of the expert's answer. The terminal chunk carries a
// public done tag so the client can end the stream without decrypting
// stragglers. Error replies reference the prompt as well so a client that
// never published a proof can still match them.
type Reply struct {
	ID              string
	ProofID         string
	PromptID        string
	ExpertPubkey    string
	Done            bool
	Content         json.RawMessage
	FollowupInvoice *Invoice
	Error           *ErrorInfo
	CreatedAt       time.Time
}

type replyPayload struct {
	Content         json.RawMessage `json:"content,omitempty"`
	FollowupInvoice *Invoice        `json:"followup_invoice,omitempty"`
	Error           *ErrorInfo      `json:"error,omitempty"`
}

// BuildReply seals a reply chunk to the ask's ephemeral pubkey. Error
// replies always terminate the stream.
func BuildReply(expertPriv, clientPub string, compr envelope.Compression, r *Reply) (*nostr.Event, error) {
	key, err := envelope.ConversationKey(clientPub, expertPriv)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(replyPayload{
		Content:         r.Content,
		FollowupInvoice: r.FollowupInvoice,
		Error:           r.Error,
	})
	if err != nil {
		return nil, errs.Wrap(errs.InvalidArgument, err, "encode reply")
	}
	content, err := envelope.Seal(payload, compr, key)
	if err != nil {
		return nil, err
	}
	done := r.Done || r.Error != nil
	tags := nostr.Tags{}
	if r.ProofID != "" {
		tags = append(tags, nostr.Tag{TagEvent, r.ProofID})
	}
	if r.PromptID != "" && r.PromptID != r.ProofID {
		tags = append(tags, nostr.Tag{TagEvent, r.PromptID})
	}
	tags = append(tags, nostr.Tag{TagCompression, string(compr)})
	if done {
		tags = append(tags, nostr.Tag{TagDone, "true"})
	}
	ev := &nostr.Event{
		Kind:      KindReply,
		CreatedAt: nostr.Now(),
		Tags:      tags,
		Content:   content,
	}
	if err := envelope.SignEvent(ev, expertPriv); err != nil {
		return nil, err
	}
	return ev, nil
}

// ParseReply validates a reply event and opens it with the ask's key.
func ParseReply(ev *nostr.Event, askPriv string) (*Reply, error) {
	if ev.Kind != KindReply {
		return nil, errs.New(errs.InvalidArgument, "kind %d is not a reply", ev.Kind)
	}
	if err := envelope.ValidateEvent(ev); err != nil {
		return nil, err
	}
	refs := tagValues(ev, TagEvent)
	if len(refs) == 0 {
		return nil, errs.New(errs.InvalidArgument, "reply %s has no references", ev.ID)
	}
	compr, err := envelope.ParseCompression(firstTag(ev, TagCompression))
	if err != nil {
		return nil, err
	}
	key, err := envelope.ConversationKey(ev.PubKey, askPriv)
	if err != nil {
		return nil, err
	}
	raw, err := envelope.Open(ev.Content, compr, key)
	if err != nil {
		return nil, err
	}
	var p replyPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, errs.Wrap(errs.InvalidArgument, err, "decode reply %s", ev.ID)
	}
	r := &Reply{
		ID:              ev.ID,
		ProofID:         refs[0],
		ExpertPubkey:    ev.PubKey,
		Done:            firstTag(ev, TagDone) == "true",
		Content:         p.Content,
		FollowupInvoice: p.FollowupInvoice,
		Error:           p.Error,
		CreatedAt:       ev.CreatedAt.Time(),
	}
	if len(refs) > 1 {
		r.PromptID = refs[1]
	}
	return r, nil
}

// ── Profile ────────────────────────────────────────────────────────────────

// Profile is the expert's public capability announcement. It rides a
// replaceable kind, so publishing a new one supersedes the old.
type Profile struct {
	Pubkey      string
	Nickname    string
	Description string
	Relays      []string
	Formats     []Format
	Methods     []Method
	Hashtags    []string
	Stream      bool
	UpdatedAt   time.Time
}

type profileContent struct {
	Nickname    string `json:"nickname,omitempty"`
	Description string `json:"description,omitempty"`
}

// BuildProfile signs a public profile event.
func BuildProfile(expertPriv string, p *Profile) (*nostr.Event, error) {
	content, err := json.Marshal(profileContent{Nickname: p.Nickname, Description: p.Description})
	if err != nil {
		return nil, errs.Wrap(errs.InvalidArgument, err, "encode profile")
	}
	tags := nostr.Tags{}
	for _, r := range p.Relays {
		tags = append(tags, nostr.Tag{TagRelay, r})
	}
	for _, f := range p.Formats {
		tags = append(tags, nostr.Tag{TagFormat, string(f)})
	}
	for _, m := range p.Methods {
		tags = append(tags, nostr.Tag{TagMethod, string(m)})
	}
	for _, h := range p.Hashtags {
		tags = append(tags, nostr.Tag{TagHashtag, h})
	}
	tags = append(tags, nostr.Tag{TagStream, strconv.FormatBool(p.Stream)})
	ev := &nostr.Event{
		Kind:      KindProfile,
		CreatedAt: nostr.Now(),
		Tags:      tags,
		Content:   string(content),
	}
	if err := envelope.SignEvent(ev, expertPriv); err != nil {
		return nil, err
	}
	return ev, nil
}

// ParseProfile validates and decodes a profile event.
func ParseProfile(ev *nostr.Event) (*Profile, error) {
	if ev.Kind != KindProfile {
		return nil, errs.New(errs.InvalidArgument, "kind %d is not a profile", ev.Kind)
	}
	if err := envelope.ValidateEvent(ev); err != nil {
		return nil, err
	}
	var c profileContent
	if ev.Content != "" {
		if err := json.Unmarshal([]byte(ev.Content), &c); err != nil {
			return nil, errs.Wrap(errs.InvalidArgument, err, "decode profile %s", ev.ID)
		}
	}
	p := &Profile{
		Pubkey:      ev.PubKey,
		Nickname:    c.Nickname,
		Description: c.Description,
		Relays:      tagValues(ev, TagRelay),
		Hashtags:    tagValues(ev, TagHashtag),
		Stream:      firstTag(ev, TagStream) == "true",
		UpdatedAt:   ev.CreatedAt.Time(),
	}
	for _, f := range tagValues(ev, TagFormat) {
		format, err := ParseFormat(f)
		if err != nil {
			continue
		}
		p.Formats = append(p.Formats, format)
	}
	for _, m := range tagValues(ev, TagMethod) {
		p.Methods = append(p.Methods, Method(m))
	}
	return p, nil
}

// ── Tag helpers ────────────────────────────────────────────────────────────

func firstTag(ev *nostr.Event, name string) string {
	for _, tag := range ev.Tags {
		if len(tag) >= 2 && tag[0] == name {
			return tag[1]
		}
	}
	return ""
}

func tagValues(ev *nostr.Event, name string) []string {
	var out []string
	for _, tag := range ev.Tags {
		if len(tag) >= 2 && tag[0] == name {
			out = append(out, tag[1])
		}
	}
	return out
}
