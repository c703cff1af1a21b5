// Package client runs the asking side of a session: publish asks, collect
// bids, prompt chosen experts, pay their quotes and stream replies back.
//
// An Engine holds any number of live asks, each under its own ephemeral
// keypair. The keypair is the session secret; it never leaves the process
// and dies with the ask.
package client

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"go.uber.org/zap"

	"github.com/askmesh/askmesh/internal/envelope"
	"github.com/askmesh/askmesh/internal/errs"
	"github.com/askmesh/askmesh/internal/format"
	"github.com/askmesh/askmesh/internal/lightning"
	"github.com/askmesh/askmesh/internal/metrics"
	"github.com/askmesh/askmesh/internal/protocol"
	"github.com/askmesh/askmesh/internal/relaypool"
)

// Default waits for the three phases of a turn.
const (
	DefaultBidWait   = 5 * time.Second
	DefaultQuoteWait = 30 * time.Second
	DefaultReplyWait = 60 * time.Second
)

const (
	defaultAskTTL     = time.Hour
	defaultSweepEvery = time.Minute
	streamBuffer      = 16
)

// Callbacks let callers steer a turn. All hooks are optional and may block;
// each receives the turn's context.
type Callbacks struct {
	// OnQuote approves a priced quote. Returning false aborts the turn with
	// QUOTE_REJECTED. When unset, quotes within the amount guard pass.
	OnQuote func(ctx context.Context, quote *protocol.Quote) bool
	// OnMaxAmountExceeded decides whether to pay a quote above the limit.
	// When unset such quotes are rejected.
	OnMaxAmountExceeded func(ctx context.Context, amountSats, maxSats int64) bool
	// OnPay overrides payment. It must settle the invoice and return the
	// preimage. When unset the engine's wallet pays.
	OnPay func(ctx context.Context, inv protocol.Invoice) (preimage string, err error)
	// OnPaid observes completed payments.
	OnPaid func(ctx context.Context, amountSats int64, preimage string)
}

// Config describes the engine's defaults. Per-call parameters override them.
type Config struct {
	// DiscoveryRelays is where asks are published and bids collected.
	DiscoveryRelays []string
	// MaxAmountSats caps what a quote may charge before the amount guard
	// kicks in. Zero means no cap.
	MaxAmountSats int64

	AskTTL     time.Duration
	SweepEvery time.Duration
}

// Deps are the engine's collaborators. Wallet may be nil when every turn
// supplies an OnPay hook.
type Deps struct {
	Pool    *relaypool.Pool
	Wallet  lightning.Backend
	Decoder lightning.Decoder
	Log     *zap.Logger
}

// expertContext is the per-expert thread state within one ask. contextID is
// what the next prompt must reference; busy guards against concurrent
// prompts on the same thread.
type expertContext struct {
	bid       *protocol.Bid
	contextID string
	invoice   *protocol.Invoice
	busy      bool
}

// ask is one live session: the ephemeral keypair and a context per expert
// that bid on it.
type ask struct {
	kp       envelope.Keypair
	created  time.Time
	touched  time.Time
	contexts map[string]*expertContext
}

// Engine is the client-side session engine.
type Engine struct {
	cfg    Config
	pool   *relaypool.Pool
	wallet lightning.Backend
	dec    lightning.Decoder
	log    *zap.Logger

	mu     sync.Mutex
	asks   map[string]*ask
	closed bool

	closeOnce sync.Once
	stop      chan struct{}
}

// New validates the config, fills defaults and starts the ask sweeper.
func New(cfg Config, deps Deps) (*Engine, error) {
	if deps.Pool == nil {
		return nil, errs.New(errs.InvalidArgument, "relay pool is required")
	}
	if len(cfg.DiscoveryRelays) == 0 {
		return nil, errs.New(errs.InvalidArgument, "client needs at least one discovery relay")
	}
	if cfg.AskTTL <= 0 {
		cfg.AskTTL = defaultAskTTL
	}
	if cfg.SweepEvery <= 0 {
		cfg.SweepEvery = defaultSweepEvery
	}
	if deps.Decoder == nil {
		deps.Decoder = lightning.Bolt11Decoder{}
	}
	if deps.Log == nil {
		deps.Log = zap.NewNop()
	}
	e := &Engine{
		cfg:    cfg,
		pool:   deps.Pool,
		wallet: deps.Wallet,
		dec:    deps.Decoder,
		log:    deps.Log,
		asks:   map[string]*ask{},
		stop:   make(chan struct{}),
	}
	go e.sweep()
	return e, nil
}

// Close forgets every ask and its session secret. Idempotent; in-flight
// turns finish their relay waits but cannot re-key their contexts.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		e.mu.Lock()
		e.closed = true
		e.asks = map[string]*ask{}
		e.mu.Unlock()
		close(e.stop)
	})
}

// ForgetAsk drops an ask and its session secret.
func (e *Engine) ForgetAsk(askID string) {
	e.mu.Lock()
	delete(e.asks, askID)
	e.mu.Unlock()
}

func (e *Engine) sweep() {
	tick := time.NewTicker(e.cfg.SweepEvery)
	defer tick.Stop()
	for {
		select {
		case <-tick.C:
			cutoff := time.Now().Add(-e.cfg.AskTTL)
			e.mu.Lock()
			for id, a := range e.asks {
				if a.touched.Before(cutoff) {
					delete(e.asks, id)
				}
			}
			e.mu.Unlock()
		case <-e.stop:
			return
		}
	}
}

// ── Discovery ──────────────────────────────────────────────────────────────

// FindParams describes one ask.
type FindParams struct {
	// Summary is published in the clear; keep it anonymized.
	Summary  string
	Hashtags []string
	// ExpertPubkeys directs the ask at specific experts.
	ExpertPubkeys []string
	// MaxBidSats filters bids locally; it is never published.
	MaxBidSats int64
	// Deadline bounds the bid collection window. Defaults to DefaultBidWait.
	Deadline time.Duration
}

// FindExperts publishes an ask under a fresh ephemeral keypair and collects
// bids until the deadline. Bids are deduplicated per expert (first wins) and
// filtered by MaxBidSats; the surviving ones become the ask's expert
// contexts. The returned ask id keys every later AskExpert call.
func (e *Engine) FindExperts(ctx context.Context, p FindParams) (string, []*protocol.Bid, error) {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return "", nil, errs.New(errs.InvalidArgument, "client engine is closed")
	}
	if len(p.Hashtags) == 0 && len(p.ExpertPubkeys) == 0 {
		return "", nil, errs.New(errs.InvalidArgument, "ask needs hashtags or directed experts")
	}
	if p.Summary == "" {
		return "", nil, errs.New(errs.InvalidArgument, "ask needs a public summary")
	}
	if p.Deadline <= 0 {
		p.Deadline = DefaultBidWait
	}

	kp, err := envelope.GenerateKeypair()
	if err != nil {
		return "", nil, err
	}
	askEv, err := protocol.BuildAsk(kp, p.Summary, p.Hashtags, p.ExpertPubkeys)
	if err != nil {
		return "", nil, err
	}

	// Bids are ephemeral; the subscription must be live before the ask is.
	sub, err := e.pool.Subscribe(ctx, nostr.Filters{{
		Kinds: []int{protocol.KindBid},
		Tags:  nostr.TagMap{protocol.TagEvent: []string{askEv.ID}},
	}}, e.cfg.DiscoveryRelays)
	if err != nil {
		return "", nil, err
	}
	defer sub.Close()
	select {
	case <-sub.EOSE():
	case <-ctx.Done():
		return "", nil, ctx.Err()
	}
	if _, err := e.pool.Publish(ctx, askEv, e.cfg.DiscoveryRelays); err != nil {
		return "", nil, err
	}
	metrics.AsksPublished.Inc()
	e.log.Info("ask published",
		zap.String("ask", short(askEv.ID)),
		zap.Strings("hashtags", p.Hashtags),
		zap.Int("directed", len(p.ExpertPubkeys)))

	deadline := time.NewTimer(p.Deadline)
	defer deadline.Stop()
	var bids []*protocol.Bid
	seen := map[string]bool{}
collect:
	for {
		select {
		case ev := <-sub.Events():
			bid, err := protocol.ParseBid(ev, kp.Priv)
			if err != nil {
				e.log.Debug("dropping bid", zap.Error(err))
				continue
			}
			if seen[bid.ExpertPubkey] || len(bid.Relays) == 0 {
				continue
			}
			if p.MaxBidSats > 0 && bid.BidSats > p.MaxBidSats {
				e.log.Debug("bid over budget",
					zap.String("expert", short(bid.ExpertPubkey)),
					zap.Int64("sats", bid.BidSats))
				continue
			}
			seen[bid.ExpertPubkey] = true
			bids = append(bids, bid)
		case <-deadline.C:
			break collect
		case <-ctx.Done():
			return "", nil, ctx.Err()
		}
	}

	contexts := make(map[string]*expertContext, len(bids))
	for _, b := range bids {
		contexts[b.ExpertPubkey] = &expertContext{bid: b, contextID: b.ID, invoice: b.Invoice}
	}
	now := time.Now()
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return "", nil, errs.New(errs.InvalidArgument, "client engine is closed")
	}
	e.asks[askEv.ID] = &ask{kp: kp, created: now, touched: now, contexts: contexts}
	e.mu.Unlock()

	e.log.Info("bids collected", zap.String("ask", short(askEv.ID)), zap.Int("bids", len(bids)))
	return askEv.ID, bids, nil
}

// ── Asking ─────────────────────────────────────────────────────────────────

// AskParams describes one prompt turn toward one expert.
type AskParams struct {
	AskID        string
	ExpertPubkey string

	// Content is encoded per Format: a string for text, a chat-completion
	// request for openai.
	Content     any
	Format      protocol.Format
	Compression envelope.Compression

	// MaxAmountSats overrides the engine's amount cap for this turn.
	MaxAmountSats int64
	QuoteWait     time.Duration
	ReplyWait     time.Duration

	Callbacks Callbacks
}

// ReplyStream is a lazy, ordered sequence of reply chunks ending at the
// first terminal reply. Once C is closed, Err reports how the turn ended.
type ReplyStream struct {
	c chan *protocol.Reply

	mu  sync.Mutex
	err error
}

func newReplyStream() *ReplyStream {
	return &ReplyStream{c: make(chan *protocol.Reply, streamBuffer)}
}

// C delivers decrypted replies in arrival order and closes after the
// terminal one.
func (s *ReplyStream) C() <-chan *protocol.Reply { return s.c }

// Err reports the turn's failure, if any. Valid once C is closed.
func (s *ReplyStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Collect drains the stream and returns everything up to the terminal reply.
func (s *ReplyStream) Collect() ([]*protocol.Reply, error) {
	var replies []*protocol.Reply
	for r := range s.c {
		replies = append(replies, r)
	}
	return replies, s.Err()
}

func (s *ReplyStream) fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// AskExpert runs one prompt turn: build and publish the prompt, await the
// quote, guard the amount, pay, publish the proof and stream replies until
// the terminal one. Failures before the prompt is published leave the
// context reusable; afterwards the context id is spent, so a failed turn
// removes the expert from the ask.
func (e *Engine) AskExpert(ctx context.Context, p AskParams) (*ReplyStream, error) {
	if p.Format == "" {
		p.Format = protocol.FormatText
	}
	if p.Compression == "" {
		p.Compression = envelope.CompressionNone
	}
	if p.QuoteWait <= 0 {
		p.QuoteWait = DefaultQuoteWait
	}
	if p.ReplyWait <= 0 {
		p.ReplyWait = DefaultReplyWait
	}
	if p.MaxAmountSats <= 0 {
		p.MaxAmountSats = e.cfg.MaxAmountSats
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, errs.New(errs.InvalidArgument, "client engine is closed")
	}
	a := e.asks[p.AskID]
	if a == nil {
		e.mu.Unlock()
		return nil, errs.New(errs.SessionNotFound, "unknown ask %s", short(p.AskID))
	}
	ec := a.contexts[p.ExpertPubkey]
	if ec == nil {
		e.mu.Unlock()
		return nil, errs.New(errs.SessionNotFound, "no session with expert %s", short(p.ExpertPubkey))
	}
	if ec.busy {
		e.mu.Unlock()
		return nil, errs.New(errs.InvalidArgument, "a prompt is already in flight for expert %s", short(p.ExpertPubkey))
	}
	ec.busy = true
	a.touched = time.Now()
	kp := a.kp
	contextID := ec.contextID
	bid := ec.bid
	expected := ec.invoice
	e.mu.Unlock()

	raw, err := format.EncodePromptContent(p.Format, p.Content)
	if err != nil {
		e.keepContext(p.AskID, p.ExpertPubkey)
		return nil, err
	}
	promptEv, err := protocol.BuildPrompt(kp.Priv, p.ExpertPubkey, contextID, p.Format, p.Compression, raw)
	if err != nil {
		e.keepContext(p.AskID, p.ExpertPubkey)
		return nil, err
	}

	// Quotes are ephemeral: subscribe before the prompt goes out.
	quoteSub, err := e.pool.Subscribe(ctx, nostr.Filters{{
		Kinds:   []int{protocol.KindQuote},
		Authors: []string{p.ExpertPubkey},
		Tags:    nostr.TagMap{protocol.TagEvent: []string{promptEv.ID}},
	}}, bid.Relays)
	if err != nil {
		e.keepContext(p.AskID, p.ExpertPubkey)
		return nil, err
	}
	defer quoteSub.Close()
	select {
	case <-quoteSub.EOSE():
	case <-ctx.Done():
		e.keepContext(p.AskID, p.ExpertPubkey)
		return nil, ctx.Err()
	}
	if _, err := e.pool.Publish(ctx, promptEv, bid.Relays); err != nil {
		e.keepContext(p.AskID, p.ExpertPubkey)
		return nil, err
	}
	metrics.PromptsSent.Inc()

	quote, err := e.awaitQuote(ctx, quoteSub, kp, p, promptEv.ID)
	if err != nil {
		e.dropContext(p.AskID, p.ExpertPubkey)
		return nil, err
	}
	inv, err := e.vetQuote(ctx, p, quote, bid, expected)
	if err != nil {
		e.dropContext(p.AskID, p.ExpertPubkey)
		return nil, err
	}

	preimage, err := e.payQuote(ctx, p.Callbacks, *inv)
	if err != nil {
		e.dropContext(p.AskID, p.ExpertPubkey)
		if errs.KindOf(err) == "" {
			err = errs.Wrap(errs.PaymentFailed, err, "pay %d sats", inv.Amount)
		}
		metrics.PaymentsFailed.Inc()
		return nil, err
	}
	metrics.SatsPaid.Add(float64(inv.Amount))
	if cb := p.Callbacks.OnPaid; cb != nil {
		cb(ctx, inv.Amount, preimage)
	}

	proofEv, err := protocol.BuildProof(kp.Priv, p.ExpertPubkey, quote.ID, &protocol.Proof{
		Method:   protocol.MethodLightning,
		Preimage: preimage,
	})
	if err != nil {
		e.dropContext(p.AskID, p.ExpertPubkey)
		return nil, err
	}

	// Normal replies reference the proof, error replies the prompt; event
	// tag filters are OR, so one subscription catches both.
	replySub, err := e.pool.Subscribe(ctx, nostr.Filters{{
		Kinds:   []int{protocol.KindReply},
		Authors: []string{p.ExpertPubkey},
		Tags:    nostr.TagMap{protocol.TagEvent: []string{proofEv.ID, promptEv.ID}},
	}}, bid.Relays)
	if err != nil {
		e.dropContext(p.AskID, p.ExpertPubkey)
		return nil, err
	}
	select {
	case <-replySub.EOSE():
	case <-ctx.Done():
		replySub.Close()
		e.dropContext(p.AskID, p.ExpertPubkey)
		return nil, ctx.Err()
	}
	if _, err := e.pool.Publish(ctx, proofEv, bid.Relays); err != nil {
		replySub.Close()
		e.dropContext(p.AskID, p.ExpertPubkey)
		return nil, err
	}

	stream := newReplyStream()
	go e.consumeReplies(ctx, p, kp, replySub, stream)
	return stream, nil
}

func (e *Engine) awaitQuote(ctx context.Context, sub *relaypool.Subscription, kp envelope.Keypair, p AskParams, promptID string) (*protocol.Quote, error) {
	wait := time.NewTimer(p.QuoteWait)
	defer wait.Stop()
	for {
		select {
		case ev := <-sub.Events():
			if ev.PubKey != p.ExpertPubkey {
				continue
			}
			q, err := protocol.ParseQuote(ev, kp.Priv)
			if err != nil || q.PromptID != promptID {
				continue
			}
			return q, nil
		case <-wait.C:
			return nil, errs.New(errs.QuoteTimeout, "no quote for prompt %s within %s", short(promptID), p.QuoteWait)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// vetQuote runs the pre-payment gauntlet: expert-side errors, the OnQuote
// callback, the amount guard, and the headline and bolt-11 checks. It
// returns the invoice to pay.
func (e *Engine) vetQuote(ctx context.Context, p AskParams, quote *protocol.Quote, bid *protocol.Bid, expected *protocol.Invoice) (*protocol.Invoice, error) {
	if quote.Error != nil {
		kind := quote.Error.Kind
		if kind == "" {
			kind = errs.Internal
		}
		return nil, errs.New(kind, "expert declined: %s", quote.Error.Message)
	}
	var inv *protocol.Invoice
	for i := range quote.Invoices {
		if quote.Invoices[i].Method == protocol.MethodLightning {
			inv = &quote.Invoices[i]
			break
		}
	}
	if inv == nil {
		return nil, errs.New(errs.InvalidArgument, "quote %s offers no lightning invoice", short(quote.ID))
	}

	if cb := p.Callbacks.OnQuote; cb != nil && !cb(ctx, quote) {
		return nil, errs.New(errs.QuoteRejected, "quote %s rejected by caller", short(quote.ID))
	}
	if max := p.MaxAmountSats; max > 0 && inv.Amount > max {
		allow := p.Callbacks.OnMaxAmountExceeded
		if allow == nil || !allow(ctx, inv.Amount, max) {
			return nil, errs.New(errs.QuoteRejected, "quoted %d sats exceeds the %d sat limit", inv.Amount, max)
		}
	}

	// Headline price: what the bid advertised on the first turn, what the
	// follow-up invoice promised afterwards. Metered sessions have neither.
	headline := bid.BidSats
	if expected != nil {
		headline = expected.Amount
	}
	if headline > 0 && inv.Amount != headline {
		return nil, errs.New(errs.AmountMismatch, "quoted %d sats against a %d sat headline", inv.Amount, headline)
	}
	decoded, err := e.dec.Decode(inv.Bolt11)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(decoded.PaymentHash, inv.PaymentHash) {
		return nil, errs.New(errs.InvalidArgument, "invoice does not decode to its declared payment hash")
	}
	if err := lightning.VerifyAmount(inv.Amount, decoded.MSat); err != nil {
		return nil, err
	}
	return inv, nil
}

func (e *Engine) payQuote(ctx context.Context, cb Callbacks, inv protocol.Invoice) (string, error) {
	if cb.OnPay != nil {
		return cb.OnPay(ctx, inv)
	}
	if e.wallet == nil {
		return "", errs.New(errs.PaymentFailed, "no wallet configured and no pay hook given")
	}
	return e.wallet.PayInvoice(ctx, inv.Bolt11)
}

// consumeReplies forwards decrypted replies to the stream until the first
// terminal one, resetting the reply wait after each chunk.
func (e *Engine) consumeReplies(ctx context.Context, p AskParams, kp envelope.Keypair, sub *relaypool.Subscription, stream *ReplyStream) {
	defer sub.Close()
	defer close(stream.c)

	wait := time.NewTimer(p.ReplyWait)
	defer wait.Stop()
	for {
		select {
		case ev := <-sub.Events():
			if ev.PubKey != p.ExpertPubkey {
				continue
			}
			r, err := protocol.ParseReply(ev, kp.Priv)
			if err != nil {
				e.log.Debug("dropping reply", zap.Error(err))
				continue
			}
			if !wait.Stop() {
				<-wait.C
			}
			wait.Reset(p.ReplyWait)

			select {
			case stream.c <- r:
			case <-ctx.Done():
				stream.fail(ctx.Err())
				e.dropContext(p.AskID, p.ExpertPubkey)
				return
			}
			metrics.RepliesReceived.Inc()
			if r.Error != nil {
				kind := r.Error.Kind
				if kind == "" {
					kind = errs.Internal
				}
				stream.fail(errs.New(kind, "expert failed: %s", r.Error.Message))
				e.dropContext(p.AskID, p.ExpertPubkey)
				return
			}
			if r.Done {
				e.rekeyContext(p.AskID, p.ExpertPubkey, r)
				return
			}
		case <-wait.C:
			stream.fail(errs.New(errs.ReplyTimeout, "no reply within %s", p.ReplyWait))
			e.dropContext(p.AskID, p.ExpertPubkey)
			return
		case <-ctx.Done():
			stream.fail(ctx.Err())
			e.dropContext(p.AskID, p.ExpertPubkey)
			return
		}
	}
}

// ── Context bookkeeping ────────────────────────────────────────────────────

// keepContext releases a claimed context untouched; the turn never made it
// onto the wire.
func (e *Engine) keepContext(askID, expertPub string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if a := e.asks[askID]; a != nil {
		if ec := a.contexts[expertPub]; ec != nil {
			ec.busy = false
		}
	}
}

// dropContext removes the expert from the ask; its context id was spent by
// a turn that did not produce a new one.
func (e *Engine) dropContext(askID, expertPub string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if a := e.asks[askID]; a != nil {
		delete(a.contexts, expertPub)
	}
}

// rekeyContext points the expert's context at the terminal reply so the
// next turn continues the thread, with its follow-up invoice when present.
func (e *Engine) rekeyContext(askID, expertPub string, terminal *protocol.Reply) {
	e.mu.Lock()
	defer e.mu.Unlock()
	a := e.asks[askID]
	if a == nil {
		return
	}
	ec := a.contexts[expertPub]
	if ec == nil {
		return
	}
	ec.contextID = terminal.ID
	ec.invoice = terminal.FollowupInvoice
	ec.busy = false
	a.touched = time.Now()
}

// ── Fan-out ────────────────────────────────────────────────────────────────

// Result is one expert's outcome within an AskSelected fan-out.
type Result struct {
	ExpertPubkey string
	Replies      []*protocol.Reply
	Err          error
}

// Summary tallies a fan-out into disjoint buckets. The ask as a whole
// succeeded when Received is non-zero.
type Summary struct {
	Sent           int
	Received       int
	Failed         int
	Timeout        int
	FailedPayments int
	Results        []Result
}

// AskSelected fans one prompt out to the chosen bids, one goroutine per
// expert, and waits for every stream to end.
func (e *Engine) AskSelected(ctx context.Context, p AskParams, bids []*protocol.Bid) (*Summary, error) {
	if len(bids) == 0 {
		return nil, errs.New(errs.InvalidArgument, "no bids selected")
	}
	results := make([]Result, len(bids))
	var wg sync.WaitGroup
	for i, bid := range bids {
		wg.Add(1)
		go func(i int, expertPub string) {
			defer wg.Done()
			turn := p
			turn.ExpertPubkey = expertPub
			res := Result{ExpertPubkey: expertPub}
			stream, err := e.AskExpert(ctx, turn)
			if err != nil {
				res.Err = err
			} else {
				res.Replies, res.Err = stream.Collect()
			}
			results[i] = res
		}(i, bid.ExpertPubkey)
	}
	wg.Wait()

	s := &Summary{Sent: len(bids), Results: results}
	for _, r := range results {
		switch {
		case r.Err == nil:
			s.Received++
		case errs.IsKind(r.Err, errs.QuoteTimeout) || errs.IsKind(r.Err, errs.ReplyTimeout):
			s.Timeout++
		case errs.IsKind(r.Err, errs.PaymentFailed) ||
			errs.IsKind(r.Err, errs.InsufficientBalance) ||
			errs.IsKind(r.Err, errs.InvoiceExpired):
			s.FailedPayments++
		default:
			s.Failed++
		}
	}
	return s, nil
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
