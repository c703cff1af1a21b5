// Package expert runs the expert side of a session: watch asks, place bids,
// quote incoming prompts, verify payment proofs and serve replies.
//
// One Engine hosts one expert identity. Asks and prompts arrive over shared
// subscriptions; each prompt is then handled by its own goroutine through
// quote, proof wait and reply generation, so a slow payment or model call
// never stalls the other sessions.
package expert

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
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

const (
	defaultBidSats     = 10
	defaultQuoteExpiry = 10 * time.Minute
	defaultSessionTTL  = 10 * time.Minute
	defaultSweepEvery  = time.Minute
)

// ContextProvider stores conversation history per thread.
type ContextProvider interface {
	History(ctx context.Context, contextID string) ([]format.ChatMessage, error)
	Append(ctx context.Context, contextID string, msgs ...format.ChatMessage) error
}

// ReplyGenerator produces the expert's answer. A non-nil onDelta streams
// text chunks as they are generated; the returned response carries the full
// assembled text and usage.
type ReplyGenerator interface {
	Generate(ctx context.Context, req *format.ChatRequest, onDelta func(delta string) error) (*format.ChatResponse, error)
}

// Bid is the expert's offer for an ask: a short pitch and a headline price.
type Bid struct {
	Offer   string
	BidSats int64
}

// Hooks let callers steer engine decisions. All hooks are optional.
type Hooks struct {
	// OnAsk decides whether to bid on an ask. Returning nil ignores it.
	// When unset, every matching ask gets the configured default bid.
	OnAsk func(ctx context.Context, ask *protocol.Ask) *Bid
	// OnPrompt inspects a decoded prompt before it is quoted; returning an
	// error declines it with an error quote.
	OnPrompt func(ctx context.Context, prompt *protocol.Prompt) error
	// OnProof observes verified payment proofs.
	OnProof func(ctx context.Context, proof *protocol.Proof)
	// OnPaid observes settled earnings per prompt.
	OnPaid func(ctx context.Context, amountSats int64)
}

// Config describes one hosted expert.
type Config struct {
	Keypair     envelope.Keypair
	Nickname    string
	Description string
	Hashtags    []string

	// Relays carries session traffic (prompts in, quotes and replies out).
	Relays []string
	// DiscoveryRelays is where asks are watched and bids published.
	// Defaults to Relays.
	DiscoveryRelays []string

	Formats []protocol.Format
	Stream  bool

	Model        string
	SystemPrompt string

	// Offer and BidSats form the default bid when no OnAsk hook is set.
	Offer   string
	BidSats int64
	Pricing PricingPolicy

	QuoteExpiry time.Duration
	SessionTTL  time.Duration
	SweepEvery  time.Duration
}

// Deps are the engine's collaborators.
type Deps struct {
	Pool      *relaypool.Pool
	Wallet    lightning.Backend
	Decoder   lightning.Decoder
	Contexts  ContextProvider
	Generator ReplyGenerator
	Hooks     Hooks
	Log       *zap.Logger
}

// session tracks one client conversation between turns. The map key it
// lives under is the context id the next prompt must carry.
type session struct {
	clientPub string
	threadID  string
	priceSats int64
	invoice   *protocol.Invoice
	touched   time.Time
}

// Engine is the expert-side session engine.
type Engine struct {
	cfg    Config
	pool   *relaypool.Pool
	wallet lightning.Backend
	dec    lightning.Decoder
	ctxs   ContextProvider
	gen    ReplyGenerator
	hooks  Hooks
	log    *zap.Logger

	ready chan struct{}

	mu       sync.Mutex
	sessions map[string]*session
	cancel   context.CancelFunc
	started  bool
	closed   bool

	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New validates the config, fills defaults and builds an engine. Run must
// be called to start it.
func New(cfg Config, deps Deps) (*Engine, error) {
	if cfg.Keypair.Priv == "" || cfg.Keypair.Pub == "" {
		return nil, errs.New(errs.InvalidArgument, "expert keypair is required")
	}
	if len(cfg.Relays) == 0 {
		return nil, errs.New(errs.InvalidArgument, "expert needs at least one relay")
	}
	if deps.Pool == nil || deps.Wallet == nil || deps.Generator == nil {
		return nil, errs.New(errs.InvalidArgument, "pool, wallet and generator are required")
	}
	if len(cfg.DiscoveryRelays) == 0 {
		cfg.DiscoveryRelays = cfg.Relays
	}
	if len(cfg.Formats) == 0 {
		cfg.Formats = []protocol.Format{protocol.FormatText, protocol.FormatOpenAI}
	}
	if cfg.BidSats <= 0 {
		cfg.BidSats = defaultBidSats
	}
	if cfg.Offer == "" {
		cfg.Offer = cfg.Description
	}
	if cfg.Offer == "" {
		cfg.Offer = cfg.Nickname
	}
	if cfg.Pricing == nil {
		cfg.Pricing = FixedPricing{Sats: cfg.BidSats}
	}
	if cfg.QuoteExpiry <= 0 {
		cfg.QuoteExpiry = defaultQuoteExpiry
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = defaultSessionTTL
	}
	if cfg.SweepEvery <= 0 {
		cfg.SweepEvery = defaultSweepEvery
	}
	if deps.Decoder == nil {
		deps.Decoder = lightning.Bolt11Decoder{}
	}
	if deps.Contexts == nil {
		deps.Contexts = NewMemoryContext()
	}
	if deps.Log == nil {
		deps.Log = zap.NewNop()
	}
	return &Engine{
		cfg:      cfg,
		pool:     deps.Pool,
		wallet:   deps.Wallet,
		dec:      deps.Decoder,
		ctxs:     deps.Contexts,
		gen:      deps.Generator,
		hooks:    deps.Hooks,
		log:      deps.Log.With(zap.String("expert", short(cfg.Keypair.Pub))),
		ready:    make(chan struct{}),
		sessions: map[string]*session{},
	}, nil
}

// Pubkey returns the expert's public key.
func (e *Engine) Pubkey() string { return e.cfg.Keypair.Pub }

// Ready closes once the ask and prompt subscriptions are live, meaning a
// bid or quote published after this point cannot miss its response.
func (e *Engine) Ready() <-chan struct{} { return e.ready }

// Run publishes the profile, opens subscriptions and serves until ctx ends
// or Close is called. It returns nil on a clean shutdown.
func (e *Engine) Run(ctx context.Context) error {
	rctx, cancel := context.WithCancel(ctx)
	defer cancel()

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	if e.started {
		e.mu.Unlock()
		return errs.New(errs.InvalidArgument, "engine already running")
	}
	e.started = true
	e.cancel = cancel
	e.mu.Unlock()

	if err := e.publishProfile(rctx); err != nil {
		e.log.Warn("publish profile", zap.Error(err))
	}

	askFilters := nostr.Filters{{
		Kinds: []int{protocol.KindAsk},
		Tags:  nostr.TagMap{protocol.TagPubkey: []string{e.cfg.Keypair.Pub}},
	}}
	if len(e.cfg.Hashtags) > 0 {
		askFilters = append(askFilters, nostr.Filter{
			Kinds: []int{protocol.KindAsk},
			Tags:  nostr.TagMap{protocol.TagHashtag: e.cfg.Hashtags},
		})
	}
	askSub, err := e.pool.Subscribe(rctx, askFilters, e.cfg.DiscoveryRelays)
	if err != nil {
		return err
	}
	defer askSub.Close()

	promptSub, err := e.pool.Subscribe(rctx, nostr.Filters{{
		Kinds: []int{protocol.KindPrompt},
		Tags:  nostr.TagMap{protocol.TagPubkey: []string{e.cfg.Keypair.Pub}},
	}}, e.cfg.Relays)
	if err != nil {
		return err
	}
	defer promptSub.Close()

	for _, eose := range []<-chan struct{}{askSub.EOSE(), promptSub.EOSE()} {
		select {
		case <-eose:
		case <-rctx.Done():
			return rctx.Err()
		}
	}
	close(e.ready)
	e.log.Info("expert engine running",
		zap.Strings("hashtags", e.cfg.Hashtags),
		zap.Bool("stream", e.cfg.Stream))

	sweep := time.NewTicker(e.cfg.SweepEvery)
	defer sweep.Stop()

	for {
		select {
		case ev := <-askSub.Events():
			e.wg.Add(1)
			go func() {
				defer e.wg.Done()
				e.handleAsk(rctx, ev)
			}()
		case ev := <-promptSub.Events():
			e.wg.Add(1)
			go func() {
				defer e.wg.Done()
				e.handlePrompt(rctx, ev)
			}()
		case <-sweep.C:
			e.sweepSessions()
		case <-rctx.Done():
			e.wg.Wait()
			e.mu.Lock()
			closed := e.closed
			e.mu.Unlock()
			if closed {
				return nil
			}
			return rctx.Err()
		}
	}
}

// Close shuts the engine down. Idempotent and non-blocking; Run unwinds the
// subscriptions and in-flight sessions.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		e.mu.Lock()
		e.closed = true
		cancel := e.cancel
		e.sessions = map[string]*session{}
		e.mu.Unlock()
		if cancel != nil {
			cancel()
		}
	})
}

func (e *Engine) publishProfile(ctx context.Context) error {
	ev, err := protocol.BuildProfile(e.cfg.Keypair.Priv, &protocol.Profile{
		Nickname:    e.cfg.Nickname,
		Description: e.cfg.Description,
		Relays:      e.cfg.Relays,
		Formats:     e.cfg.Formats,
		Methods:     []protocol.Method{protocol.MethodLightning},
		Hashtags:    e.cfg.Hashtags,
		Stream:      e.cfg.Stream,
	})
	if err != nil {
		return err
	}
	_, err = e.pool.Publish(ctx, ev, union(e.cfg.Relays, e.cfg.DiscoveryRelays))
	return err
}

// ── Asks ───────────────────────────────────────────────────────────────────

func (e *Engine) handleAsk(ctx context.Context, ev *nostr.Event) {
	ask, err := protocol.ParseAsk(ev)
	if err != nil {
		e.log.Debug("dropping ask", zap.Error(err))
		return
	}
	if !e.matches(ask) {
		return
	}

	bid := e.decideBid(ctx, ask)
	if bid == nil {
		return
	}

	out := &protocol.Bid{
		ExpertPubkey: e.cfg.Keypair.Pub,
		Offer:        bid.Offer,
		BidSats:      bid.BidSats,
		Relays:       e.cfg.Relays,
	}
	if bid.BidSats > 0 {
		inv, err := e.wallet.MakeInvoice(ctx, bid.BidSats, "ask "+short(ask.ID), e.cfg.QuoteExpiry)
		if err != nil {
			e.log.Warn("bid invoice", zap.Error(err))
		} else {
			out.Invoice = &inv
		}
	}

	bidEv, err := protocol.BuildBid(e.cfg.Keypair.Priv, ask, out)
	if err != nil {
		e.log.Error("build bid", zap.Error(err))
		return
	}
	if _, err := e.pool.Publish(ctx, bidEv, e.cfg.DiscoveryRelays); err != nil {
		e.log.Warn("publish bid", zap.String("ask", short(ask.ID)), zap.Error(err))
		return
	}

	e.mu.Lock()
	if !e.closed {
		e.sessions[bidEv.ID] = &session{
			clientPub: ask.Pubkey,
			threadID:  bidEv.ID,
			priceSats: bid.BidSats,
			invoice:   out.Invoice,
			touched:   time.Now(),
		}
	}
	e.mu.Unlock()
	e.log.Info("bid placed", zap.String("ask", short(ask.ID)), zap.Int64("sats", bid.BidSats))
}

func (e *Engine) matches(ask *protocol.Ask) bool {
	for _, pk := range ask.ExpertPubkeys {
		if pk == e.cfg.Keypair.Pub {
			return true
		}
	}
	for _, h := range ask.Hashtags {
		for _, own := range e.cfg.Hashtags {
			if h == own {
				return true
			}
		}
	}
	return false
}

func (e *Engine) decideBid(ctx context.Context, ask *protocol.Ask) *Bid {
	if e.hooks.OnAsk != nil {
		return e.hooks.OnAsk(ctx, ask)
	}
	return &Bid{Offer: e.cfg.Offer, BidSats: e.cfg.BidSats}
}

// ── Prompts ────────────────────────────────────────────────────────────────

func (e *Engine) handlePrompt(ctx context.Context, ev *nostr.Event) {
	prompt, err := protocol.ParsePrompt(ev, e.cfg.Keypair.Priv)
	if err != nil {
		e.errorQuote(ctx, ev.PubKey, ev.ID, err)
		return
	}

	e.mu.Lock()
	sess := e.sessions[prompt.ContextID]
	if sess != nil && sess.clientPub == ev.PubKey {
		// Claimed: a context id is good for exactly one prompt.
		delete(e.sessions, prompt.ContextID)
	} else {
		sess = nil
	}
	e.mu.Unlock()
	if sess == nil {
		e.errorQuote(ctx, ev.PubKey, prompt.ID,
			errs.New(errs.SessionNotFound, "no session for context %s", short(prompt.ContextID)))
		return
	}

	if !e.supports(prompt.Format) {
		e.errorQuote(ctx, sess.clientPub, prompt.ID, errs.New(errs.UnsupportedFormat, "format %q", prompt.Format))
		return
	}
	req, err := format.DecodePromptRequest(prompt.Format, prompt.Content)
	if err != nil {
		e.errorQuote(ctx, sess.clientPub, prompt.ID, err)
		return
	}
	if e.hooks.OnPrompt != nil {
		if err := e.hooks.OnPrompt(ctx, prompt); err != nil {
			e.errorQuote(ctx, sess.clientPub, prompt.ID, err)
			return
		}
	}

	price := sess.priceSats
	inv := sess.invoice
	if inv == nil {
		price = e.cfg.Pricing.Price(req)
		fresh, err := e.wallet.MakeInvoice(ctx, price, "prompt "+short(prompt.ID), e.cfg.QuoteExpiry)
		if err != nil {
			e.errorQuote(ctx, sess.clientPub, prompt.ID, errs.Wrap(errs.Internal, err, "issue invoice"))
			return
		}
		inv = &fresh
	}

	quoteEv, err := protocol.BuildQuote(e.cfg.Keypair.Priv, sess.clientPub, prompt.ID,
		&protocol.Quote{Invoices: []protocol.Invoice{*inv}})
	if err != nil {
		e.log.Error("build quote", zap.Error(err))
		return
	}

	// Proofs are ephemeral, so their subscription must be live before the
	// client can learn the quote id.
	proofSub, err := e.pool.Subscribe(ctx, nostr.Filters{{
		Kinds:   []int{protocol.KindProof},
		Authors: []string{sess.clientPub},
		Tags:    nostr.TagMap{protocol.TagEvent: []string{quoteEv.ID}},
	}}, e.cfg.Relays)
	if err != nil {
		e.log.Error("subscribe proofs", zap.Error(err))
		return
	}
	defer proofSub.Close()
	select {
	case <-proofSub.EOSE():
	case <-ctx.Done():
		return
	}

	if _, err := e.pool.Publish(ctx, quoteEv, e.cfg.Relays); err != nil {
		e.log.Warn("publish quote", zap.String("prompt", short(prompt.ID)), zap.Error(err))
		return
	}
	metrics.QuotesSent.Inc()
	e.log.Info("quote sent", zap.String("prompt", short(prompt.ID)), zap.Int64("sats", inv.Amount))

	e.awaitProof(ctx, proofSub, sess, prompt, req, quoteEv.ID, *inv)
}

func (e *Engine) supports(f protocol.Format) bool {
	for _, own := range e.cfg.Formats {
		if own == f {
			return true
		}
	}
	return false
}

func (e *Engine) awaitProof(ctx context.Context, sub *relaypool.Subscription, sess *session, prompt *protocol.Prompt, req *format.ChatRequest, quoteID string, inv protocol.Invoice) {
	deadline := time.NewTimer(e.cfg.SessionTTL)
	defer deadline.Stop()
	for {
		select {
		case ev := <-sub.Events():
			proof, err := protocol.ParseProof(ev, e.cfg.Keypair.Priv)
			if err != nil || proof.QuoteID != quoteID || ev.PubKey != sess.clientPub {
				continue
			}
			e.settle(ctx, sess, prompt, req, proof, inv)
			return
		case <-deadline.C:
			e.log.Info("session expired awaiting proof", zap.String("prompt", short(prompt.ID)))
			return
		case <-ctx.Done():
			return
		}
	}
}

func (e *Engine) settle(ctx context.Context, sess *session, prompt *protocol.Prompt, req *format.ChatRequest, proof *protocol.Proof, inv protocol.Invoice) {
	if proof.Method != protocol.MethodLightning {
		metrics.ProofsVerified.WithLabelValues("failed").Inc()
		e.errorReply(ctx, sess, prompt, proof.ID, errs.New(errs.BadProof, "unsupported method %q", proof.Method))
		return
	}
	if err := lightning.Verify(ctx, e.wallet, e.dec, inv, proof.Preimage); err != nil {
		metrics.ProofsVerified.WithLabelValues("failed").Inc()
		e.log.Warn("proof rejected", zap.String("prompt", short(prompt.ID)), zap.Error(err))
		e.errorReply(ctx, sess, prompt, proof.ID, err)
		return
	}
	metrics.ProofsVerified.WithLabelValues("ok").Inc()
	if e.hooks.OnProof != nil {
		e.hooks.OnProof(ctx, proof)
	}
	if e.hooks.OnPaid != nil {
		e.hooks.OnPaid(ctx, inv.Amount)
	}
	e.serve(ctx, sess, prompt, req, proof)
}

// ── Serving ────────────────────────────────────────────────────────────────

func (e *Engine) serve(ctx context.Context, sess *session, prompt *protocol.Prompt, req *format.ChatRequest, proof *protocol.Proof) {
	history, err := e.ctxs.History(ctx, sess.threadID)
	if err != nil {
		e.errorReply(ctx, sess, prompt, proof.ID, errs.Wrap(errs.Internal, err, "load history"))
		return
	}

	msgs := make([]format.ChatMessage, 0, len(history)+len(req.Messages)+1)
	if e.cfg.SystemPrompt != "" {
		msgs = append(msgs, format.ChatMessage{Role: "system", Content: e.cfg.SystemPrompt})
	}
	msgs = append(msgs, history...)
	msgs = append(msgs, req.Messages...)

	genReq := &format.ChatRequest{
		Model:       e.cfg.Model,
		Messages:    msgs,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}

	// In stream mode deltas are published one behind, so the final delta can
	// ride the terminal reply instead of trailing it.
	chatID := "chatcmpl-" + uuid.NewString()
	var pending string
	var havePending bool
	var onDelta func(string) error
	if e.cfg.Stream {
		onDelta = func(delta string) error {
			if havePending {
				if err := e.publishChunk(ctx, sess, prompt, proof.ID, chatID, pending); err != nil {
					return err
				}
			}
			pending, havePending = delta, true
			return nil
		}
	}

	resp, err := e.gen.Generate(ctx, genReq, onDelta)
	if err != nil {
		kind := errs.KindOf(err)
		if kind == "" {
			err = errs.Wrap(errs.Internal, err, "generate reply")
		}
		e.errorReply(ctx, sess, prompt, proof.ID, err)
		return
	}

	content, err := e.terminalContent(prompt.Format, chatID, pending, resp)
	if err != nil {
		e.errorReply(ctx, sess, prompt, proof.ID, err)
		return
	}

	followup := e.followupInvoice(ctx, sess, prompt)
	replyEv, err := protocol.BuildReply(e.cfg.Keypair.Priv, sess.clientPub, prompt.Compression, &protocol.Reply{
		ProofID:         proof.ID,
		PromptID:        prompt.ID,
		Done:            true,
		Content:         content,
		FollowupInvoice: followup,
	})
	if err != nil {
		e.log.Error("build reply", zap.Error(err))
		return
	}
	// History and the re-keyed session must exist before the reply is out,
	// or a prompt racing the terminal reply misses its own session.
	turn := append(append([]format.ChatMessage{}, req.Messages...),
		format.ChatMessage{Role: "assistant", Content: resp.Text()})
	if err := e.ctxs.Append(ctx, sess.threadID, turn...); err != nil {
		e.log.Warn("append context", zap.Error(err))
	}
	e.mu.Lock()
	if !e.closed {
		// The terminal reply's id keys the next turn.
		sess.invoice = followup
		sess.touched = time.Now()
		e.sessions[replyEv.ID] = sess
	}
	e.mu.Unlock()

	if _, err := e.pool.Publish(ctx, replyEv, e.cfg.Relays); err != nil {
		e.log.Warn("publish reply", zap.String("prompt", short(prompt.ID)), zap.Error(err))
		return
	}
	metrics.RepliesSent.Inc()
	e.log.Info("reply served",
		zap.String("prompt", short(prompt.ID)),
		zap.Int64("sats", sess.priceSats),
		zap.Bool("stream", e.cfg.Stream))
}

func (e *Engine) publishChunk(ctx context.Context, sess *session, prompt *protocol.Prompt, proofID, chatID, delta string) error {
	var content json.RawMessage
	var err error
	switch prompt.Format {
	case protocol.FormatOpenAI:
		content, err = format.EncodeReplyContent(prompt.Format, format.NewChatChunk(chatID, e.cfg.Model, delta, false))
	default:
		content, err = format.EncodeReplyContent(prompt.Format, delta)
	}
	if err != nil {
		return err
	}
	ev, err := protocol.BuildReply(e.cfg.Keypair.Priv, sess.clientPub, prompt.Compression, &protocol.Reply{
		ProofID:  proofID,
		PromptID: prompt.ID,
		Content:  content,
	})
	if err != nil {
		return err
	}
	if _, err := e.pool.Publish(ctx, ev, e.cfg.Relays); err != nil {
		return err
	}
	metrics.RepliesSent.Inc()
	return nil
}

func (e *Engine) terminalContent(f protocol.Format, chatID, pending string, resp *format.ChatResponse) (json.RawMessage, error) {
	if f == protocol.FormatOpenAI {
		if e.cfg.Stream {
			return format.EncodeReplyContent(f, format.NewChatChunk(chatID, resp.Model, pending, true))
		}
		return format.EncodeReplyContent(f, resp)
	}
	if e.cfg.Stream {
		return format.EncodeReplyContent(f, pending)
	}
	return format.EncodeReplyContent(f, resp.Text())
}

func (e *Engine) followupInvoice(ctx context.Context, sess *session, prompt *protocol.Prompt) *protocol.Invoice {
	if sess.priceSats <= 0 {
		return nil
	}
	inv, err := e.wallet.MakeInvoice(ctx, sess.priceSats, "follow-up "+short(prompt.ID), e.cfg.QuoteExpiry)
	if err != nil {
		e.log.Warn("follow-up invoice", zap.Error(err))
		return nil
	}
	return &inv
}

// ── Error responses ────────────────────────────────────────────────────────

func (e *Engine) errorQuote(ctx context.Context, clientPub, promptID string, cause error) {
	kind := errs.KindOf(cause)
	if kind == "" {
		kind = errs.Internal
	}
	ev, err := protocol.BuildQuote(e.cfg.Keypair.Priv, clientPub, promptID, &protocol.Quote{
		Error: &protocol.ErrorInfo{Kind: kind, Message: cause.Error()},
	})
	if err != nil {
		e.log.Error("build error quote", zap.Error(err))
		return
	}
	if _, err := e.pool.Publish(ctx, ev, e.cfg.Relays); err != nil {
		e.log.Warn("publish error quote", zap.Error(err))
		return
	}
	metrics.QuotesSent.Inc()
	e.log.Info("prompt declined", zap.String("prompt", short(promptID)), zap.String("kind", string(kind)))
}

func (e *Engine) errorReply(ctx context.Context, sess *session, prompt *protocol.Prompt, proofID string, cause error) {
	kind := errs.KindOf(cause)
	if kind == "" {
		kind = errs.Internal
	}
	ev, err := protocol.BuildReply(e.cfg.Keypair.Priv, sess.clientPub, prompt.Compression, &protocol.Reply{
		ProofID:  proofID,
		PromptID: prompt.ID,
		Error:    &protocol.ErrorInfo{Kind: kind, Message: cause.Error()},
	})
	if err != nil {
		e.log.Error("build error reply", zap.Error(err))
		return
	}
	if _, err := e.pool.Publish(ctx, ev, e.cfg.Relays); err != nil {
		e.log.Warn("publish error reply", zap.Error(err))
		return
	}
	metrics.RepliesSent.Inc()
}

func (e *Engine) sweepSessions() {
	cutoff := time.Now().Add(-e.cfg.SessionTTL)
	e.mu.Lock()
	for id, s := range e.sessions {
		if s.touched.Before(cutoff) {
			delete(e.sessions, id)
		}
	}
	e.mu.Unlock()
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func union(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, s := range append(append([]string{}, a...), b...) {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
