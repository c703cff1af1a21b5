package client_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/askmesh/askmesh/internal/client"
	"github.com/askmesh/askmesh/internal/envelope"
	"github.com/askmesh/askmesh/internal/errs"
	"github.com/askmesh/askmesh/internal/expert"
	"github.com/askmesh/askmesh/internal/format"
	"github.com/askmesh/askmesh/internal/lightning"
	"github.com/askmesh/askmesh/internal/protocol"
	"github.com/askmesh/askmesh/internal/relaypool"
	"github.com/askmesh/askmesh/internal/relaytest"
)

const bidWindow = 900 * time.Millisecond

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// cannedGenerator streams fixed deltas, standing in for a model.
type cannedGenerator struct {
	deltas []string
}

func (g cannedGenerator) Generate(_ context.Context, req *format.ChatRequest, onDelta func(string) error) (*format.ChatResponse, error) {
	if onDelta != nil {
		for _, d := range g.deltas {
			if err := onDelta(d); err != nil {
				return nil, err
			}
		}
	}
	text := strings.Join(g.deltas, "")
	in := format.EstimateRequestTokens(req)
	out := format.EstimateTokens([]byte(text))
	return format.NewChatResponse("canned", text, &format.Usage{PromptTokens: in, CompletionTokens: out, TotalTokens: in + out}), nil
}

// rig is a client engine wired to a fresh relay and wallet service. Experts
// started through it share the relay and the wallet ledger, so client
// payments settle the invoices the experts look up.
type rig struct {
	relayURL string
	wallet   *relaytest.WalletService
	pool     *relaypool.Pool
	eng      *client.Engine
}

func newRig(t *testing.T, mutate func(*client.Config, *client.Deps)) *rig {
	t.Helper()
	relayURL := relaytest.NewRelay(t)
	wallet := relaytest.NewWalletService(t, relayURL)
	pool := relaypool.NewPool(zap.NewNop())
	t.Cleanup(pool.Close)

	payer, err := lightning.NewNWCClient(pool, wallet.URI(), zap.NewNop())
	if err != nil {
		t.Fatalf("payer wallet: %v", err)
	}
	cfg := client.Config{DiscoveryRelays: []string{relayURL}}
	deps := client.Deps{Pool: pool, Wallet: payer, Decoder: wallet.Decoder(), Log: zap.NewNop()}
	if mutate != nil {
		mutate(&cfg, &deps)
	}
	eng, err := client.New(cfg, deps)
	if err != nil {
		t.Fatalf("new client engine: %v", err)
	}
	t.Cleanup(eng.Close)
	return &rig{relayURL: relayURL, wallet: wallet, pool: pool, eng: eng}
}

// startExpert runs an expert engine on the rig's relay and returns its
// pubkey once its subscriptions are live.
func (r *rig) startExpert(t *testing.T, ctx context.Context, mutate func(*expert.Config, *expert.Deps)) string {
	t.Helper()
	walletClient, err := lightning.NewNWCClient(r.pool, r.wallet.URI(), zap.NewNop())
	if err != nil {
		t.Fatalf("expert wallet: %v", err)
	}
	kp, err := envelope.GenerateKeypair()
	if err != nil {
		t.Fatalf("expert keypair: %v", err)
	}
	cfg := expert.Config{
		Keypair:  kp,
		Nickname: "oracle",
		Hashtags: []string{"ai"},
		Relays:   []string{r.relayURL},
		BidSats:  10,
	}
	deps := expert.Deps{
		Pool:      r.pool,
		Wallet:    walletClient,
		Decoder:   r.wallet.Decoder(),
		Generator: cannedGenerator{deltas: []string{"The answer ", "is 42"}},
		Log:       zap.NewNop(),
	}
	if mutate != nil {
		mutate(&cfg, &deps)
	}
	eng, err := expert.New(cfg, deps)
	if err != nil {
		t.Fatalf("new expert engine: %v", err)
	}
	t.Cleanup(eng.Close)
	go eng.Run(ctx)
	select {
	case <-eng.Ready():
	case <-ctx.Done():
		t.Fatal("expert never became ready")
	}
	return eng.Pubkey()
}

func (r *rig) findOne(t *testing.T, ctx context.Context, p client.FindParams) (string, *protocol.Bid) {
	t.Helper()
	if p.Deadline == 0 {
		p.Deadline = bidWindow
	}
	askID, bids, err := r.eng.FindExperts(ctx, p)
	if err != nil {
		t.Fatalf("find experts: %v", err)
	}
	if len(bids) != 1 {
		t.Fatalf("bids = %d, want 1", len(bids))
	}
	return askID, bids[0]
}

// ── Discovery ────────────────────────────────────────────────────────────────

func TestFindExpertsValidation(t *testing.T) {
	ctx := testContext(t)
	r := newRig(t, nil)

	_, _, err := r.eng.FindExperts(ctx, client.FindParams{Summary: "anything"})
	if !errs.IsKind(err, errs.InvalidArgument) {
		t.Errorf("no targets: err = %v, want INVALID_ARGUMENT", err)
	}
	_, _, err = r.eng.FindExperts(ctx, client.FindParams{Hashtags: []string{"ai"}})
	if !errs.IsKind(err, errs.InvalidArgument) {
		t.Errorf("no summary: err = %v, want INVALID_ARGUMENT", err)
	}
}

func TestFindExpertsCollectsBids(t *testing.T) {
	ctx := testContext(t)
	r := newRig(t, nil)
	pub := r.startExpert(t, ctx, nil)

	askID, bid := r.findOne(t, ctx, client.FindParams{
		Summary:  "who knows the answer",
		Hashtags: []string{"ai"},
	})
	if bid.AskID != askID {
		t.Errorf("bid ask id = %s, want %s", bid.AskID, askID)
	}
	if bid.ExpertPubkey != pub {
		t.Errorf("bid expert = %s, want %s", bid.ExpertPubkey, pub)
	}
	if bid.BidSats != 10 {
		t.Errorf("bid sats = %d, want 10", bid.BidSats)
	}
	if len(bid.Relays) != 1 || bid.Relays[0] != r.relayURL {
		t.Errorf("bid relays = %v", bid.Relays)
	}
	if bid.Invoice == nil || bid.Invoice.Amount != 10 {
		t.Errorf("bid invoice = %+v, want a 10 sat pre-issue", bid.Invoice)
	}
}

func TestFindExpertsDirected(t *testing.T) {
	ctx := testContext(t)
	r := newRig(t, nil)
	pub := r.startExpert(t, ctx, func(cfg *expert.Config, _ *expert.Deps) {
		cfg.Hashtags = nil
	})

	_, bid := r.findOne(t, ctx, client.FindParams{
		Summary:       "directed question",
		ExpertPubkeys: []string{pub},
	})
	if bid.ExpertPubkey != pub {
		t.Errorf("bid expert = %s, want %s", bid.ExpertPubkey, pub)
	}
}

// ── Turn bookkeeping ─────────────────────────────────────────────────────────

func TestAskExpertUnknownAsk(t *testing.T) {
	ctx := testContext(t)
	r := newRig(t, nil)

	_, err := r.eng.AskExpert(ctx, client.AskParams{
		AskID:        strings.Repeat("00", 32),
		ExpertPubkey: strings.Repeat("11", 32),
		Content:      "hello",
	})
	if !errs.IsKind(err, errs.SessionNotFound) {
		t.Errorf("err = %v, want SESSION_NOT_FOUND", err)
	}
}

func TestAskExpertUnknownExpert(t *testing.T) {
	ctx := testContext(t)
	r := newRig(t, nil)
	r.startExpert(t, ctx, nil)

	askID, _ := r.findOne(t, ctx, client.FindParams{Summary: "q", Hashtags: []string{"ai"}})
	_, err := r.eng.AskExpert(ctx, client.AskParams{
		AskID:        askID,
		ExpertPubkey: strings.Repeat("22", 32),
		Content:      "hello",
	})
	if !errs.IsKind(err, errs.SessionNotFound) {
		t.Errorf("err = %v, want SESSION_NOT_FOUND", err)
	}
}

func TestConcurrentPromptGuard(t *testing.T) {
	ctx := testContext(t)
	r := newRig(t, nil)
	pub := r.startExpert(t, ctx, nil)
	askID, _ := r.findOne(t, ctx, client.FindParams{Summary: "q", Hashtags: []string{"ai"}})

	entered := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		stream, err := r.eng.AskExpert(ctx, client.AskParams{
			AskID:        askID,
			ExpertPubkey: pub,
			Content:      "slow turn",
			Callbacks: client.Callbacks{
				OnQuote: func(context.Context, *protocol.Quote) bool {
					close(entered)
					<-release
					return true
				},
			},
		})
		if err != nil {
			done <- err
			return
		}
		_, err = stream.Collect()
		done <- err
	}()

	select {
	case <-entered:
	case <-ctx.Done():
		t.Fatal("first turn never reached its quote")
	}
	_, err := r.eng.AskExpert(ctx, client.AskParams{AskID: askID, ExpertPubkey: pub, Content: "second"})
	if !errs.IsKind(err, errs.InvalidArgument) {
		t.Errorf("concurrent turn err = %v, want INVALID_ARGUMENT", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first turn: %v", err)
	}
}

func TestForgetAsk(t *testing.T) {
	ctx := testContext(t)
	r := newRig(t, nil)
	pub := r.startExpert(t, ctx, nil)
	askID, _ := r.findOne(t, ctx, client.FindParams{Summary: "q", Hashtags: []string{"ai"}})

	r.eng.ForgetAsk(askID)
	_, err := r.eng.AskExpert(ctx, client.AskParams{AskID: askID, ExpertPubkey: pub, Content: "hello"})
	if !errs.IsKind(err, errs.SessionNotFound) {
		t.Errorf("err = %v, want SESSION_NOT_FOUND", err)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	ctx := testContext(t)
	r := newRig(t, nil)

	r.eng.Close()
	r.eng.Close()
	_, _, err := r.eng.FindExperts(ctx, client.FindParams{Summary: "q", Hashtags: []string{"ai"}})
	if !errs.IsKind(err, errs.InvalidArgument) {
		t.Errorf("find after close: err = %v, want INVALID_ARGUMENT", err)
	}
	_, err = r.eng.AskExpert(ctx, client.AskParams{
		AskID:        strings.Repeat("00", 32),
		ExpertPubkey: strings.Repeat("11", 32),
		Content:      "hello",
	})
	if !errs.IsKind(err, errs.InvalidArgument) {
		t.Errorf("ask after close: err = %v, want INVALID_ARGUMENT", err)
	}
}
