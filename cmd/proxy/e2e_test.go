package main

// TestE2E_ChatToLightningSettlement is a full end-to-end test that exercises
// the complete marketplace pipeline:
//
//  1. Starts an in-process relay, a NIP-47 wallet service shared by every
//     party and a mock model endpoint with a canned answer.
//  2. Seeds the registry with one wallet row and one expert row.
//  3. Runs the scheduler on short clocks; a worker connects, takes the job
//     and brings the expert engine up through the stock builder.
//  4. Mounts the proxy over a fresh client engine and drives it through
//     GET /v1/models and an authenticated POST /v1/chat/completions.
//  5. Asserts the canned answer comes back with its usage attached and that
//     exactly one payment settled on the wallet service.

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/askmesh/askmesh/internal/client"
	"github.com/askmesh/askmesh/internal/docstore"
	"github.com/askmesh/askmesh/internal/envelope"
	"github.com/askmesh/askmesh/internal/format"
	"github.com/askmesh/askmesh/internal/lightning"
	"github.com/askmesh/askmesh/internal/llm"
	"github.com/askmesh/askmesh/internal/proxy"
	"github.com/askmesh/askmesh/internal/relaypool"
	"github.com/askmesh/askmesh/internal/relaytest"
	"github.com/askmesh/askmesh/internal/scheduler"
	"github.com/askmesh/askmesh/internal/store"
	"github.com/askmesh/askmesh/internal/worker"
)

const (
	e2eAnswer = "The answer is 42"
	e2eToken  = "e2e-api-token"
)

// ── helpers ───────────────────────────────────────────────────────────────────

// e2eMockModel serves an OpenAI-style completion endpoint that always
// returns the canned answer with fixed token counts.
func e2eMockModel(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/chat/completions" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		resp := format.NewChatResponse("mock-model", e2eAnswer,
			&format.Usage{PromptTokens: 12, CompletionTokens: 6, TotalTokens: 18})
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv.URL
}

// e2eWaitStarted polls the scheduler's status endpoint until the expert
// reports started, or the timeout elapses.
func e2eWaitStarted(t *testing.T, statusURL, pubkey string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		resp, err := http.Get(statusURL)
		if err != nil {
			t.Fatalf("GET /status: %v", err)
		}
		var st scheduler.Status
		err = json.NewDecoder(resp.Body).Decode(&st)
		resp.Body.Close()
		if err != nil {
			t.Fatalf("decode status: %v", err)
		}
		if st.Experts[pubkey].State == scheduler.StateStarted {
			return
		}
		time.Sleep(25 * time.Millisecond)
	}
	t.Fatalf("expert %s did not reach started within %v", pubkey[:8], timeout)
}

// ── E2E test ──────────────────────────────────────────────────────────────────

func TestE2E_ChatToLightningSettlement(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// ── 1. Relay, wallet service and mock model ──────────────────────────────
	relayURL := relaytest.NewRelay(t)
	walletSvc := relaytest.NewWalletService(t, relayURL)
	modelURL := e2eMockModel(t)

	// ── 2. Registry: one wallet row, one expert row ──────────────────────────
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	reg := store.New(rdb)

	w, err := reg.CreateWallet(ctx, "treasury", walletSvc.URI(), true)
	if err != nil {
		t.Fatalf("create wallet: %v", err)
	}
	kp, err := envelope.GenerateKeypair()
	if err != nil {
		t.Fatalf("expert keypair: %v", err)
	}
	row := &store.Expert{
		Pubkey:   kp.Pub,
		Privkey:  kp.Priv,
		Nickname: "oracle",
		WalletID: w.ID,
		Type:     "openai",
		Env: map[string]string{
			"HASHTAGS":      "e2e",
			"BID_SATS":      "10",
			"SYSTEM_PROMPT": "Answer plainly.",
		},
	}
	if err := reg.SaveExpert(ctx, row); err != nil {
		t.Fatalf("save expert: %v", err)
	}

	// ── 3. Scheduler on short clocks ─────────────────────────────────────────
	gin.SetMode(gin.TestMode)
	sched, err := scheduler.New(scheduler.Config{
		PollEvery:      100 * time.Millisecond,
		SweepEvery:     100 * time.Millisecond,
		StartTimeout:   10 * time.Second,
		StopTimeout:    5 * time.Second,
		ReconnectGrace: 5 * time.Second,
	}, scheduler.Deps{Registry: reg, Log: zap.NewNop()})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	t.Cleanup(sched.Close)
	schedMux := gin.New()
	sched.Register(schedMux)
	schedSrv := httptest.NewServer(schedMux)
	t.Cleanup(schedSrv.Close)
	go sched.Run(ctx)
	select {
	case <-sched.Ready():
	case <-ctx.Done():
		t.Fatal("scheduler never became ready")
	}

	// ── 4. Worker hosts the expert through the stock builder ─────────────────
	pool := relaypool.NewPool(zap.NewNop())
	t.Cleanup(pool.Close)
	wallets := lightning.NewManager(pool, zap.NewNop())
	t.Cleanup(wallets.Close)

	builder := &worker.Builder{
		Pool:     pool,
		Wallets:  wallets,
		Relays:   []string{relayURL},
		LLM:      llm.Config{BaseURL: modelURL, APIKey: "test-key", Model: "mock-model"},
		Contexts: docstore.NewRedisContext(rdb, 0),
		Log:      zap.NewNop(),
	}
	wk, err := worker.New(worker.Config{
		SchedulerURL: "ws" + strings.TrimPrefix(schedSrv.URL, "http") + "/ws",
		Capacity:     4,
		AskEvery:     200 * time.Millisecond,
		Backoff:      100 * time.Millisecond,
		StartWait:    10 * time.Second,
	}, worker.Deps{Factory: builder.Build, Log: zap.NewNop()})
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}
	t.Cleanup(wk.Close)
	go wk.Run(ctx)

	// ── 5. Wait until the control plane reports the expert started ───────────
	e2eWaitStarted(t, schedSrv.URL+"/status", kp.Pub, 15*time.Second)

	// ── 6. Proxy over a fresh client engine ──────────────────────────────────
	payer, err := lightning.NewNWCClient(pool, walletSvc.URI(), zap.NewNop())
	if err != nil {
		t.Fatalf("payer wallet: %v", err)
	}
	eng, err := client.New(
		client.Config{DiscoveryRelays: []string{relayURL}, MaxAmountSats: 100},
		client.Deps{Pool: pool, Wallet: payer, Decoder: walletSvc.Decoder(), Log: zap.NewNop()})
	if err != nil {
		t.Fatalf("new client engine: %v", err)
	}
	t.Cleanup(eng.Close)

	h, err := proxy.New(proxy.Config{
		Token:         e2eToken,
		MaxAmountSats: 100,
		BidWait:       time.Second,
		QuoteWait:     10 * time.Second,
		ReplyWait:     15 * time.Second,
	}, proxy.Deps{Asker: proxy.EngineAsker(eng), Registry: reg, Log: zap.NewNop()})
	if err != nil {
		t.Fatalf("new proxy: %v", err)
	}
	apiMux := gin.New()
	h.Register(apiMux)
	apiSrv := httptest.NewServer(apiMux)
	t.Cleanup(apiSrv.Close)

	// ── 7. The expert shows up in /v1/models ─────────────────────────────────
	modelsReq, err := http.NewRequestWithContext(ctx, http.MethodGet, apiSrv.URL+"/v1/models", nil)
	if err != nil {
		t.Fatalf("build models request: %v", err)
	}
	modelsReq.Header.Set("Authorization", "Bearer "+e2eToken)
	modelsResp, err := http.DefaultClient.Do(modelsReq)
	if err != nil {
		t.Fatalf("GET /v1/models: %v", err)
	}
	var models proxy.ModelList
	err = json.NewDecoder(modelsResp.Body).Decode(&models)
	modelsResp.Body.Close()
	if err != nil {
		t.Fatalf("decode models: %v", err)
	}
	if len(models.Data) != 1 || models.Data[0].ID != "expert:"+kp.Pub {
		t.Fatalf("models = %+v, want the hosted expert", models.Data)
	}
	if models.Data[0].OwnedBy != "oracle" {
		t.Errorf("model owner = %q, want oracle", models.Data[0].OwnedBy)
	}

	// ── 8. POST /v1/chat/completions returns the canned answer ───────────────
	body, err := json.Marshal(&format.ChatRequest{
		Model:    "expert:" + kp.Pub,
		Messages: []format.ChatMessage{{Role: "user", Content: "What is the answer?"}},
	})
	if err != nil {
		t.Fatalf("encode chat request: %v", err)
	}
	chatReq, err := http.NewRequestWithContext(ctx,
		http.MethodPost, apiSrv.URL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("build chat request: %v", err)
	}
	chatReq.Header.Set("Content-Type", "application/json")
	chatReq.Header.Set("Authorization", "Bearer "+e2eToken)

	chatResp, err := http.DefaultClient.Do(chatReq)
	if err != nil {
		t.Fatalf("POST /v1/chat/completions: %v", err)
	}
	raw, err := io.ReadAll(chatResp.Body)
	chatResp.Body.Close()
	if err != nil {
		t.Fatalf("read completion: %v", err)
	}
	if chatResp.StatusCode != http.StatusOK {
		t.Fatalf("POST /v1/chat/completions: got HTTP %d: %s", chatResp.StatusCode, raw)
	}
	var out format.ChatResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("decode completion: %v", err)
	}
	if got := out.Text(); got != e2eAnswer {
		t.Errorf("answer = %q, want %q", got, e2eAnswer)
	}
	if out.Model != "expert:"+kp.Pub {
		t.Errorf("model = %q, want the requested expert", out.Model)
	}
	if out.Usage == nil || out.Usage.TotalTokens != 18 {
		t.Errorf("usage = %+v, want the mock's 18 total tokens", out.Usage)
	}

	// ── 9. The quoted sats settled on the wallet service ─────────────────────
	if n := walletSvc.Payments(); n != 1 {
		t.Errorf("settled payments = %d, want 1", n)
	}
	t.Logf("E2E settlement confirmed: expert %s answered %q for one settled payment", kp.Pub[:8], out.Text())
}
