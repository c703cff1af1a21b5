package worker

import (
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/askmesh/askmesh/internal/envelope"
	"github.com/askmesh/askmesh/internal/errs"
	"github.com/askmesh/askmesh/internal/expert"
	"github.com/askmesh/askmesh/internal/lightning"
	"github.com/askmesh/askmesh/internal/llm"
	"github.com/askmesh/askmesh/internal/protocol"
	"github.com/askmesh/askmesh/internal/relaypool"
	"github.com/askmesh/askmesh/internal/store"
)

// Env keys a registry row may carry. Everything is optional; unset keys
// fall back to the worker-wide defaults.
const (
	envModel        = "MODEL"
	envBaseURL      = "BASE_URL"
	envAPIKey       = "API_KEY"
	envSystemPrompt = "SYSTEM_PROMPT"
	envDescription  = "DESCRIPTION"
	envOffer        = "OFFER"
	envHashtags     = "HASHTAGS"
	envBidSats      = "BID_SATS"
	envStream       = "STREAM"
	envFormats      = "FORMATS"
)

// Builder turns job rows into expert engines over the worker's shared
// infrastructure: one relay pool, one wallet manager, one LLM endpoint and
// optionally one context store. Its Build method is a Factory.
type Builder struct {
	Pool    *relaypool.Pool
	Wallets *lightning.Manager

	// Relays carries session traffic; DiscoveryRelays defaults to Relays.
	Relays          []string
	DiscoveryRelays []string

	// LLM is the worker-wide completion endpoint; rows override the model
	// and, when they bring their own credentials, the endpoint itself.
	LLM llm.Config

	// Contexts, when set, is shared by every hosted expert so follow-up
	// turns survive instance restarts. Nil keeps history in memory.
	Contexts expert.ContextProvider

	Log *zap.Logger
}

// Build assembles the engine for one registry row.
func (b *Builder) Build(row *store.Expert, nwc string) (Instance, error) {
	if row.Privkey == "" {
		return nil, errs.New(errs.InvalidArgument, "expert row has no private key")
	}
	wallet, err := b.Wallets.Backend(row.WalletID, nwc)
	if err != nil {
		return nil, err
	}

	log := b.Log
	if log == nil {
		log = zap.NewNop()
	}

	llmCfg := b.LLM
	if v := row.Env[envModel]; v != "" {
		llmCfg.Model = v
	}
	if v := row.Env[envBaseURL]; v != "" {
		llmCfg.BaseURL = v
	}
	if v := row.Env[envAPIKey]; v != "" {
		llmCfg.APIKey = v
	}
	gen := llm.NewClient(llmCfg, log.With(zap.String("expert", short(row.Pubkey))))

	formats, err := parseFormats(row.Env[envFormats])
	if err != nil {
		return nil, err
	}
	bidSats, err := parseSats(row.Env[envBidSats])
	if err != nil {
		return nil, err
	}

	cfg := expert.Config{
		Keypair:         envelope.Keypair{Priv: row.Privkey, Pub: row.Pubkey},
		Nickname:        row.Nickname,
		Description:     row.Env[envDescription],
		Hashtags:        splitList(row.Env[envHashtags]),
		Relays:          b.Relays,
		DiscoveryRelays: b.DiscoveryRelays,
		Formats:         formats,
		Stream:          parseBool(row.Env[envStream]),
		Model:           llmCfg.Model,
		SystemPrompt:    row.Env[envSystemPrompt],
		Offer:           row.Env[envOffer],
		BidSats:         bidSats,
	}
	return expert.New(cfg, expert.Deps{
		Pool:      b.Pool,
		Wallet:    wallet,
		Contexts:  b.Contexts,
		Generator: gen,
		Log:       log,
	})
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseFormats(s string) ([]protocol.Format, error) {
	var out []protocol.Format
	for _, part := range splitList(s) {
		f, err := protocol.ParseFormat(part)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

func parseSats(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, errs.New(errs.InvalidArgument, "bad %s value %q", envBidSats, s)
	}
	return n, nil
}

func parseBool(s string) bool {
	switch strings.ToLower(s) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
