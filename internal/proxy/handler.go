// Package proxy is the OpenAI-compatible front door of the marketplace.
// Callers speak plain chat completions; each request becomes one paid prompt
// turn toward an expert, settled over Lightning behind the scenes.
package proxy

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/askmesh/askmesh/internal/client"
	"github.com/askmesh/askmesh/internal/envelope"
	"github.com/askmesh/askmesh/internal/errs"
	"github.com/askmesh/askmesh/internal/format"
	"github.com/askmesh/askmesh/internal/protocol"
	"github.com/askmesh/askmesh/internal/store"
)

// modelPrefix turns an expert pubkey into a model name and back.
const modelPrefix = "expert:"

const listPage = 500

// ReplyStream is the slice of client.ReplyStream the proxy consumes.
type ReplyStream interface {
	C() <-chan *protocol.Reply
	Collect() ([]*protocol.Reply, error)
	Err() error
}

// Asker is the client engine surface the proxy drives. EngineAsker adapts
// the real engine; tests use a mock.
type Asker interface {
	FindExperts(ctx context.Context, p client.FindParams) (string, []*protocol.Bid, error)
	AskExpert(ctx context.Context, p client.AskParams) (ReplyStream, error)
	ForgetAsk(askID string)
}

// EngineAsker adapts a client.Engine to the Asker interface.
func EngineAsker(e *client.Engine) Asker { return engineAsker{e} }

type engineAsker struct{ eng *client.Engine }

func (a engineAsker) FindExperts(ctx context.Context, p client.FindParams) (string, []*protocol.Bid, error) {
	return a.eng.FindExperts(ctx, p)
}

func (a engineAsker) AskExpert(ctx context.Context, p client.AskParams) (ReplyStream, error) {
	stream, err := a.eng.AskExpert(ctx, p)
	if err != nil {
		return nil, err
	}
	return stream, nil
}

func (a engineAsker) ForgetAsk(askID string) { a.eng.ForgetAsk(askID) }

// Registry lists the hosted experts advertised under /v1/models.
type Registry interface {
	ListExpertsAfter(ctx context.Context, after int64, limit int64) ([]store.Expert, error)
}

// Config describes the proxy surface.
type Config struct {
	// Token guards /v1 when set. Compared in constant time.
	Token string
	// DefaultExpert answers requests whose model has no expert: prefix.
	DefaultExpert string
	// MaxAmountSats caps what one completion may cost. Zero means no cap.
	MaxAmountSats int64

	BidWait   time.Duration
	QuoteWait time.Duration
	ReplyWait time.Duration
}

// Deps are the proxy's collaborators. Registry may be nil; /v1/models then
// serves an empty list.
type Deps struct {
	Asker    Asker
	Registry Registry
	Log      *zap.Logger
}

// Handler wires the OpenAI routes onto a Gin engine.
type Handler struct {
	cfg   Config
	asker Asker
	reg   Registry
	log   *zap.Logger
}

func New(cfg Config, deps Deps) (*Handler, error) {
	if deps.Asker == nil {
		return nil, errs.New(errs.InvalidArgument, "proxy needs an asker")
	}
	if cfg.BidWait <= 0 {
		cfg.BidWait = client.DefaultBidWait
	}
	if cfg.QuoteWait <= 0 {
		cfg.QuoteWait = client.DefaultQuoteWait
	}
	if cfg.ReplyWait <= 0 {
		cfg.ReplyWait = client.DefaultReplyWait
	}
	if deps.Log == nil {
		deps.Log = zap.NewNop()
	}
	return &Handler{cfg: cfg, asker: deps.Asker, reg: deps.Registry, log: deps.Log}, nil
}

// Register mounts all routes. The health probe stays outside the token gate.
func (h *Handler) Register(r *gin.Engine) {
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	v1 := r.Group("/v1", h.authorize)
	v1.GET("/models", h.handleModels)
	v1.POST("/chat/completions", h.handleChat)
}

// authorize enforces the bearer token when one is configured.
func (h *Handler) authorize(c *gin.Context) {
	if h.cfg.Token == "" {
		return
	}
	token, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
	if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(h.cfg.Token)) != 1 {
		c.AbortWithStatusJSON(http.StatusUnauthorized, apiError("invalid api key", "invalid_request_error"))
		return
	}
}

// ── Models ─────────────────────────────────────────────────────────────────

// Model is one /v1/models entry.
type Model struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// ModelList is the /v1/models envelope.
type ModelList struct {
	Object string  `json:"object"`
	Data   []Model `json:"data"`
}

func (h *Handler) handleModels(c *gin.Context) {
	list := ModelList{Object: "list", Data: []Model{}}
	if h.reg == nil {
		c.JSON(http.StatusOK, list)
		return
	}
	var after int64
	for {
		page, err := h.reg.ListExpertsAfter(c.Request.Context(), after, listPage)
		if err != nil {
			h.log.Error("list experts", zap.Error(err))
			c.JSON(http.StatusBadGateway, apiError("expert registry unavailable", "api_error"))
			return
		}
		for _, row := range page {
			after = row.Timestamp
			if row.Disabled {
				continue
			}
			list.Data = append(list.Data, Model{
				ID:      modelPrefix + row.Pubkey,
				Object:  "model",
				Created: row.Timestamp / 1000,
				OwnedBy: row.Nickname,
			})
		}
		if int64(len(page)) < listPage {
			break
		}
	}
	c.JSON(http.StatusOK, list)
}

// ── Completions ────────────────────────────────────────────────────────────

func (h *Handler) handleChat(c *gin.Context) {
	var req format.ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, apiError("invalid request body", "invalid_request_error"))
		return
	}
	if len(req.Messages) == 0 {
		c.JSON(http.StatusBadRequest, apiError("messages must not be empty", "invalid_request_error"))
		return
	}
	expertPub, ok := strings.CutPrefix(req.Model, modelPrefix)
	if !ok || expertPub == "" {
		expertPub = h.cfg.DefaultExpert
	}
	if expertPub == "" {
		c.JSON(http.StatusNotFound, apiError(fmt.Sprintf("model %q not found", req.Model), "invalid_request_error"))
		return
	}
	label := req.Model
	if label == "" {
		label = modelPrefix + expertPub
	}

	// The ask summary travels in the clear; only its size is advertised.
	ctx := c.Request.Context()
	askID, bids, err := h.asker.FindExperts(ctx, client.FindParams{
		Summary:       fmt.Sprintf("chat completion, ~%d tokens", format.EstimateRequestTokens(&req)),
		ExpertPubkeys: []string{expertPub},
		Deadline:      h.cfg.BidWait,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	defer h.asker.ForgetAsk(askID)
	if len(bids) == 0 {
		c.JSON(http.StatusBadGateway, apiError("expert did not bid", "api_error"))
		return
	}

	// The expert picks its own model and streams at its own discretion; the
	// caller's transport preferences stay on this side.
	prompt := req
	prompt.Model = ""
	prompt.Stream = false

	stream, err := h.asker.AskExpert(ctx, client.AskParams{
		AskID:         askID,
		ExpertPubkey:  expertPub,
		Content:       &prompt,
		Format:        protocol.FormatOpenAI,
		Compression:   envelope.CompressionGzip,
		MaxAmountSats: h.cfg.MaxAmountSats,
		QuoteWait:     h.cfg.QuoteWait,
		ReplyWait:     h.cfg.ReplyWait,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	if req.Stream {
		h.streamReplies(c, label, stream)
		return
	}
	h.collectReplies(c, label, stream)
}

// collectReplies buffers the turn into one completion object. Chunk texts
// never overlap, so concatenation rebuilds the full answer whether the
// expert streamed or not.
func (h *Handler) collectReplies(c *gin.Context, label string, stream ReplyStream) {
	replies, err := stream.Collect()
	if err != nil {
		h.fail(c, err)
		return
	}
	var text strings.Builder
	var usage *format.Usage
	for _, r := range replies {
		part, derr := format.DecodeReplyText(protocol.FormatOpenAI, r.Content)
		if derr != nil {
			h.fail(c, derr)
			return
		}
		text.WriteString(part)
		if r.Done {
			if resp, rerr := format.DecodeReplyResponse(r.Content); rerr == nil && resp.Usage != nil {
				usage = resp.Usage
			}
		}
	}
	c.JSON(http.StatusOK, format.NewChatResponse(label, text.String(), usage))
}

// streamReplies relays the turn as server-sent chunks. The status line is
// committed before the first reply lands, so late failures become an error
// event instead of a status code.
func (h *Handler) streamReplies(c *gin.Context, label string, stream ReplyStream) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	id := "chatcmpl-" + uuid.NewString()
	for r := range stream.C() {
		if r.Error != nil {
			// Terminal; the stream error below carries it.
			continue
		}
		delta, err := format.DecodeReplyText(protocol.FormatOpenAI, r.Content)
		if err != nil {
			h.log.Warn("undecodable reply chunk", zap.Error(err))
			continue
		}
		writeEvent(c, format.NewChatChunk(id, label, delta, r.Done))
	}
	if err := stream.Err(); err != nil {
		h.log.Warn("completion stream failed", zap.Error(err))
		writeEvent(c, apiError(err.Error(), "api_error"))
	}
	fmt.Fprint(c.Writer, "data: [DONE]\n\n")
	c.Writer.Flush()
}

// fail maps engine failures onto OpenAI-style error responses.
func (h *Handler) fail(c *gin.Context, err error) {
	h.log.Warn("completion failed", zap.Error(err))
	switch errs.KindOf(err) {
	case errs.InvalidArgument, errs.UnsupportedFormat:
		c.JSON(http.StatusBadRequest, apiError(err.Error(), "invalid_request_error"))
	case errs.QuoteTimeout, errs.ReplyTimeout, errs.RelayTimeout:
		c.JSON(http.StatusGatewayTimeout, apiError(err.Error(), "api_error"))
	case errs.QuoteRejected, errs.AmountMismatch, errs.InsufficientBalance,
		errs.PaymentFailed, errs.InvoiceExpired:
		c.JSON(http.StatusPaymentRequired, apiError(err.Error(), "api_error"))
	default:
		c.JSON(http.StatusBadGateway, apiError(err.Error(), "api_error"))
	}
}

// apiError shapes failures the way OpenAI clients expect them.
func apiError(msg, typ string) gin.H {
	return gin.H{"error": gin.H{"message": msg, "type": typ}}
}

// writeEvent emits one SSE data line.
func writeEvent(c *gin.Context, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}
	fmt.Fprintf(c.Writer, "data: %s\n\n", raw)
	c.Writer.Flush()
}
