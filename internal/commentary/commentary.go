// Package commentary forwards the latest snapshot to an OpenAI-compatible
// chat endpoint and keeps the reply.
package commentary

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"fundflow/config"
	"fundflow/internal/market"
	"fundflow/internal/metrics"
	"fundflow/internal/report"
	"fundflow/logger"
)

const component = "commentary"

// ErrNoSnapshot is returned while the poller has not published anything.
var ErrNoSnapshot = errors.New("no snapshot to comment on")

// Note is one model reply about one snapshot.
type Note struct {
	Text             string    `json:"text"`
	Model            string    `json:"model"`
	SnapshotSeq      uint64    `json:"snapshot_seq"`
	SnapshotAt       time.Time `json:"snapshot_at"`
	CreatedAt        time.Time `json:"created_at"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
}

type Option func(*Commentator)

// WithRanking sets the lookback and list size of the rankings sent along
// with the table.
func WithRanking(lookback time.Duration, topN int) Option {
	return func(c *Commentator) {
		if lookback > 0 {
			c.lookback = lookback
		}
		if topN > 0 {
			c.topN = topN
		}
	}
}

// WithInputs adds net flow rankings and seeded baselines to the prompt.
func WithInputs(src report.InputSource) Option {
	return func(c *Commentator) { c.inputs = src }
}

func WithHTTPClient(client *http.Client) Option {
	return func(c *Commentator) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// Commentator asks the model about each new snapshot. The prompt is the
// configured system prompt plus the rendered table; nothing else is added.
type Commentator struct {
	cfg        config.CommentaryConfig
	reader     market.Reader
	log        *logger.Log
	httpClient *http.Client
	client     *openai.Client
	lookback   time.Duration
	topN       int
	inputs     report.InputSource
	now        func() time.Time

	last atomic.Pointer[Note]
}

func New(cfg config.CommentaryConfig, reader market.Reader, log *logger.Log, opts ...Option) (*Commentator, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("commentary api key is required")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("commentary model is required")
	}
	if log == nil {
		log = logger.GetLogger()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	c := &Commentator{
		cfg:      cfg,
		reader:   reader,
		log:      log,
		lookback: 4 * time.Hour,
		topN:     10,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	clientCfg.HTTPClient = c.httpClient
	c.client = openai.NewClientWithConfig(clientCfg)

	log.WithComponent(component).WithFields(logger.Fields{
		"model":    cfg.Model,
		"base_url": clientCfg.BaseURL,
	}).Info("commentary client initialized")
	return c, nil
}

// Prompt renders the user message for snap.
func (c *Commentator) Prompt(snap *market.Snapshot) string {
	return report.Text(snap, c.reader.History(math.MaxInt32), c.lookback, c.topN, report.CurrentInputs(c.inputs))
}

// Comment asks the model about the latest snapshot. A snapshot that was
// already commented on is not sent again.
func (c *Commentator) Comment(ctx context.Context) (Note, error) {
	snap := c.reader.Latest()
	if snap == nil {
		return Note{}, ErrNoSnapshot
	}
	if last := c.last.Load(); last != nil && last.SnapshotSeq == snap.Seq() {
		return *last, nil
	}

	log := c.log.WithComponent(component).WithFields(logger.Fields{
		"model": c.cfg.Model,
		"seq":   snap.Seq(),
	})

	messages := make([]openai.ChatCompletionMessage, 0, 2)
	if c.cfg.SystemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: c.cfg.SystemPrompt})
	}
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: c.Prompt(snap)})

	start := time.Now()
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:     c.cfg.Model,
		Messages:  messages,
		MaxTokens: c.cfg.MaxTokens,
	})
	if err != nil {
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) {
			log = log.WithField("status", apiErr.HTTPStatusCode)
		}
		log.WithError(err).Warn("chat completion failed")
		return Note{}, fmt.Errorf("chat completion: %w", err)
	}
	logger.LogPerformanceEntry(log, component, "chat_completion", time.Since(start), nil)

	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return Note{}, fmt.Errorf("chat completion: empty reply")
	}

	note := Note{
		Text:             strings.TrimSpace(resp.Choices[0].Message.Content),
		Model:            c.cfg.Model,
		SnapshotSeq:      snap.Seq(),
		SnapshotAt:       snap.TakenAt(),
		CreatedAt:        c.now(),
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
	}
	if resp.Model != "" {
		note.Model = resp.Model
	}
	c.last.Store(&note)

	metrics.EmitMetric(c.log, component, "commentary_tokens", resp.Usage.TotalTokens, metrics.TypeCounter, logger.Fields{"model": note.Model})
	log.WithField("tokens", resp.Usage.TotalTokens).Info("commentary updated")
	return note, nil
}

// Last returns the most recent reply.
func (c *Commentator) Last() (Note, bool) {
	if n := c.last.Load(); n != nil {
		return *n, true
	}
	return Note{}, false
}

// Run comments once per interval until ctx is canceled.
func (c *Commentator) Run(ctx context.Context) {
	interval := c.cfg.Interval
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	log := c.log.WithComponent(component)
	log.WithField("interval", interval.String()).Info("starting commentary loop")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info("commentary loop stopped")
			return
		case <-ticker.C:
			if _, err := c.Comment(ctx); err != nil && !errors.Is(err, ErrNoSnapshot) && ctx.Err() == nil {
				log.WithError(err).Warn("commentary cycle failed")
			}
		}
	}
}
