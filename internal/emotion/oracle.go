package emotion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/nidhogg/ris/internal/provider"
	"go.uber.org/zap"
)

// ChatClient is the slice of an LLM provider the oracle needs.
// *provider.Router and every provider.Provider satisfy it.
type ChatClient interface {
	Chat(ctx context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error)
}

const oracleSystemPrompt = `You analyse the emotion of a short personal account using the PAD model.
Return exactly one JSON object and nothing else:
{"pad_values": {"pleasure": <-1..1>, "arousal": <-1..1>, "dominance": <-1..1>},
 "tags": [<short emotion words>],
 "confidence": <0..1>}
pleasure: -1 very unpleasant, 1 very pleasant.
arousal: -1 very calm, 1 very excited.
dominance: -1 feeling controlled, 1 feeling in control.
The text may be in any language.`

// Oracle scores text by asking an LLM. It blocks on the network and
// should be wrapped in a Fallback.
type Oracle struct {
	client     ChatClient
	model      string
	thresholds Thresholds
	logger     *zap.Logger
}

// NewOracle creates an oracle scorer. An empty model lets the provider use
// its configured default.
func NewOracle(client ChatClient, model string, th Thresholds, logger *zap.Logger) *Oracle {
	return &Oracle{client: client, model: model, thresholds: th, logger: logger}
}

type oracleReply struct {
	PAD struct {
		Pleasure  *float64 `json:"pleasure"`
		Arousal   *float64 `json:"arousal"`
		Dominance *float64 `json:"dominance"`
	} `json:"pad_values"`
	// Scale is "unit" when the model answered on [0,1] instead of [-1,1].
	Scale            string   `json:"scale"`
	Tags             []string `json:"tags"`
	DetectedEmotions []string `json:"detected_emotions"`
	Confidence       *float64 `json:"confidence"`
}

var errMalformed = errors.New("malformed oracle reply")

// Score implements Scorer. Every failure is wrapped in ErrOracleUnavailable.
func (o *Oracle) Score(ctx context.Context, text string) (*Result, error) {
	resp, err := o.client.Chat(ctx, &provider.ChatRequest{
		Model: o.model,
		Messages: []provider.Message{
			{Role: "system", Content: oracleSystemPrompt},
			{Role: "user", Content: text},
		},
		Temperature: 0.1,
		MaxTokens:   256,
		JSONOnly:    true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrOracleUnavailable, err)
	}
	res, err := o.parse(resp.Content)
	if err != nil {
		o.logger.Debug("oracle reply rejected", zap.String("content", resp.Content), zap.Error(err))
		return nil, fmt.Errorf("%w: %w", ErrOracleUnavailable, err)
	}
	return res, nil
}

func (o *Oracle) parse(content string) (*Result, error) {
	start, end := strings.Index(content, "{"), strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("%w: no JSON object", errMalformed)
	}
	var reply oracleReply
	if err := json.Unmarshal([]byte(content[start:end+1]), &reply); err != nil {
		return nil, fmt.Errorf("%w: %v", errMalformed, err)
	}
	if reply.PAD.Pleasure == nil || reply.PAD.Arousal == nil || reply.PAD.Dominance == nil {
		return nil, fmt.Errorf("%w: missing pad_values", errMalformed)
	}
	pad := PAD{Pleasure: *reply.PAD.Pleasure, Arousal: *reply.PAD.Arousal, Dominance: *reply.PAD.Dominance}
	if reply.Scale == "unit" {
		pad = PAD{Pleasure: 2*pad.Pleasure - 1, Arousal: 2*pad.Arousal - 1, Dominance: 2*pad.Dominance - 1}
	}
	if !pad.Valid() {
		return nil, fmt.Errorf("%w: pad_values out of range", errMalformed)
	}

	confidence := 0.5
	if reply.Confidence != nil {
		confidence = *reply.Confidence
		if confidence < 0 || confidence > 1 {
			return nil, fmt.Errorf("%w: confidence out of range", errMalformed)
		}
	}
	tags := reply.Tags
	if len(tags) == 0 {
		tags = reply.DetectedEmotions
	}
	if tags == nil {
		tags = []string{}
	}
	return &Result{
		PAD:        pad,
		Label:      o.thresholds.Label(pad.Pleasure),
		Tags:       tags,
		Confidence: confidence,
		Strategy:   StrategyOracle,
	}, nil
}
