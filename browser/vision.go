package browser

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/ghostflow/ghostflow/flow"
)

// VisionProvider is the LLM capability the suggester consumes: analyze an
// image (or a text-only prompt when imageBase64 is empty) and return raw
// model output.
type VisionProvider interface {
	AnalyzeImage(ctx context.Context, imageBase64 string, prompt string) (string, error)
}

// Suggestion is a vision-suggested next action.
type Suggestion struct {
	Action     flow.Action `json:"action"`
	Confidence float64     `json:"confidence"`
	Rationale  string      `json:"rationale,omitempty"`
}

// ActionSuggester turns a screenshot plus a goal into a concrete action.
// Suggested actions normalize into the fixed action variants so they flow
// through the same dispatch, retry and checkpoint path as recorded ones.
type ActionSuggester struct {
	provider VisionProvider
	logger   *zap.Logger
}

// NewActionSuggester creates a suggester.
func NewActionSuggester(provider VisionProvider, logger *zap.Logger) *ActionSuggester {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ActionSuggester{
		provider: provider,
		logger:   logger.With(zap.String("component", "action_suggester")),
	}
}

const suggestPrompt = `You are driving a web browser toward this goal: %q

Look at the screenshot and return the single next browser action as JSON:
{
  "action": {"type": "click|type|scroll|navigate|wait|select|hover", "selector": "css selector", "value": "text or url", "x": 0, "y": 0},
  "confidence": 0.0,
  "rationale": "one sentence"
}
Only return valid JSON, no markdown.`

// Suggest asks the vision provider for the next action toward goal.
func (s *ActionSuggester) Suggest(ctx context.Context, screenshot []byte, goal string) (*Suggestion, error) {
	if len(screenshot) == 0 {
		return nil, fmt.Errorf("empty screenshot")
	}

	imageB64 := base64.StdEncoding.EncodeToString(screenshot)
	response, err := s.provider.AnalyzeImage(ctx, imageB64, fmt.Sprintf(suggestPrompt, goal))
	if err != nil {
		return nil, fmt.Errorf("vision suggestion failed: %w", err)
	}

	var suggestion Suggestion
	if err := json.Unmarshal([]byte(response), &suggestion); err != nil {
		return nil, fmt.Errorf("parse vision suggestion: %w", err)
	}
	if err := normalize(&suggestion.Action); err != nil {
		return nil, err
	}

	s.logger.Debug("action suggested",
		zap.String("type", string(suggestion.Action.Type)),
		zap.Float64("confidence", suggestion.Confidence))
	return &suggestion, nil
}

// normalize validates the suggested action against the fixed variant set.
func normalize(a *flow.Action) error {
	switch a.Type {
	case flow.ActionClick, flow.ActionInput, flow.ActionScroll, flow.ActionNavigate,
		flow.ActionWait, flow.ActionSelect, flow.ActionHover, flow.ActionExtract:
		return nil
	case flow.ActionSuggested, "":
		return fmt.Errorf("vision returned non-dispatchable action type %q", a.Type)
	default:
		return fmt.Errorf("vision returned unknown action type %q", a.Type)
	}
}
