package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/mattjoyce/tether/internal/protocol"
)

const defaultThreshold = 0.5

// Base is the fallback agent: never interested, never produces a result.
type Base struct {
	threshold float64
}

// NewBase builds a Base agent. Only the threshold setting is read.
func NewBase(settings map[string]any) (Agent, error) {
	th, err := floatSetting(settings, "threshold", defaultThreshold)
	if err != nil {
		return nil, err
	}
	return &Base{threshold: th}, nil
}

func (b *Base) CalculateInterest(context.Context, protocol.Message) (float64, error) { return 0, nil }
func (b *Base) Threshold() float64                                                  { return b.threshold }
func (b *Base) ProcessMessage(context.Context, protocol.Message) (any, error)       { return nil, nil }

// Test accepts everything and echoes the message back. Useful for wiring checks
// against a coordination service.
type Test struct {
	score     float64
	threshold float64
}

// NewTest builds a Test agent. Settings: score (default 1.0), threshold.
func NewTest(settings map[string]any) (Agent, error) {
	score, err := floatSetting(settings, "score", 1.0)
	if err != nil {
		return nil, err
	}
	th, err := floatSetting(settings, "threshold", defaultThreshold)
	if err != nil {
		return nil, err
	}
	return &Test{score: score, threshold: th}, nil
}

func (a *Test) CalculateInterest(context.Context, protocol.Message) (float64, error) {
	return a.score, nil
}

func (a *Test) Threshold() float64 { return a.threshold }

func (a *Test) ProcessMessage(_ context.Context, msg protocol.Message) (any, error) {
	id, err := msg.ID()
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"message_id": id,
		"echo":       msg.String("content"),
	}, nil
}

// Keyword scores a message by the fraction of configured keywords found in one
// of its text fields (case-insensitive).
//
// Settings: keywords (list, required), field (default "content"), threshold.
type Keyword struct {
	keywords  []string
	field     string
	threshold float64
}

// NewKeyword builds a Keyword agent. It fails when no non-blank keyword is
// configured or a setting has the wrong type.
func NewKeyword(settings map[string]any) (Agent, error) {
	kws, err := stringsSetting(settings, "keywords")
	if err != nil {
		return nil, err
	}
	if len(kws) == 0 {
		return nil, fmt.Errorf("settings.keywords must list at least one keyword")
	}
	th, err := floatSetting(settings, "threshold", defaultThreshold)
	if err != nil {
		return nil, err
	}
	field := "content"
	if v, ok := settings["field"].(string); ok && strings.TrimSpace(v) != "" {
		field = v
	}

	lowered := make([]string, 0, len(kws))
	for _, kw := range kws {
		if kw = strings.ToLower(strings.TrimSpace(kw)); kw != "" {
			lowered = append(lowered, kw)
		}
	}
	if len(lowered) == 0 {
		return nil, fmt.Errorf("settings.keywords must list at least one keyword")
	}
	return &Keyword{keywords: lowered, field: field, threshold: th}, nil
}

func (k *Keyword) CalculateInterest(_ context.Context, msg protocol.Message) (float64, error) {
	matched := k.matches(msg)
	return float64(len(matched)) / float64(len(k.keywords)), nil
}

func (k *Keyword) Threshold() float64 { return k.threshold }

func (k *Keyword) ProcessMessage(_ context.Context, msg protocol.Message) (any, error) {
	matched := k.matches(msg)
	if len(matched) == 0 {
		return nil, nil
	}
	return map[string]any{
		"matched": matched,
		"field":   k.field,
	}, nil
}

func (k *Keyword) matches(msg protocol.Message) []string {
	text := strings.ToLower(msg.String(k.field))
	var matched []string
	for _, kw := range k.keywords {
		if strings.Contains(text, kw) {
			matched = append(matched, kw)
		}
	}
	return matched
}

func floatSetting(settings map[string]any, key string, def float64) (float64, error) {
	raw, ok := settings[key]
	if !ok || raw == nil {
		return def, nil
	}
	switch v := raw.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	default:
		return 0, fmt.Errorf("settings.%s must be a number (got %T)", key, raw)
	}
}

func stringsSetting(settings map[string]any, key string) ([]string, error) {
	raw, ok := settings[key]
	if !ok || raw == nil {
		return nil, nil
	}
	switch v := raw.(type) {
	case []string:
		return v, nil
	case []any:
		out := make([]string, 0, len(v))
		for i, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("settings.%s[%d] must be a string (got %T)", key, i, item)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("settings.%s must be a list (got %T)", key, raw)
	}
}
