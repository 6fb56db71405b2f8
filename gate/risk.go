package gate

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/olavnet/olav/model"
	"github.com/olavnet/olav/tool"
)

// defaultHighRiskPatterns match destructive operations in tool names,
// argument keys, or argument values. A hit forces the gate even for
// read-class tools and biases classification high.
var defaultHighRiskPatterns = []string{
	`\breload\b`,
	`\berase\b`,
	`\bshutdown\b`,
	`\bdelete\b`,
	`\bcommit\b`,
}

// Classifier assigns a risk level to a proposed call. The gate falls back
// to pattern classification when the classifier errors.
type Classifier interface {
	Classify(ctx context.Context, desc tool.Descriptor, args map[string]any) (Risk, error)
}

// Policy configures gate classification.
type Policy struct {
	// HighRiskPatterns are regexps matched against the tool name and the
	// rendered arguments. Empty uses the built-in destructive-command set.
	HighRiskPatterns []string

	// Whitelist names argument fields considered safe to change; a write
	// touching only whitelisted fields classifies low.
	Whitelist []string

	// Graylist names fields that classify at least medium.
	Graylist []string

	// Blacklist names fields that may never be written, even with
	// approval. A high-risk call touching one is rejected outright.
	Blacklist []string

	// Classifier, when set, refines the risk level for calls the lists
	// leave ambiguous. Classifier errors degrade to pattern matching with
	// a high bias, never to a skipped gate.
	Classifier Classifier

	// DecisionTTL bounds how long a plan may wait for a decision. Zero
	// disables expiry.
	DecisionTTL time.Duration

	compiled []*regexp.Regexp
}

func (p *Policy) applyDefaults() {
	patterns := p.HighRiskPatterns
	if len(patterns) == 0 {
		patterns = defaultHighRiskPatterns
	}
	p.compiled = p.compiled[:0]
	for _, pat := range patterns {
		re, err := regexp.Compile(`(?i)` + pat)
		if err != nil {
			// A malformed operator pattern falls back to literal matching.
			re = regexp.MustCompile(`(?i)` + regexp.QuoteMeta(pat))
		}
		p.compiled = append(p.compiled, re)
	}
}

// classify decides risk and whether the call must pass through the gate.
//
// Read-class calls bypass the gate unless a high-risk pattern matches.
// Write-class calls always gate; their level comes from the field lists,
// then the classifier, then the pattern match biased high.
func (g *Gate) classify(ctx context.Context, desc tool.Descriptor, args map[string]any) (Risk, bool) {
	patternHit := g.patternHit(desc.Name, args)

	if desc.Sensitivity == tool.SensitivityRead {
		if !patternHit {
			return RiskLow, false
		}
		return RiskHigh, true
	}

	if g.fieldsIn(args, g.policy.Blacklist) {
		return RiskHigh, true
	}
	if patternHit {
		return RiskHigh, true
	}
	if g.fieldsIn(args, g.policy.Graylist) {
		return RiskMedium, true
	}
	if len(g.policy.Whitelist) > 0 && g.allFieldsIn(args, g.policy.Whitelist) {
		return RiskLow, true
	}

	if g.policy.Classifier != nil {
		risk, err := g.policy.Classifier.Classify(ctx, desc, args)
		if err == nil {
			switch risk {
			case RiskLow, RiskMedium, RiskHigh:
				return risk, true
			}
		}
		// Classifier unavailable or returned garbage: bias high.
		return RiskHigh, true
	}
	return RiskMedium, true
}

func (g *Gate) patternHit(name string, args map[string]any) bool {
	text := name + " " + renderArgs(args)
	for _, re := range g.policy.compiled {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

func (g *Gate) fieldsIn(args map[string]any, list []string) bool {
	for field := range args {
		for _, l := range list {
			if field == l {
				return true
			}
		}
	}
	return false
}

func (g *Gate) allFieldsIn(args map[string]any, list []string) bool {
	for field := range args {
		found := false
		for _, l := range list {
			if field == l {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// renderArgs flattens args for pattern matching, covering both keys and
// values.
func renderArgs(args map[string]any) string {
	b, err := json.Marshal(args)
	if err != nil {
		return fmt.Sprintf("%v", args)
	}
	return string(b)
}

// LLMClassifier asks a chat model for a structured risk verdict. Any
// malformed or out-of-range response is an error so the gate's high-bias
// fallback takes over.
type LLMClassifier struct {
	Model model.ChatModel

	// ModelName overrides the provider default when non-empty.
	ModelName string
}

const classifierPrompt = `You are a network change-risk classifier. Rate the
risk of the proposed tool call as exactly one of "low", "medium", or "high".
Destructive or service-affecting operations (reload, erase, shutdown,
delete, commit) are high. Configuration changes to descriptions, tags, or
labels are low. Everything else is medium.
Respond with JSON: {"risk": "<level>", "rationale": "<one sentence>"}`

func (c *LLMClassifier) Classify(ctx context.Context, desc tool.Descriptor, args map[string]any) (Risk, error) {
	if c.Model == nil {
		return "", fmt.Errorf("risk classifier: no model configured")
	}
	out, err := c.Model.Chat(ctx, model.ChatRequest{
		Messages: []model.Message{
			{Role: model.RoleSystem, Content: classifierPrompt},
			{Role: model.RoleUser, Content: fmt.Sprintf("tool: %s\npurpose: %s\nsensitivity: %s\nargs: %s",
				desc.Name, desc.Purpose, desc.Sensitivity, renderArgs(args))},
		},
		ResponseSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"risk":      map[string]any{"type": "string", "enum": []string{"low", "medium", "high"}},
				"rationale": map[string]any{"type": "string"},
			},
			"required": []string{"risk"},
		},
	})
	if err != nil {
		return "", fmt.Errorf("risk classifier: %w", err)
	}
	var parsed struct {
		Risk string `json:"risk"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(out.Text)), &parsed); err != nil {
		return "", fmt.Errorf("risk classifier: bad response: %w", err)
	}
	switch Risk(parsed.Risk) {
	case RiskLow, RiskMedium, RiskHigh:
		return Risk(parsed.Risk), nil
	}
	return "", fmt.Errorf("risk classifier: unknown level %q", parsed.Risk)
}
