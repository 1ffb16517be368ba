package botdetect

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/seoshield/proxy/pkg/types"
)

const chromeUA = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36"

func newTestClassifier(t *testing.T, oracle ReputationOracle) *Classifier {
	t.Helper()
	registry, err := NewRegistry(nil)
	require.NoError(t, err)
	return NewClassifier(registry, oracle, zap.NewNop())
}

func classify(t *testing.T, c *Classifier, ua string) types.Classification {
	t.Helper()
	return c.Classify(context.Background(), Signals{
		UserAgent: ua,
		Path:      "/",
		Header:    func(string) string { return "" },
	})
}

func TestClassify_Googlebot(t *testing.T) {
	c := newTestClassifier(t, nil)

	result := classify(t, c, "Mozilla/5.0 (compatible; Googlebot/2.1; +http://www.google.com/bot.html)")
	assert.True(t, result.IsBot)
	assert.Equal(t, types.BotTypeGooglebot, result.BotType)
	assert.Equal(t, types.ActionPriority, result.Action)
	assert.Contains(t, result.RulesMatched, "googlebot")
	assert.GreaterOrEqual(t, result.Confidence, 0.9)
}

func TestClassify_Human(t *testing.T) {
	c := newTestClassifier(t, nil)

	result := classify(t, c, chromeUA)
	assert.False(t, result.IsBot)
	assert.Equal(t, types.BotTypeHuman, result.BotType)
	assert.Equal(t, types.ActionAllow, result.Action)
}

func TestClassify_CurlHeuristics(t *testing.T) {
	c := newTestClassifier(t, nil)

	// curl: short UA (+20), no browser tokens (+30), http library (+40).
	result := classify(t, c, "curl/8.4.0")
	assert.True(t, result.IsBot)
	assert.Equal(t, types.BotTypeUnknown, result.BotType)
	assert.Equal(t, types.ActionRender, result.Action)
	assert.Empty(t, result.RulesMatched)
	assert.GreaterOrEqual(t, result.Confidence, 0.9)
}

func TestClassify_EmptyUserAgent(t *testing.T) {
	c := newTestClassifier(t, nil)

	// Empty UA: +20 short, +30 no browser tokens => 50 >= threshold.
	result := classify(t, c, "")
	assert.True(t, result.IsBot)
}

func TestClassify_ProxyHeadersAlone(t *testing.T) {
	c := newTestClassifier(t, nil)

	// A real browser behind a proxy must not tip over the threshold:
	// X-Forwarded-For (+15) + Via (+10) = 25 < 30.
	result := c.Classify(context.Background(), Signals{
		UserAgent: chromeUA,
		Path:      "/",
		Header: func(name string) string {
			switch name {
			case "X-Forwarded-For":
				return "203.0.113.9"
			case "Via":
				return "1.1 proxy"
			default:
				return ""
			}
		},
	})
	assert.False(t, result.IsBot)
}

func TestClassify_ActionIsMaxAcrossMatches(t *testing.T) {
	rules := []types.ClassifierRule{
		{ID: "render-rule", Enabled: true, Kind: types.RuleKindUserAgent, Pattern: "*specialbot*", Action: types.ActionRender, Priority: 90, BotType: types.BotTypeUnknown},
		{ID: "block-rule", Enabled: true, Kind: types.RuleKindUserAgent, Pattern: "*specialbot/2*", Action: types.ActionBlock, Priority: 50, BotType: types.BotTypeAutomation},
	}
	registry, err := NewRegistry(rules)
	require.NoError(t, err)
	c := NewClassifier(registry, nil, zap.NewNop())

	result := classify(t, c, "specialbot/2.0")
	assert.True(t, result.IsBot)
	// First (highest priority) match fixes the type...
	assert.Equal(t, types.BotTypeUnknown, result.BotType)
	// ...but block wins over render across all matches.
	assert.Equal(t, types.ActionBlock, result.Action)
	assert.ElementsMatch(t, []string{"render-rule", "block-rule"}, result.RulesMatched)
}

func TestClassify_DisabledRulesSkipped(t *testing.T) {
	rules := []types.ClassifierRule{
		{ID: "off", Enabled: false, Kind: types.RuleKindUserAgent, Pattern: "*Googlebot*", Action: types.ActionBlock, Priority: 99, BotType: types.BotTypeGooglebot},
	}
	registry, err := NewRegistry(rules)
	require.NoError(t, err)
	c := NewClassifier(registry, nil, zap.NewNop())

	result := classify(t, c, "Mozilla/5.0 Chrome Safari Googlebot-ish but human tokens everywhere")
	assert.Empty(t, result.RulesMatched)
}

type failingOracle struct{}

func (failingOracle) Lookup(ctx context.Context, ip string) (Reputation, error) {
	return Reputation{}, errors.New("oracle down")
}

type badIPOracle struct{}

func (badIPOracle) Lookup(ctx context.Context, ip string) (Reputation, error) {
	return Reputation{Reputation: "bad", Category: "bot"}, nil
}

func TestClassify_OracleFallsOpen(t *testing.T) {
	c := newTestClassifier(t, failingOracle{})

	result := c.Classify(context.Background(), Signals{
		UserAgent: chromeUA,
		ClientIP:  "203.0.113.9",
		Header:    func(string) string { return "" },
	})
	assert.False(t, result.IsBot)
}

func TestClassify_OracleBadReputation(t *testing.T) {
	c := newTestClassifier(t, badIPOracle{})

	// Proxy headers (25) + bad reputation (25) crosses the threshold.
	result := c.Classify(context.Background(), Signals{
		UserAgent: chromeUA,
		ClientIP:  "203.0.113.9",
		Header: func(name string) string {
			switch name {
			case "X-Forwarded-For":
				return "203.0.113.9"
			case "Via":
				return "1.1 proxy"
			default:
				return ""
			}
		},
	})
	assert.True(t, result.IsBot)
}

func TestRegistry_Reload(t *testing.T) {
	registry, err := NewRegistry(nil)
	require.NoError(t, err)

	err = registry.Reload([]types.ClassifierRule{
		{ID: "only", Enabled: true, Kind: types.RuleKindUserAgent, Pattern: "*mybot*", Action: types.ActionRender, Priority: 10, BotType: types.BotTypeUnknown},
	})
	require.NoError(t, err)

	c := NewClassifier(registry, nil, zap.NewNop())
	result := classify(t, c, "mybot/1.0 Mozilla/ Chrome Safari padding padding")
	assert.Contains(t, result.RulesMatched, "only")

	// Invalid reload leaves the previous set intact.
	err = registry.Reload([]types.ClassifierRule{
		{ID: "broken", Enabled: true, Kind: types.RuleKindUserAgent, Pattern: "/([bad/", Action: types.ActionRender, Priority: 10},
	})
	assert.Error(t, err)
	result = classify(t, c, "mybot/1.0 Mozilla/ Chrome Safari padding padding")
	assert.Contains(t, result.RulesMatched, "only")
}
