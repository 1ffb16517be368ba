package botdetect

import (
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/seoshield/proxy/pkg/pattern"
	"github.com/seoshield/proxy/pkg/types"
)

// compiledRule is a registry rule with its pattern pre-compiled.
type compiledRule struct {
	types.ClassifierRule
	pattern *pattern.Pattern
}

// ruleSet is an immutable snapshot of compiled rules, sorted by descending
// priority. In-flight requests always see one coherent set.
type ruleSet struct {
	rules []compiledRule
}

// Registry holds the active rule set behind an atomic pointer so reloads
// never tear a running classification.
type Registry struct {
	current atomic.Pointer[ruleSet]
}

// NewRegistry compiles the given rules into a registry. With no rules the
// built-in defaults apply.
func NewRegistry(rules []types.ClassifierRule) (*Registry, error) {
	if len(rules) == 0 {
		rules = DefaultRules()
	}

	set, err := compileRules(rules)
	if err != nil {
		return nil, err
	}

	r := &Registry{}
	r.current.Store(set)
	return r, nil
}

// Reload swaps in a new rule set. The previous set keeps serving requests
// that already fetched it.
func (r *Registry) Reload(rules []types.ClassifierRule) error {
	set, err := compileRules(rules)
	if err != nil {
		return err
	}
	r.current.Store(set)
	return nil
}

func (r *Registry) snapshot() *ruleSet {
	return r.current.Load()
}

func compileRules(rules []types.ClassifierRule) (*ruleSet, error) {
	compiled := make([]compiledRule, 0, len(rules))
	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}
		p, err := pattern.Compile(rule.Pattern)
		if err != nil {
			return nil, fmt.Errorf("rule %q: %w", rule.ID, err)
		}
		compiled = append(compiled, compiledRule{ClassifierRule: rule, pattern: p})
	}

	sort.SliceStable(compiled, func(i, j int) bool {
		return compiled[i].Priority > compiled[j].Priority
	})

	return &ruleSet{rules: compiled}, nil
}

// DefaultRules is the built-in registry covering the major crawler families.
func DefaultRules() []types.ClassifierRule {
	return []types.ClassifierRule{
		{ID: "googlebot", Enabled: true, Kind: types.RuleKindUserAgent, Pattern: "*Googlebot*", Action: types.ActionPriority, Priority: 90, BotType: types.BotTypeGooglebot},
		{ID: "google-other", Enabled: true, Kind: types.RuleKindUserAgent, Pattern: "*Google-InspectionTool*", Action: types.ActionPriority, Priority: 88, BotType: types.BotTypeGooglebot},
		{ID: "bingbot", Enabled: true, Kind: types.RuleKindUserAgent, Pattern: "*bingbot*", Action: types.ActionPriority, Priority: 85, BotType: types.BotTypeBingbot},
		{ID: "duckduckbot", Enabled: true, Kind: types.RuleKindUserAgent, Pattern: "*DuckDuckBot*", Action: types.ActionRender, Priority: 80, BotType: types.BotTypeUnknown},
		{ID: "yandex", Enabled: true, Kind: types.RuleKindUserAgent, Pattern: "*YandexBot*", Action: types.ActionRender, Priority: 80, BotType: types.BotTypeUnknown},
		{ID: "baidu", Enabled: true, Kind: types.RuleKindUserAgent, Pattern: "*Baiduspider*", Action: types.ActionRender, Priority: 80, BotType: types.BotTypeUnknown},
		{ID: "facebook-preview", Enabled: true, Kind: types.RuleKindUserAgent, Pattern: "*facebookexternalhit*", Action: types.ActionRender, Priority: 75, BotType: types.BotTypeSocial},
		{ID: "twitter-preview", Enabled: true, Kind: types.RuleKindUserAgent, Pattern: "*Twitterbot*", Action: types.ActionRender, Priority: 75, BotType: types.BotTypeSocial},
		{ID: "linkedin-preview", Enabled: true, Kind: types.RuleKindUserAgent, Pattern: "*LinkedInBot*", Action: types.ActionRender, Priority: 75, BotType: types.BotTypeSocial},
		{ID: "slack-preview", Enabled: true, Kind: types.RuleKindUserAgent, Pattern: "*Slackbot*", Action: types.ActionRender, Priority: 75, BotType: types.BotTypeSocial},
		{ID: "whatsapp-preview", Enabled: true, Kind: types.RuleKindUserAgent, Pattern: "*WhatsApp*", Action: types.ActionRender, Priority: 75, BotType: types.BotTypeSocial},
		{ID: "uptime-monitors", Enabled: true, Kind: types.RuleKindUserAgent, Pattern: "*UptimeRobot*", Action: types.ActionAllow, Priority: 60, BotType: types.BotTypeMonitoring},
		{ID: "pingdom", Enabled: true, Kind: types.RuleKindUserAgent, Pattern: "*Pingdom*", Action: types.ActionAllow, Priority: 60, BotType: types.BotTypeMonitoring},
		{ID: "headless-chrome", Enabled: true, Kind: types.RuleKindUserAgent, Pattern: "*HeadlessChrome*", Action: types.ActionAllow, Priority: 50, BotType: types.BotTypeAutomation},
		// Named engines above carry their own rules; this fallback stays
		// clear of "bot" so it cannot demote their priority action.
		{ID: "generic-crawler", Enabled: true, Kind: types.RuleKindUserAgent, Pattern: `/(?i)(crawler|spider|scraper)\b/`, Action: types.ActionRender, Priority: 40, BotType: types.BotTypeUnknown},
	}
}
