// Package botdetect classifies inbound requests as human or bot traffic.
// Classification combines an ordered rule registry with user-agent and
// header heuristics; it never fails a request, and the optional IP
// reputation oracle falls open on error.
package botdetect

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/seoshield/proxy/pkg/types"
)

// Heuristic weights. A total of botScoreThreshold or more classifies the
// request as a bot even when no registry rule matched.
const (
	scoreShortUserAgent  = 20
	scoreNoBrowserTokens = 30
	scoreBotKeyword      = 25
	scoreHTTPLibrary     = 40
	scoreForwardedFor    = 15
	scoreVia             = 10
	scoreBadReputation   = 25

	botScoreThreshold = 30

	reputationTimeout = 150 * time.Millisecond
)

var botKeywords = []string{
	"bot", "crawler", "spider", "scrape", "headless",
	"phantom", "selenium", "puppeteer",
}

var httpLibraryTokens = []string{
	"curl", "wget", "python-requests", "java/",
}

var browserTokens = []string{
	"Mozilla/", "Chrome", "Safari", "Edge",
}

// Reputation is the oracle's verdict for a client IP.
type Reputation struct {
	Reputation string // good, suspect, bad
	Category   string // datacenter, residential, bot, ...
}

// ReputationOracle is the optional external IP reputation source. It must
// be callable from the hot path; the classifier bounds every lookup with a
// short timeout and proceeds without it on error.
type ReputationOracle interface {
	Lookup(ctx context.Context, ip string) (Reputation, error)
}

// Signals are the request attributes the classifier inspects.
type Signals struct {
	UserAgent string
	Path      string
	ClientIP  string
	Header    func(name string) string
}

// Classifier produces bot classifications from request signals.
type Classifier struct {
	registry *Registry
	oracle   ReputationOracle // nil when not wired
	logger   *zap.Logger
}

// NewClassifier creates a classifier over the given registry. The oracle
// may be nil.
func NewClassifier(registry *Registry, oracle ReputationOracle, logger *zap.Logger) *Classifier {
	return &Classifier{registry: registry, oracle: oracle, logger: logger}
}

// Classify evaluates the registry rules and heuristics for one request.
func (c *Classifier) Classify(ctx context.Context, sig Signals) types.Classification {
	result := types.Classification{
		BotType: types.BotTypeHuman,
		Action:  types.ActionAllow,
	}

	// Registry rules, highest priority first. The first match fixes the
	// bot type; the effective action is the maximum across all matches.
	ruleScore := 0
	for _, rule := range c.registry.snapshot().rules {
		if !c.ruleMatches(rule, sig) {
			continue
		}
		result.RulesMatched = append(result.RulesMatched, rule.ID)
		result.Action = types.MaxAction(result.Action, rule.Action)
		if len(result.RulesMatched) == 1 {
			result.BotType = rule.BotType
			ruleScore = rule.Priority
		}
	}

	score := c.heuristicScore(ctx, sig)

	if (result.BotType != types.BotTypeHuman && len(result.RulesMatched) > 0) || score >= botScoreThreshold {
		result.IsBot = true
		if result.BotType == types.BotTypeHuman {
			result.BotType = types.BotTypeUnknown
		}
		// Heuristic-only bots render by default.
		if result.Action == types.ActionAllow && len(result.RulesMatched) == 0 {
			result.Action = types.ActionRender
		}
	}

	result.Confidence = float64(min(100, max(score, ruleScore))) / 100.0
	return result
}

func (c *Classifier) ruleMatches(rule compiledRule, sig Signals) bool {
	switch rule.Kind {
	case types.RuleKindUserAgent:
		return rule.pattern.Match(sig.UserAgent)
	case types.RuleKindIP:
		return rule.pattern.Match(sig.ClientIP)
	case types.RuleKindPath:
		return rule.pattern.Match(sig.Path)
	case types.RuleKindHeader:
		if rule.Header == "" || sig.Header == nil {
			return false
		}
		return rule.pattern.Match(sig.Header(rule.Header))
	default:
		return false
	}
}

func (c *Classifier) heuristicScore(ctx context.Context, sig Signals) int {
	score := 0
	ua := sig.UserAgent

	if len(ua) <= 20 {
		score += scoreShortUserAgent
	}

	hasBrowserToken := false
	for _, token := range browserTokens {
		if strings.Contains(ua, token) {
			hasBrowserToken = true
			break
		}
	}
	if !hasBrowserToken {
		score += scoreNoBrowserTokens
	}

	lower := strings.ToLower(ua)
	for _, kw := range botKeywords {
		if strings.Contains(lower, kw) {
			score += scoreBotKeyword
			break
		}
	}
	for _, token := range httpLibraryTokens {
		if strings.Contains(lower, token) {
			score += scoreHTTPLibrary
			break
		}
	}

	if sig.Header != nil {
		if sig.Header("X-Forwarded-For") != "" {
			score += scoreForwardedFor
		}
		if sig.Header("Via") != "" {
			score += scoreVia
		}
	}

	score += c.reputationScore(ctx, sig.ClientIP)
	return score
}

// reputationScore consults the oracle when wired. Errors and timeouts
// contribute nothing; classifier errors are never fatal.
func (c *Classifier) reputationScore(ctx context.Context, ip string) int {
	if c.oracle == nil || ip == "" {
		return 0
	}

	lookupCtx, cancel := context.WithTimeout(ctx, reputationTimeout)
	defer cancel()

	rep, err := c.oracle.Lookup(lookupCtx, ip)
	if err != nil {
		c.logger.Debug("IP reputation lookup failed, proceeding without it",
			zap.String("ip", ip),
			zap.Error(err))
		return 0
	}

	if rep.Reputation == "bad" || rep.Category == "bot" {
		return scoreBadReputation
	}
	return 0
}
