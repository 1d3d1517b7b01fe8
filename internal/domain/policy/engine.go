package policy

import (
	"fmt"
	"log/slog"
	"path"
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"
	celgo "github.com/google/cel-go/cel"

	"github.com/agentpass/agentpass/internal/adapter/outbound/cel"
	"github.com/agentpass/agentpass/internal/config"
	"github.com/agentpass/agentpass/internal/domain/request"
)

// defaultCacheSize bounds the decision cache.
const defaultCacheSize = 1024

// Action is a rule's configured action.
type Action string

const (
	ActionAllow Action = "allow"
	ActionDeny  Action = "deny"
	ActionAsk   Action = "ask"
)

// Decision returns the request decision a matching rule produces.
func (a Action) Decision() request.Decision {
	switch a {
	case ActionAllow:
		return request.DecisionAllow
	case ActionDeny:
		return request.DecisionDeny
	default:
		return request.DecisionAsk
	}
}

// Rule is one compiled policy entry.
type Rule struct {
	Pattern     string
	Action      Action
	Description string

	// condition is nil unless the rule declared a CEL condition.
	condition celgo.Program
}

// matches reports whether the rule applies to the request. Condition
// evaluation errors fail closed: the rule is treated as matching for
// deny rules and as not matching otherwise.
func (r *Rule) matches(e *Engine, signature, tool string, args map[string]string) bool {
	ok, err := path.Match(r.Pattern, signature)
	if err != nil || !ok {
		return false
	}
	if r.condition == nil {
		return true
	}
	result, err := e.evaluator.Evaluate(r.condition, tool, args)
	if err != nil {
		e.logger.Warn("rule condition evaluation failed",
			"pattern", r.Pattern, "error", err)
		return r.Action == ActionDeny
	}
	return result
}

// Engine evaluates request signatures against the configured rules with
// deny > allow > ask precedence, then defaults in declaration order,
// then ASK. Immutable after NewEngine.
type Engine struct {
	rules     []Rule
	defaults  []Rule
	evaluator *cel.Evaluator
	cache     *decisionCache
	logger    *slog.Logger
}

// NewEngine compiles the permission set. Invalid glob patterns and
// invalid CEL conditions are fatal configuration errors.
func NewEngine(perms *config.PermissionsFile, logger *slog.Logger) (*Engine, error) {
	evaluator, err := cel.NewEvaluator()
	if err != nil {
		return nil, err
	}

	e := &Engine{
		evaluator: evaluator,
		cache:     newDecisionCache(defaultCacheSize),
		logger:    logger.With("component", "policy"),
	}

	e.rules, err = compileRules(perms.Rules, evaluator, "rules")
	if err != nil {
		return nil, err
	}
	e.defaults, err = compileRules(perms.Defaults, evaluator, "defaults")
	if err != nil {
		return nil, err
	}

	return e, nil
}

func compileRules(configs []config.RuleConfig, evaluator *cel.Evaluator, section string) ([]Rule, error) {
	rules := make([]Rule, 0, len(configs))
	for i, rc := range configs {
		// Surface malformed globs at load time rather than silently
		// never matching.
		if _, err := path.Match(rc.Pattern, ""); err != nil {
			return nil, fmt.Errorf("%s[%d]: invalid pattern %q: %w", section, i, rc.Pattern, err)
		}
		rule := Rule{
			Pattern:     rc.Pattern,
			Action:      Action(rc.Action),
			Description: rc.Description,
		}
		if rc.Condition != "" {
			prg, err := evaluator.Compile(rc.Condition)
			if err != nil {
				return nil, fmt.Errorf("%s[%d]: invalid condition: %w", section, i, err)
			}
			rule.condition = prg
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

// Evaluate returns the decision for a request signature.
//
// Precedence: any matching deny rule wins over any matching allow, which
// wins over any matching ask, regardless of specificity or order. A broad
// deny over a narrow allow still denies. Defaults are walked in order,
// first match wins. No match at all falls back to ASK.
func (e *Engine) Evaluate(signature, tool string, args map[string]string) request.Decision {
	key := cacheKey(signature, tool, args)
	if d, ok := e.cache.get(key); ok {
		return d
	}

	decision := e.evaluate(signature, tool, args)
	e.cache.put(key, decision)
	return decision
}

func (e *Engine) evaluate(signature, tool string, args map[string]string) request.Decision {
	for _, action := range []Action{ActionDeny, ActionAllow, ActionAsk} {
		for i := range e.rules {
			rule := &e.rules[i]
			if rule.Action != action {
				continue
			}
			if rule.matches(e, signature, tool, args) {
				return action.Decision()
			}
		}
	}

	for i := range e.defaults {
		rule := &e.defaults[i]
		if rule.matches(e, signature, tool, args) {
			return rule.Action.Decision()
		}
	}

	return request.DecisionAsk
}

// cacheKey hashes the full evaluation input. Decisions are pure
// functions of (signature, tool, args) and the immutable rule set, so
// cached entries never go stale.
func cacheKey(signature, tool string, args map[string]string) uint64 {
	h := xxhash.New()
	_, _ = h.WriteString(signature)
	_, _ = h.Write([]byte{0})
	_, _ = h.WriteString(tool)
	_, _ = h.Write([]byte{0})

	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		_, _ = h.WriteString(k)
		_, _ = h.Write([]byte{1})
		_, _ = h.WriteString(args[k])
		_, _ = h.Write([]byte{0})
	}
	return h.Sum64()
}

// lruEntry is a doubly-linked list node for the decision cache.
type lruEntry struct {
	key      uint64
	decision request.Decision
	prev     *lruEntry
	next     *lruEntry
}

// decisionCache is a bounded LRU over evaluation results. Thread-safe
// with a mutex; both get and put mutate LRU order.
type decisionCache struct {
	mu      sync.Mutex
	entries map[uint64]*lruEntry
	head    *lruEntry // most recently used
	tail    *lruEntry // least recently used
	maxSize int
}

func newDecisionCache(maxSize int) *decisionCache {
	return &decisionCache{
		entries: make(map[uint64]*lruEntry, maxSize),
		maxSize: maxSize,
	}
}

func (c *decisionCache) get(key uint64) (request.Decision, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		c.moveToHeadLocked(e)
		return e.decision, true
	}
	return "", false
}

func (c *decisionCache) put(key uint64, decision request.Decision) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		e.decision = decision
		c.moveToHeadLocked(e)
		return
	}

	if len(c.entries) >= c.maxSize {
		c.evictTailLocked()
	}

	e := &lruEntry{key: key, decision: decision}
	c.entries[key] = e
	c.pushHeadLocked(e)
}

func (c *decisionCache) moveToHeadLocked(e *lruEntry) {
	if c.head == e {
		return
	}
	c.unlinkLocked(e)
	c.pushHeadLocked(e)
}

func (c *decisionCache) pushHeadLocked(e *lruEntry) {
	e.prev = nil
	e.next = c.head
	if c.head != nil {
		c.head.prev = e
	}
	c.head = e
	if c.tail == nil {
		c.tail = e
	}
}

func (c *decisionCache) unlinkLocked(e *lruEntry) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		c.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		c.tail = e.prev
	}
	e.prev = nil
	e.next = nil
}

func (c *decisionCache) evictTailLocked() {
	if c.tail == nil {
		return
	}
	delete(c.entries, c.tail.key)
	c.unlinkLocked(c.tail)
}
