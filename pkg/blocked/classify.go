// Callsite classification: decides which spans represent task polls.
// Results are cached per callsite since every spawn from a location reuses it.
package blocked

import (
	"errors"
	"path"
	"strings"
	"sync"
	"sync/atomic"
)

// ReservedTarget prefixes every target this package emits under. Callsites
// with this prefix are never instrumented.
const ReservedTarget = "blockwatch"

var errEmptyRuleName = errors.New("classify rule: name must not be empty")

// Rule matches callsites by name and target using path.Match patterns.
// An empty Target matches any target.
type Rule struct {
	Name   string `mapstructure:"name" yaml:"name"`
	Target string `mapstructure:"target" yaml:"target,omitempty"`
}

// DefaultRules recognises the task and async-op poll spans emitted by
// instrumented runtimes.
var DefaultRules = []Rule{
	{Name: "runtime.spawn", Target: "*::task"},
	{Name: "runtime.resource.async_op"},
	{Name: "runtime.resource.async_op.poll"},
}

// Validate reports a malformed pattern.
func (r Rule) Validate() error {
	if r.Name == "" {
		return errEmptyRuleName
	}
	if _, err := path.Match(r.Name, ""); err != nil {
		return err
	}
	if r.Target != "" {
		if _, err := path.Match(r.Target, ""); err != nil {
			return err
		}
	}
	return nil
}

func (r Rule) matches(cs *Callsite) bool {
	ok, err := path.Match(r.Name, cs.Name)
	if err != nil || !ok {
		return false
	}
	if r.Target == "" {
		return true
	}
	ok, err = path.Match(r.Target, cs.Target)
	return err == nil && ok
}

// Classifier decides whether spans from a callsite are task polls.
// Safe for concurrent use.
type Classifier struct {
	rules  []Rule
	cache  sync.Map // *Callsite -> bool
	cached atomic.Int64
}

// NewClassifier returns a classifier for the given rules, or DefaultRules
// when none are given.
func NewClassifier(rules ...Rule) *Classifier {
	if len(rules) == 0 {
		rules = DefaultRules
	}
	return &Classifier{rules: append([]Rule(nil), rules...)}
}

var defaultClassifier = sync.OnceValue(func() *Classifier { return NewClassifier() })

// DefaultClassifier returns the process-wide classifier for DefaultRules.
func DefaultClassifier() *Classifier {
	return defaultClassifier()
}

// Matches evaluates the rules without consulting the cache.
func (c *Classifier) Matches(cs *Callsite) bool {
	if cs == nil || strings.HasPrefix(cs.Target, ReservedTarget) {
		return false
	}
	for _, r := range c.rules {
		if r.matches(cs) {
			return true
		}
	}
	return false
}

// Classify reports whether cs is a task-poll callsite, caching the answer.
func (c *Classifier) Classify(cs *Callsite) bool {
	if cs == nil {
		return false
	}
	if v, ok := c.cache.Load(cs); ok {
		return v.(bool)
	}
	ok := c.Matches(cs)
	if _, loaded := c.cache.LoadOrStore(cs, ok); !loaded {
		c.cached.Add(1)
	}
	return ok
}

// Len returns the number of callsites whose classification is cached.
// Entries are never evicted, so callers that mint callsites dynamically
// should give each batch its own Classifier.
func (c *Classifier) Len() int {
	return int(c.cached.Load())
}
