package limiter

import (
	"regexp"
	"time"

	"github.com/rs/zerolog/log"
)

type options struct {
	policy       Policy
	now          func() time.Time
	timeout      time.Duration
	recorder     Recorder
	breaker      time.Duration
	preciseRetry bool
	rules        []Rule
	extractor    Extractor
}

func defaultOptions() *options {
	return &options{
		policy:   FailOpen{},
		now:      time.Now,
		timeout:  DefaultOperationTimeout,
		recorder: noopRecorder{},
	}
}

// Option configures a RateLimiter.
type Option func(*options)

// WithFailOpen selects FailOpen (true, the default) or FailClosed (false).
func WithFailOpen(open bool) Option {
	return func(o *options) {
		if open {
			o.policy = FailOpen{}
		} else {
			o.policy = FailClosed{}
		}
	}
}

// WithPolicy installs a custom degradation policy, e.g. NewFailLocal().
func WithPolicy(p Policy) Option {
	return func(o *options) {
		if p != nil {
			o.policy = p
		}
	}
}

// WithOperationTimeout bounds each store call. Default is 1 second.
func WithOperationTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithClock injects the time source used for all bucket math.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithRecorder injects a metrics backend.
func WithRecorder(r Recorder) Option {
	return func(o *options) {
		if r != nil {
			o.recorder = r
		}
	}
}

// WithBreaker skips the store for d after a store failure, resolving checks straight
// through the degradation policy. Zero disables the breaker (default).
func WithBreaker(d time.Duration) Option {
	return func(o *options) {
		if d >= 0 {
			o.breaker = d
		}
	}
}

// WithPreciseRetryAfter reports the time until the next token on denial
// instead of the whole window.
func WithPreciseRetryAfter() Option {
	return func(o *options) {
		o.preciseRetry = true
	}
}

// WithRules installs the path rule table used by Limit. Rules are normally prepared by
// Config.ValidateAndPrepare; regex rules that were not are compiled here, and a rule
// whose regex does not compile is dropped with an error log.
func WithRules(rules []Rule) Option {
	return func(o *options) {
		o.rules = prepareRules(rules)
	}
}

func prepareRules(rules []Rule) []Rule {
	prepared := make([]Rule, 0, len(rules))
	for _, rule := range rules {
		if rule.IsRegex && rule.compiledRegex == nil {
			re, err := regexp.Compile(rule.Path)
			if err != nil {
				log.Error().Err(err).Str("rule_path", rule.Path).Msg("dropping rule with invalid regex")
				continue
			}
			rule.compiledRegex = re
		}
		prepared = append(prepared, rule)
	}
	return prepared
}

// WithExtractor sets the function resolving identity values for Limit.
func WithExtractor(e Extractor) Option {
	return func(o *options) {
		o.extractor = e
	}
}
