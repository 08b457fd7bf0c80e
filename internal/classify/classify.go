// Package classify maps failures from the video API, the helper services and
// the network into a small, fixed set of error kinds with a recovery action.
// It performs no I/O; acting on the result is the caller's job.
package classify

import (
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strings"
	"time"
)

type Kind int

const (
	KindUnknown Kind = iota
	KindOptionalService
	KindTransient
	KindRateLimit
	KindCelebrity
	KindContentPolicy
	KindNetwork
	KindAuthInvalid
)

func (k Kind) String() string {
	switch k {
	case KindOptionalService:
		return "optional_service_failure"
	case KindTransient:
		return "transient"
	case KindRateLimit:
		return "rate_limit"
	case KindCelebrity:
		return "celebrity_filter"
	case KindContentPolicy:
		return "content_policy"
	case KindNetwork:
		return "network"
	case KindAuthInvalid:
		return "auth_invalid"
	default:
		return "unknown"
	}
}

// Action is the suggested reaction to a classified failure.
type Action string

const (
	ActionRetrySame      Action = "retry-same-credential"
	ActionRetryDifferent Action = "retry-different-credential"
	ActionSkipCandidate  Action = "skip-candidate"
	ActionAbort          Action = "abort"
)

// Error is a classified failure. Code is a short machine code, UserMessage
// and Suggestion are meant for people.
type Error struct {
	Kind                  Kind
	Code                  string
	Message               string
	UserMessage           string
	Suggestion            string
	Recoverable           bool
	Action                Action
	InvalidatesCredential bool
	Details               map[string]any

	cause error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// OptionalServiceError wraps a failure from a helper service whose outage
// must not affect video generation (prompt enrichment, for example).
type OptionalServiceError struct {
	Service string
	Err     error
}

func (e *OptionalServiceError) Error() string {
	return e.Service + ": " + e.Err.Error()
}

func (e *OptionalServiceError) Unwrap() error {
	return e.Err
}

// Optional attributes err to the named helper service.
func Optional(service string, err error) error {
	if err == nil {
		return nil
	}
	return &OptionalServiceError{Service: service, Err: err}
}

type profile struct {
	code        string
	recoverable bool
	action      Action
	userMessage string
	suggestion  string
}

var profiles = map[Kind]profile{
	KindOptionalService: {
		code:        "OPTIONAL_SERVICE_FAILED",
		recoverable: true,
		action:      ActionRetrySame,
		userMessage: "A helper service failed; generation continues without it.",
		suggestion:  "No action needed.",
	},
	KindTransient: {
		code:        "SERVICE_OVERLOADED",
		recoverable: true,
		action:      ActionRetrySame,
		userMessage: "The video service is temporarily overloaded.",
		suggestion:  "Retrying automatically with backoff.",
	},
	KindRateLimit: {
		code:        "RATE_LIMITED",
		recoverable: true,
		action:      ActionRetryDifferent,
		userMessage: "API quota exceeded for this key.",
		suggestion:  "Switching to another API key.",
	},
	KindCelebrity: {
		code:        "CELEBRITY_FILTER",
		recoverable: true,
		action:      ActionSkipCandidate,
		userMessage: "The frame was rejected because it resembles a public figure.",
		suggestion:  "Trying a different frame.",
	},
	KindContentPolicy: {
		code:        "CONTENT_POLICY",
		recoverable: false,
		action:      ActionAbort,
		userMessage: "The request was rejected by the content policy.",
		suggestion:  "Change the dialogue or the frames and try again.",
	},
	KindNetwork: {
		code:        "NETWORK_ERROR",
		recoverable: true,
		action:      ActionRetrySame,
		userMessage: "Network problem while talking to the video service.",
		suggestion:  "Retrying automatically.",
	},
	KindAuthInvalid: {
		code:        "API_KEY_INVALID",
		recoverable: false,
		action:      ActionAbort,
		userMessage: "The API key was rejected.",
		suggestion:  "Check the key in the environment and restart.",
	},
	KindUnknown: {
		code:        "UNKNOWN_ERROR",
		recoverable: true,
		action:      ActionRetrySame,
		userMessage: "Unexpected error from the video service.",
		suggestion:  "Retrying automatically.",
	},
}

// New builds a classified error of the given kind with an explicit code.
// An empty code keeps the kind's default.
func New(kind Kind, code, message string) *Error {
	p := profiles[kind]
	if code == "" {
		code = p.code
	}
	return &Error{
		Kind:                  kind,
		Code:                  code,
		Message:               message,
		UserMessage:           p.userMessage,
		Suggestion:            p.suggestion,
		Recoverable:           p.recoverable,
		Action:                p.action,
		InvalidatesCredential: kind == KindAuthInvalid,
	}
}

func build(kind Kind, err error) *Error {
	ce := New(kind, "", err.Error())
	ce.cause = err
	return ce
}

type failure struct {
	err  error
	text string
}

type rule struct {
	kind  Kind
	match func(f failure) bool
}

// rules are evaluated in order and the first match wins. Overload is
// checked before rate limiting because the remedies are opposite.
var rules = []rule{
	{KindOptionalService, isOptional},
	{KindTransient, matchAny(transientPatterns)},
	{KindRateLimit, matchAny(rateLimitPatterns)},
	{KindCelebrity, matchAny(celebrityPatterns)},
	{KindContentPolicy, matchAny(contentPolicyPatterns)},
	{KindNetwork, isNetwork},
	{KindAuthInvalid, matchAny(authPatterns)},
}

var (
	transientPatterns = compile(
		`overloaded`,
		`\bunavailable\b`,
		`["']?code["']?\s*[:=]\s*14\b`,
		`temporarily`,
		`try.?again.?later`,
		`\b503\b`,
	)
	rateLimitPatterns = compile(
		`\b429\b`,
		`resource_exhausted`,
		`resource has been exhausted`,
		`rate.?limit`,
		`quota.?exceeded`,
		`exceeded your current quota`,
		`too.?many.?requests`,
	)
	celebrityPatterns = compile(
		`celebrit`,
		`likeness`,
		`public.?figure`,
		`famous (person|people)`,
	)
	contentPolicyPatterns = compile(
		`content.?policy`,
		`safety.?filter`,
		`usage guidelines`,
		`harmful.?content`,
		`blocked.?content`,
		`violat`,
	)
	networkPatterns = compile(
		`connection.?(error|reset|refused)`,
		`timeout`,
		`timed out`,
		`deadline exceeded`,
		`network.?unreachable`,
		`no such host`,
		`dns.?error`,
		`tls handshake`,
		`broken pipe`,
		`\beof\b`,
	)
	authPatterns = compile(
		`api.?key.?not.?valid`,
		`api.?key.?invalid`,
		`api_key_invalid`,
		`invalid.?api.?key`,
		`unauthenticated`,
		// A bare 403 can mean a model is not enabled for the project, which
		// says nothing about the key.
		`permission.?denied.*(gemini|google|genai|api.?key|consumer)`,
		`\berror 401\b`,
		`\b(gemini|google|genai).*\b40[13]\b`,
		`consumer.*suspended`,
		`has been suspended`,
	)
	// Messages that name the prompt-enrichment provider are attributed to it
	// even when the error was not wrapped.
	optionalServicePatterns = compile(
		`platform\.openai\.com`,
		`api\.openai\.com`,
		`openai.*(401|authentication|invalid.*key)`,
		`invalid.*api.*key.*provided`,
		`you.*can.*find.*your.*api.*key.*at`,
	)
)

func compile(patterns ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(patterns))
	for i, p := range patterns {
		out[i] = regexp.MustCompile(p)
	}
	return out
}

func matchAny(patterns []*regexp.Regexp) func(failure) bool {
	return func(f failure) bool {
		for _, re := range patterns {
			if re.MatchString(f.text) {
				return true
			}
		}
		return false
	}
}

func isOptional(f failure) bool {
	var opt *OptionalServiceError
	if errors.As(f.err, &opt) {
		return true
	}
	return matchAny(optionalServicePatterns)(f)
}

func isNetwork(f failure) bool {
	if errors.Is(f.err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(f.err, &netErr) {
		return true
	}
	return matchAny(networkPatterns)(f)
}

// Classify maps err to a classified error. An error that is already
// classified is returned as is. Classify(nil) is nil.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}

	f := failure{err: err, text: strings.ToLower(err.Error())}
	if isOptional(f) {
		return build(KindOptionalService, err)
	}

	var ce *Error
	if errors.As(err, &ce) {
		return ce
	}

	for _, r := range rules {
		if r.match(f) {
			return build(r.kind, err)
		}
	}
	return build(KindUnknown, err)
}

// Message classifies a bare error message.
func Message(msg string) *Error {
	return Classify(errors.New(msg))
}

const (
	backoffBase = 5 * time.Second
	backoffCap  = 30 * time.Second
)

// Backoff is the wait before the attempt-th retry of a transient failure:
// 5s doubling per attempt, capped at 30s.
func Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := backoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= backoffCap {
			return backoffCap
		}
	}
	return d
}
