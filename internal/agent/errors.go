package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Kind classifies an execution failure.
type Kind string

const (
	KindRateLimit          Kind = "rate_limit"
	KindTimeout            Kind = "timeout"
	KindNetwork            Kind = "network"
	KindAPI                Kind = "api"
	KindValidation         Kind = "validation"
	KindResourceExhaustion Kind = "resource_exhaustion"
	KindCancelled          Kind = "cancelled"
	KindUnknown            Kind = "unknown"
)

// ExecutionError is an error raised by an agent with an explicit classification.
type ExecutionError struct {
	Kind      Kind
	Permanent bool
	Err       error
}

func (e *ExecutionError) Error() string {
	class := "transient"
	if e.Permanent {
		class = "permanent"
	}
	return fmt.Sprintf("%s %s error: %v", class, e.Kind, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// Transient marks err as retryable.
func Transient(kind Kind, err error) error {
	return &ExecutionError{Kind: kind, Err: err}
}

// Permanent marks err as not worth retrying.
func Permanent(kind Kind, err error) error {
	return &ExecutionError{Kind: kind, Permanent: true, Err: err}
}

// Classification is the outcome of Classify.
type Classification struct {
	Kind      Kind
	Permanent bool
}

var keywordKinds = []struct {
	kind      Kind
	permanent bool
	words     []string
}{
	{KindRateLimit, false, []string{"rate limit", "rate_limit", "too many requests", "429", "quota"}},
	{KindTimeout, false, []string{"timeout", "timed out", "deadline exceeded"}},
	{KindNetwork, false, []string{"connection", "network", "dns", "unreachable", "eof"}},
	{KindResourceExhaustion, false, []string{"out of memory", "resource exhausted", "disk full"}},
	{KindValidation, true, []string{"validation", "invalid", "malformed", "schema"}},
	{KindAPI, false, []string{"api", "status 5", "internal server error", "bad gateway", "unavailable"}},
}

// Classify decides the kind of err and whether retrying it can help.
// Explicit ExecutionErrors win; otherwise the message is matched against
// known keywords and unknown failures are treated as transient.
func Classify(err error) Classification {
	if err == nil {
		return Classification{}
	}

	var ee *ExecutionError
	if errors.As(err, &ee) {
		return Classification{Kind: ee.Kind, Permanent: ee.Permanent}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Classification{Kind: KindTimeout}
	}
	if errors.Is(err, context.Canceled) {
		return Classification{Kind: KindCancelled, Permanent: true}
	}

	msg := strings.ToLower(err.Error())
	for _, k := range keywordKinds {
		for _, w := range k.words {
			if strings.Contains(msg, w) {
				return Classification{Kind: k.kind, Permanent: k.permanent}
			}
		}
	}
	return Classification{Kind: KindUnknown}
}
