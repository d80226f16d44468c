package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// callPolicy bounds a single external call: a timeout per attempt and a small
// number of retries with exponential backoff between attempts.
type callPolicy struct {
	Timeout         time.Duration
	MaxRetries      int
	InitialInterval time.Duration
	obs             observer
}

func (p callPolicy) backOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
		b.MaxInterval = 16 * p.InitialInterval
	}
	return b
}

// callWithRetry runs fn under the policy. Collaborator failures that survive
// every retry are reported as ErrExternalService. Malformed responses,
// execution errors and non-retryable errors are returned after one attempt.
func callWithRetry[T any](ctx context.Context, p callPolicy, collaborator, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	maxTries := p.MaxRetries + 1
	attempt := 0

	res, err := backoff.Retry(ctx, func() (T, error) {
		var zero T
		if err := ctx.Err(); err != nil {
			return zero, backoff.Permanent(err)
		}
		attempt++

		callCtx := ctx
		if p.Timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, p.Timeout)
			defer cancel()
		}

		start := p.obs.clock.Now()
		v, err := fn(callCtx)
		elapsed := p.obs.clock.Since(start)
		if err == nil {
			p.obs.externalCall(ctx, collaborator, op, outcomeSuccess, elapsed, nil)
			return v, nil
		}

		if ctx.Err() != nil || !retryable(err) {
			p.obs.externalCall(ctx, collaborator, op, outcomeFailure, elapsed, err)
			return zero, backoff.Permanent(err)
		}
		outcome := outcomeRetry
		if attempt >= maxTries {
			outcome = outcomeFailure
		}
		p.obs.externalCall(ctx, collaborator, op, outcome, elapsed, err)
		return zero, err
	}, backoff.WithBackOff(p.backOff()), backoff.WithMaxTries(uint(maxTries)))
	if err == nil {
		return res, nil
	}

	var zero T
	if ctxErr := ctx.Err(); ctxErr != nil {
		return zero, fmt.Errorf("%s %s: %w", collaborator, op, ctxErr)
	}
	var execErr *ExecutionError
	if errors.As(err, &execErr) || errors.Is(err, ErrMalformedResponse) {
		return zero, err
	}
	return zero, fmt.Errorf("%w: %s %s after %d attempt(s): %w", ErrExternalService, collaborator, op, attempt, err)
}

func retryable(err error) bool {
	var execErr *ExecutionError
	switch {
	case errors.As(err, &execErr):
		return false
	case errors.Is(err, ErrMalformedResponse), errors.Is(err, ErrNonRetryable):
		return false
	}
	return true
}

// complete is the shared "prompt, call the model, parse a typed result"
// step. A reply that fails to parse is reported as ErrMalformedResponse and
// is not retried at the call site.
func complete[T any](ctx context.Context, llm LLMClient, p callPolicy, op, system, user string, parse func(string) (T, error), opts ...CompleteOption) (T, error) {
	return callWithRetry(ctx, p, "llm", op, func(ctx context.Context) (T, error) {
		var zero T
		text, err := llm.Complete(ctx, system, user, opts...)
		if err != nil {
			return zero, err
		}
		v, err := parse(text)
		if err != nil {
			return zero, fmt.Errorf("%w: %w", ErrMalformedResponse, err)
		}
		return v, nil
	})
}

// extractJSON finds a JSON object or array in a response that may wrap it
// in markdown or prose.
func extractJSON(response string) string {
	response = strings.TrimSpace(response)

	if start := strings.Index(response, "```json"); start != -1 {
		start += len("```json")
		if end := strings.Index(response[start:], "```"); end != -1 {
			return strings.TrimSpace(response[start : start+end])
		}
	}

	if start := strings.Index(response, "```"); start != -1 {
		start += 3
		if end := strings.Index(response[start:], "```"); end != -1 {
			content := strings.TrimSpace(response[start : start+end])
			if strings.HasPrefix(content, "{") || strings.HasPrefix(content, "[") {
				return content
			}
		}
	}

	start := strings.IndexAny(response, "{[")
	if start == -1 {
		return ""
	}
	return extractJSONValue(response, start)
}

// extractJSONValue returns the balanced object or array starting at start,
// skipping brackets inside strings.
func extractJSONValue(s string, start int) string {
	if start >= len(s) || (s[start] != '{' && s[start] != '[') {
		return ""
	}

	depth := 0
	inString := false
	escaped := false

	for i := start; i < len(s); i++ {
		c := s[i]

		if escaped {
			escaped = false
			continue
		}
		if c == '\\' && inString {
			escaped = true
			continue
		}
		if c == '"' {
			inString = !inString
			continue
		}
		if inString {
			continue
		}

		switch c {
		case '{', '[':
			depth++
		case '}', ']':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}

	return ""
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
