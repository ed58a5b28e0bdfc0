package tasks

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"
)

// ErrTimeout marks an attempt that ran past its node's timeout.
var ErrTimeout = errors.New("task timed out")

// TaskError is an executor failure with explicit classification.
type TaskError struct {
	Message    string
	StatusCode int
	Retryable  bool
	Timeout    bool
	RetryAfter time.Duration
	Err        error
}

func (e *TaskError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("status %d: %s", e.StatusCode, msg)
	}
	return msg
}

func (e *TaskError) Unwrap() error { return e.Err }

// HTTPError builds a TaskError from an HTTP status, classified by status.
func HTTPError(status int, message string, retryAfter time.Duration) *TaskError {
	c := classifyStatus(status)
	return &TaskError{Message: message, StatusCode: status, Retryable: c.Retryable, RetryAfter: retryAfter}
}

// Classification is the retry decision for one failure.
type Classification struct {
	Retryable   bool
	RateLimited bool
	Timeout     bool
	Canceled    bool
	StatusCode  int
	RetryAfter  time.Duration
}

type statusCoder interface{ StatusCode() int }

type retryAfterer interface{ RetryAfter() time.Duration }

var rateLimitPhrases = []string{"rate limit", "too many requests", "quota exceeded"}

var transientPhrases = []string{"timeout", "timed out", "connection refused", "connection reset", "temporarily unavailable"}

// Classify decides whether err is worth retrying.
//
// Timeouts, connection errors and HTTP 408/429/5xx are retryable; auth
// failures and malformed requests are not. Errors that carry no status are
// matched against known rate-limit and transient phrases. Anything else is
// treated as non-retryable.
func Classify(err error) Classification {
	if err == nil {
		return Classification{}
	}

	var te *TaskError
	if errors.As(err, &te) {
		c := Classification{
			Retryable:  te.Retryable || te.Timeout,
			Timeout:    te.Timeout,
			StatusCode: te.StatusCode,
			RetryAfter: te.RetryAfter,
		}
		if te.StatusCode == http.StatusTooManyRequests {
			c.RateLimited = true
			c.Retryable = true
		}
		return c
	}

	if errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return Classification{Retryable: true, Timeout: true}
	}
	if errors.Is(err, context.Canceled) {
		return Classification{Canceled: true}
	}

	var sc statusCoder
	if errors.As(err, &sc) {
		c := classifyStatus(sc.StatusCode())
		var ra retryAfterer
		if errors.As(err, &ra) {
			c.RetryAfter = ra.RetryAfter()
		}
		return c
	}

	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return Classification{Retryable: true}
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, io.ErrUnexpectedEOF) {
		return Classification{Retryable: true}
	}
	var oe *net.OpError
	if errors.As(err, &oe) {
		return Classification{Retryable: true}
	}

	msg := strings.ToLower(err.Error())
	for _, p := range rateLimitPhrases {
		if strings.Contains(msg, p) {
			return Classification{Retryable: true, RateLimited: true, StatusCode: http.StatusTooManyRequests}
		}
	}
	for _, p := range transientPhrases {
		if strings.Contains(msg, p) {
			return Classification{Retryable: true}
		}
	}
	return Classification{}
}

func classifyStatus(status int) Classification {
	c := Classification{StatusCode: status}
	switch {
	case status == http.StatusTooManyRequests:
		c.Retryable = true
		c.RateLimited = true
	case status == http.StatusRequestTimeout:
		c.Retryable = true
	case status == http.StatusInternalServerError, status == http.StatusBadGateway,
		status == http.StatusServiceUnavailable, status == http.StatusGatewayTimeout:
		c.Retryable = true
	case status > 504 && status < 600:
		c.Retryable = true
	}
	return c
}
