package clients

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

// ErrBadResponse marks a reply from an upstream service that could not be
// used: undecodable, or decoded to values out of range.
var ErrBadResponse = errors.New("clients: bad response")

// StatusError is a non-2xx reply.
type StatusError struct {
	Service string
	Code    int
	Status  string
	Body    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: %s", e.Service, e.Status, e.Body)
}

// Temporary reports whether retrying might help.
func (e *StatusError) Temporary() bool {
	return e.Code >= 500 || e.Code == http.StatusTooManyRequests
}

type RetryConfig struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsedTime  time.Duration
}

type BreakerConfig struct {
	// MaxRequests is how many probes pass while half-open.
	MaxRequests uint32
	Interval    time.Duration
	Timeout     time.Duration
	// The breaker opens once MinRequests calls have been made in the
	// current interval and at least FailureRatio of them failed.
	MinRequests  uint32
	FailureRatio float64
}

type Options struct {
	Timeout time.Duration
	Retry   RetryConfig
	Breaker BreakerConfig
	Log     logrus.FieldLogger
}

func DefaultOptions() Options {
	return Options{
		Timeout: 60 * time.Second,
		Retry: RetryConfig{
			MaxRetries:      3,
			InitialInterval: 200 * time.Millisecond,
			MaxInterval:     5 * time.Second,
			MaxElapsedTime:  90 * time.Second,
		},
		Breaker: BreakerConfig{
			MaxRequests:  1,
			Interval:     60 * time.Second,
			Timeout:      30 * time.Second,
			MinRequests:  5,
			FailureRatio: 0.6,
		},
	}
}

// HTTP is the shared transport for the upstream services. Every call goes
// through a per-service circuit breaker and is retried with exponential
// backoff while the failure looks transient.
type HTTP struct {
	c       *http.Client
	retry   RetryConfig
	breaker BreakerConfig
	log     logrus.FieldLogger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

func NewHTTP(opts Options) *HTTP {
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	log := opts.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &HTTP{
		c:        &http.Client{Timeout: opts.Timeout},
		retry:    opts.Retry,
		breaker:  opts.Breaker,
		log:      log.WithField("component", "clients"),
		breakers: map[string]*gobreaker.CircuitBreaker{},
	}
}

func (h *HTTP) breakerFor(service string) *gobreaker.CircuitBreaker {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cb, ok := h.breakers[service]; ok {
		return cb
	}
	cfg := h.breaker
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        service,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if cfg.MinRequests == 0 || counts.Requests < cfg.MinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.FailureRatio
		},
		// A rejected request says nothing about the health of the service.
		IsSuccessful: func(err error) bool {
			var se *StatusError
			if errors.As(err, &se) {
				return !se.Temporary()
			}
			return err == nil || errors.Is(err, ErrBadResponse)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			h.log.WithFields(logrus.Fields{"service": name, "from": from.String(), "to": to.String()}).
				Warn("circuit breaker state changed")
		},
	})
	h.breakers[service] = cb
	return cb
}

// do sends the request built by newReq and hands a 2xx response to handle.
// newReq is called once per attempt so request bodies can be replayed.
func (h *HTTP) do(ctx context.Context, service string, newReq func(ctx context.Context) (*http.Request, error), handle func(*http.Response) error) error {
	cb := h.breakerFor(service)

	b := backoff.NewExponentialBackOff()
	if h.retry.InitialInterval > 0 {
		b.InitialInterval = h.retry.InitialInterval
	}
	if h.retry.MaxInterval > 0 {
		b.MaxInterval = h.retry.MaxInterval
	}
	b.MaxElapsedTime = h.retry.MaxElapsedTime
	bo := backoff.WithContext(backoff.WithMaxRetries(b, uint64(max(h.retry.MaxRetries, 0))), ctx)

	attempt := 0
	op := func() error {
		attempt++
		req, err := newReq(ctx)
		if err != nil {
			return backoff.Permanent(err)
		}
		_, err = cb.Execute(func() (interface{}, error) {
			resp, err := h.c.Do(req)
			if err != nil {
				return nil, err
			}
			defer resp.Body.Close()

			if resp.StatusCode < 200 || resp.StatusCode > 299 {
				body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
				return nil, &StatusError{Service: service, Code: resp.StatusCode, Status: resp.Status, Body: string(body)}
			}
			return nil, handle(resp)
		})
		if err == nil {
			return nil
		}

		var se *StatusError
		switch {
		case errors.As(err, &se) && !se.Temporary(),
			errors.Is(err, ErrBadResponse),
			errors.Is(err, gobreaker.ErrOpenState),
			errors.Is(err, gobreaker.ErrTooManyRequests),
			ctx.Err() != nil:
			return backoff.Permanent(err)
		}
		h.log.WithError(err).WithFields(logrus.Fields{"service": service, "attempt": attempt}).Warn("upstream call failed, retrying")
		return err
	}
	return backoff.Retry(op, bo)
}

// decodeJSON returns a handle func for do that decodes the body into out.
func decodeJSON(service string, out any) func(*http.Response) error {
	return func(resp *http.Response) error {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("%w: %s decode: %v", ErrBadResponse, service, err)
		}
		return nil
	}
}
