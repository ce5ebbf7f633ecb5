package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/time/rate"
)

type Channel string

const (
	Email    Channel = "email"
	SMS      Channel = "sms"
	Push     Channel = "push"
	WhatsApp Channel = "whatsapp"
)

var Channels = []Channel{Email, SMS, Push, WhatsApp}

func ParseChannel(s string) (Channel, error) {
	for _, c := range Channels {
		if string(c) == s {
			return c, nil
		}
	}
	return "", fmt.Errorf("unknown channel %q", s)
}

var ErrNoSender = errors.New("no sender configured for channel")

// Message is one rendered reminder addressed to a single recipient.
type Message struct {
	Channel Channel
	To      string
	Title   string
	Body    string
}

// Sender delivers a message. Errors are treated as transient unless wrapped with Permanent.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

type SenderFunc func(ctx context.Context, msg Message) error

func (f SenderFunc) Send(ctx context.Context, msg Message) error { return f(ctx, msg) }

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Router dispatches messages to the sender registered for their channel,
// throttled per channel.
type Router struct {
	mu       sync.RWMutex
	senders  map[Channel]Sender
	limiters map[Channel]*rate.Limiter
	limit    rate.Limit
	burst    int
}

// NewRouter builds a router. perSecond <= 0 disables throttling.
func NewRouter(perSecond float64) *Router {
	r := &Router{
		senders:  map[Channel]Sender{},
		limiters: map[Channel]*rate.Limiter{},
		limit:    rate.Inf,
		burst:    1,
	}
	if perSecond > 0 {
		r.limit = rate.Limit(perSecond)
		r.burst = max(1, int(perSecond))
	}
	return r
}

func (r *Router) Register(ch Channel, s Sender) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.senders[ch] = s
	r.limiters[ch] = rate.NewLimiter(r.limit, r.burst)
}

func (r *Router) Has(ch Channel) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.senders[ch]
	return ok
}

func (r *Router) Send(ctx context.Context, msg Message) error {
	r.mu.RLock()
	s, ok := r.senders[msg.Channel]
	lim := r.limiters[msg.Channel]
	r.mu.RUnlock()
	if !ok {
		return Permanent(fmt.Errorf("%w: %s", ErrNoSender, msg.Channel))
	}

	if err := lim.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	return s.Send(ctx, msg)
}
