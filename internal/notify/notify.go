// Package notify delivers voting links to voters. Actual email
// transport is an external collaborator behind the Sender interface;
// this package owns fan-out, failure isolation and re-delivery.
package notify

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net/url"

	"golang.org/x/sync/errgroup"

	"github.com/openassembly/evote/internal/domain"
	"github.com/openassembly/evote/internal/errors"
	"github.com/openassembly/evote/internal/event"
	"github.com/openassembly/evote/internal/store"
)

const defaultMaxConcurrent = 16

type Message struct {
	To      string
	Subject string
	Body    string
}

// Sender is the outbound delivery collaborator.
type Sender interface {
	Send(ctx context.Context, m Message) error
}

// LogSender is the default Sender: it logs instead of sending, for
// environments without a wired email provider.
type LogSender struct{}

func (LogSender) Send(ctx context.Context, m Message) error {
	slog.InfoContext(ctx, "notify: would send", "to", m.To, "subject", m.Subject)
	return nil
}

type Config struct {
	Sender   Sender
	EventBus *event.Bus
	Store    store.Store
	// BaseURL is the public prefix voting links are built under.
	BaseURL       string
	MaxConcurrent int
}

type Dispatcher struct {
	sender  Sender
	store   store.Store
	baseURL string
	limit   int
}

// NewDispatcher wires delivery to the session-started event. Delivery
// runs after the start transaction committed and never influences it.
func NewDispatcher(c Config) *Dispatcher {
	d := &Dispatcher{
		sender:  c.Sender,
		store:   c.Store,
		baseURL: c.BaseURL,
		limit:   c.MaxConcurrent,
	}
	if d.sender == nil {
		d.sender = LogSender{}
	}
	if d.limit <= 0 {
		d.limit = defaultMaxConcurrent
	}

	c.EventBus.Subscribe(domain.EventNameSessionStarted, func(ctx context.Context, e event.Event) error {
		started := e.(domain.EventSessionStarted)
		d.DeliverAll(ctx, started.Session, started.Tickets)
		return nil
	})

	return d
}

// DeliverAll sends one voting link per ticket. Failures are logged per
// voter and isolated: one dead mailbox neither blocks the others nor
// surfaces to the session start. Each failed voter can be re-delivered
// individually via Resend.
func (d *Dispatcher) DeliverAll(ctx context.Context, ss domain.Session, tickets []domain.Ticket) {
	if !ss.Type.IsForm() {
		return
	}

	var eg errgroup.Group
	eg.SetLimit(d.limit)

	for _, t := range tickets {
		t := t
		eg.Go(func() error {
			if err := d.deliver(ctx, ss, t); err != nil {
				slog.ErrorContext(ctx, "notify: deliver ticket failed",
					"session", ss.SessionID, "voter", t.VoterID, "error", err)
			}
			return nil
		})
	}

	_ = eg.Wait()
}

type ResendRequest struct {
	SessionID string
	VoterID   string
}

// Resend re-delivers the voting link for one voter. Used by managers
// after an initial delivery failure; authorization happens upstream.
func (d *Dispatcher) Resend(ctx context.Context, req ResendRequest) error {
	ss, err := d.store.GetSession(ctx, req.SessionID)
	if stderrors.Is(err, store.ErrNotFound) {
		return errors.New(errors.CodeNotFound,
			errors.WithMessagef("session not found: %s", req.SessionID))
	}
	if err != nil {
		return fmt.Errorf("get session: %w", err)
	}

	t, err := d.store.GetTicket(ctx, req.SessionID, req.VoterID)
	if stderrors.Is(err, store.ErrNotFound) {
		return errors.New(errors.CodeNotFound,
			errors.WithMessagef("ticket not found: session=%s voter=%s", req.SessionID, req.VoterID))
	}
	if err != nil {
		return fmt.Errorf("get ticket: %w", err)
	}

	return d.deliver(ctx, *ss, *t)
}

func (d *Dispatcher) deliver(ctx context.Context, ss domain.Session, t domain.Ticket) error {
	return d.sender.Send(ctx, Message{
		To:      t.VoterEmail,
		Subject: fmt.Sprintf("Your voting link: %s", ss.Name),
		Body: fmt.Sprintf("Hello %s,\n\nyou are invited to vote in %q. Your personal link:\n\n%s\n\nThe link is valid for exactly one vote.",
			t.VoterName, ss.Name, d.VoteURL(t)),
	})
}

// VoteURL builds the link embedding the voter's single-use credential.
func (d *Dispatcher) VoteURL(t domain.Ticket) string {
	q := url.Values{}
	q.Set("voterId", t.VoterID)
	q.Set("token", t.Token)
	return fmt.Sprintf("%s/sessions/%s/vote?%s", d.baseURL, t.SessionID, q.Encode())
}
