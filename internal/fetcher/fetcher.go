package fetcher

import (
	"context"
	"fmt"
	"time"

	"mail-dispatch-go/internal/model"
)

// FetchOptions bounds one fetch: only messages received after Since, only
// unseen ones when UnseenOnly is set, and at most Limit of them.
type FetchOptions struct {
	Since      time.Time
	UnseenOnly bool
	Limit      int
}

// MailboxFetcher is the transport boundary to a mailbox account. Fetch
// returns a bounded batch of new messages; MarkRead flags one message as seen
// at the source. Implementations connect per call so a single fetcher value
// serves a whole fleet of accounts.
type MailboxFetcher interface {
	Fetch(ctx context.Context, account model.Account, opts FetchOptions) ([]model.InboundMessage, error)
	MarkRead(ctx context.Context, account model.Account, naturalMessageID string) error
}

// Mux routes fetch calls to the right transport implementation based on the
// account's transport field.
type Mux struct {
	imap  MailboxFetcher
	gmail MailboxFetcher
}

// NewMux creates a Mux over the given transport implementations.
func NewMux(imap, gmail MailboxFetcher) *Mux {
	return &Mux{imap: imap, gmail: gmail}
}

func (m *Mux) pick(account model.Account) (MailboxFetcher, error) {
	switch account.Transport {
	case model.TransportIMAP:
		return m.imap, nil
	case model.TransportGmail:
		return m.gmail, nil
	default:
		return nil, fmt.Errorf("unknown transport %q for account %s", account.Transport, account.ID)
	}
}

// Fetch implements MailboxFetcher.
func (m *Mux) Fetch(ctx context.Context, account model.Account, opts FetchOptions) ([]model.InboundMessage, error) {
	f, err := m.pick(account)
	if err != nil {
		return nil, err
	}
	return f.Fetch(ctx, account, opts)
}

// MarkRead implements MailboxFetcher.
func (m *Mux) MarkRead(ctx context.Context, account model.Account, naturalMessageID string) error {
	f, err := m.pick(account)
	if err != nil {
		return err
	}
	return f.MarkRead(ctx, account, naturalMessageID)
}
