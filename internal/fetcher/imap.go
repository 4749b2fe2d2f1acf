package fetcher

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"net/textproto"
	"sort"
	"strings"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-message"
	"github.com/sirupsen/logrus"

	"mail-dispatch-go/internal/model"
)

// IMAPFetcher implements MailboxFetcher over IMAP. It dials per call using
// the account's own connection parameters.
type IMAPFetcher struct{}

// NewIMAPFetcher creates a new IMAP fetcher
func NewIMAPFetcher() *IMAPFetcher {
	return &IMAPFetcher{}
}

func (f *IMAPFetcher) connect(account model.Account) (*client.Client, error) {
	c, err := client.DialTLS(fmt.Sprintf("%s:%d", account.IMAPHost, account.IMAPPort), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to IMAP server: %w", err)
	}

	if err := c.Login(account.IMAPUser, account.IMAPPassword); err != nil {
		c.Logout()
		return nil, fmt.Errorf("failed to login to IMAP server: %w", err)
	}

	return c, nil
}

// Fetch fetches new messages from the account's folder over IMAP.
func (f *IMAPFetcher) Fetch(ctx context.Context, account model.Account, opts FetchOptions) ([]model.InboundMessage, error) {
	c, err := f.connect(account)
	if err != nil {
		return nil, err
	}
	defer c.Logout()

	folder := account.Folder
	if folder == "" {
		folder = "INBOX"
	}

	if _, err := c.Select(folder, false); err != nil {
		return nil, fmt.Errorf("failed to select %s: %w", folder, err)
	}

	criteria := imap.NewSearchCriteria()
	criteria.Since = opts.Since
	if opts.UnseenOnly {
		criteria.WithoutFlags = []string{imap.SeenFlag}
	}

	seqNums, err := c.Search(criteria)
	if err != nil {
		return nil, fmt.Errorf("failed to search messages: %w", err)
	}

	if len(seqNums) == 0 {
		return []model.InboundMessage{}, nil
	}

	// Oldest first, bounded by the fetch limit.
	sort.Slice(seqNums, func(i, j int) bool { return seqNums[i] < seqNums[j] })
	if opts.Limit > 0 && len(seqNums) > opts.Limit {
		seqNums = seqNums[:opts.Limit]
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(seqNums...)

	section := &imap.BodySectionName{}
	items := []imap.FetchItem{imap.FetchEnvelope, section.FetchItem(), imap.FetchUid}

	messages := make(chan *imap.Message, len(seqNums))
	done := make(chan error, 1)

	go func() {
		done <- c.Fetch(seqset, items, messages)
	}()

	var result []model.InboundMessage

	for msg := range messages {
		email, err := f.parseMessage(account, msg)
		if err != nil {
			logrus.Warnf("Failed to parse IMAP message from account %s: %v", account.ID, err)
			continue
		}
		result = append(result, email)
	}

	if err := <-done; err != nil {
		return nil, fmt.Errorf("failed to fetch messages: %w", err)
	}

	return result, nil
}

// parseMessage parses one IMAP message into an InboundMessage
func (f *IMAPFetcher) parseMessage(account model.Account, msg *imap.Message) (model.InboundMessage, error) {
	email := model.InboundMessage{
		Headers: make(map[string]string),
	}

	if msg.Envelope != nil {
		email.NaturalID = msg.Envelope.MessageId
		email.Subject = msg.Envelope.Subject
		email.ReceivedAt = msg.Envelope.Date
		if len(msg.Envelope.From) > 0 {
			email.From = msg.Envelope.From[0].Address()
		}
		for _, addr := range msg.Envelope.To {
			email.To = append(email.To, addr.Address())
		}
	}

	// Some senders omit Message-Id; fall back to the folder-scoped UID so the
	// natural key stays stable across polls.
	if email.NaturalID == "" {
		email.NaturalID = fmt.Sprintf("imap-uid:%s:%d", account.Folder, msg.Uid)
	}

	if err := f.parseBody(msg, &email); err != nil {
		return email, err
	}

	return email, nil
}

// parseBody parses the IMAP body section into text, HTML, and attachments
func (f *IMAPFetcher) parseBody(msg *imap.Message, email *model.InboundMessage) error {
	if msg.Body == nil {
		return nil
	}

	section := &imap.BodySectionName{}
	r := msg.GetBody(section)
	if r == nil {
		return fmt.Errorf("failed to get message body")
	}

	raw, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("failed to read message body: %w", err)
	}
	email.Raw = raw

	entity, err := message.Read(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("failed to read message: %w", err)
	}

	if mr := entity.MultipartReader(); mr != nil {
		for {
			p, err := mr.NextPart()
			if err == io.EOF {
				break
			}
			if err != nil {
				return fmt.Errorf("failed to read part: %w", err)
			}

			content, err := io.ReadAll(p.Body)
			if err != nil {
				return fmt.Errorf("failed to read part body: %w", err)
			}

			disposition := p.Header.Get("Content-Disposition")
			contentType := p.Header.Get("Content-Type")

			if strings.Contains(disposition, "attachment") {
				filename := "attachment"
				if _, params, err := mime.ParseMediaType(disposition); err == nil && params["filename"] != "" {
					filename = params["filename"]
				}
				mimeType := contentType
				if mt, _, err := mime.ParseMediaType(contentType); err == nil {
					mimeType = mt
				}
				email.Attachments = append(email.Attachments, model.InboundAttachment{
					Filename: filename,
					MIMEType: mimeType,
					Data:     content,
				})
				continue
			}

			if strings.Contains(contentType, "text/plain") {
				email.Body = string(content)
			} else if strings.Contains(contentType, "text/html") {
				email.HTMLBody = string(content)
			}
		}
	} else {
		content, err := io.ReadAll(entity.Body)
		if err != nil {
			return fmt.Errorf("failed to read message body: %w", err)
		}

		contentType := entity.Header.Get("Content-Type")
		if strings.Contains(contentType, "text/html") {
			email.HTMLBody = string(content)
		} else {
			email.Body = string(content)
		}
	}

	return nil
}

// MarkRead flags the message with the given Message-Id as seen.
func (f *IMAPFetcher) MarkRead(ctx context.Context, account model.Account, naturalMessageID string) error {
	c, err := f.connect(account)
	if err != nil {
		return err
	}
	defer c.Logout()

	folder := account.Folder
	if folder == "" {
		folder = "INBOX"
	}

	if _, err := c.Select(folder, false); err != nil {
		return fmt.Errorf("failed to select %s: %w", folder, err)
	}

	criteria := imap.NewSearchCriteria()
	criteria.Header = textproto.MIMEHeader{"Message-Id": []string{naturalMessageID}}

	seqNums, err := c.Search(criteria)
	if err != nil {
		return fmt.Errorf("failed to find message %s: %w", naturalMessageID, err)
	}
	if len(seqNums) == 0 {
		// Already gone or moved; nothing to flag.
		return nil
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(seqNums...)

	item := imap.FormatFlagsOp(imap.AddFlags, true)
	flags := []interface{}{imap.SeenFlag}
	if err := c.Store(seqset, item, flags, nil); err != nil {
		return fmt.Errorf("failed to mark message %s read: %w", naturalMessageID, err)
	}

	return nil
}
