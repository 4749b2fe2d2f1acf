package fetcher

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gmail "google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/sirupsen/logrus"

	"mail-dispatch-go/internal/config"
	"mail-dispatch-go/internal/model"
)

// GmailFetcher implements MailboxFetcher using the Gmail API. The OAuth2
// application credentials are shared; each account carries its own refresh
// token.
type GmailFetcher struct {
	clientID     string
	clientSecret string
}

// NewGmailFetcher creates a new Gmail API fetcher
func NewGmailFetcher(cfg *config.GmailConfig) *GmailFetcher {
	return &GmailFetcher{
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
	}
}

func (f *GmailFetcher) service(ctx context.Context, account model.Account) (*gmail.Service, error) {
	oauth2Config := &oauth2.Config{
		ClientID:     f.clientID,
		ClientSecret: f.clientSecret,
		Scopes:       []string{gmail.GmailModifyScope},
		Endpoint:     google.Endpoint,
	}

	token := &oauth2.Token{
		RefreshToken: account.RefreshToken,
	}

	service, err := gmail.NewService(ctx, option.WithTokenSource(oauth2Config.TokenSource(ctx, token)))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gmail service: %w", err)
	}
	return service, nil
}

// Fetch fetches new messages from the account via the Gmail API.
func (f *GmailFetcher) Fetch(ctx context.Context, account model.Account, opts FetchOptions) ([]model.InboundMessage, error) {
	service, err := f.service(ctx, account)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf("after:%d", opts.Since.Unix())
	if opts.UnseenOnly {
		query += " is:unread"
	}

	call := service.Users.Messages.List(account.GmailUser).Q(query)
	if opts.Limit > 0 {
		call = call.MaxResults(int64(opts.Limit))
	}

	response, err := call.Do()
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}

	var emails []model.InboundMessage

	for _, msg := range response.Messages {
		full, err := service.Users.Messages.Get(account.GmailUser, msg.Id).Format("full").Do()
		if err != nil {
			logrus.Warnf("Failed to get message %s: %v", msg.Id, err)
			continue
		}

		email, err := f.parseMessage(ctx, service, account, full)
		if err != nil {
			logrus.Warnf("Failed to parse message %s: %v", msg.Id, err)
			continue
		}

		emails = append(emails, email)
	}

	return emails, nil
}

// parseMessage parses a Gmail API message into an InboundMessage
func (f *GmailFetcher) parseMessage(ctx context.Context, service *gmail.Service, account model.Account, msg *gmail.Message) (model.InboundMessage, error) {
	email := model.InboundMessage{
		NaturalID:  msg.Id,
		ReceivedAt: time.UnixMilli(msg.InternalDate),
		Headers:    make(map[string]string),
	}

	for _, header := range msg.Payload.Headers {
		email.Headers[header.Name] = header.Value

		switch header.Name {
		case "Subject":
			email.Subject = header.Value
		case "From":
			email.From = header.Value
		case "To":
			email.To = strings.Split(header.Value, ",")
		}
	}

	if err := f.parseBody(ctx, service, account, msg.Id, msg.Payload, &email); err != nil {
		return email, err
	}

	return email, nil
}

// parseBody recursively parses Gmail message body parts
func (f *GmailFetcher) parseBody(ctx context.Context, service *gmail.Service, account model.Account, msgID string, part *gmail.MessagePart, email *model.InboundMessage) error {
	if part.Filename != "" && part.Body != nil {
		data, err := f.attachmentData(account, service, msgID, part)
		if err != nil {
			logrus.Warnf("Failed to fetch attachment %s of message %s: %v", part.Filename, msgID, err)
		} else {
			email.Attachments = append(email.Attachments, model.InboundAttachment{
				Filename: part.Filename,
				MIMEType: part.MimeType,
				Data:     data,
			})
		}
	} else if part.Body != nil && part.Body.Data != "" {
		data, err := base64.URLEncoding.DecodeString(part.Body.Data)
		if err != nil {
			return fmt.Errorf("failed to decode body data: %w", err)
		}

		switch part.MimeType {
		case "text/plain":
			email.Body = string(data)
		case "text/html":
			email.HTMLBody = string(data)
		}
	}

	for _, subPart := range part.Parts {
		if err := f.parseBody(ctx, service, account, msgID, subPart, email); err != nil {
			return err
		}
	}

	return nil
}

func (f *GmailFetcher) attachmentData(account model.Account, service *gmail.Service, msgID string, part *gmail.MessagePart) ([]byte, error) {
	if part.Body.Data != "" {
		return base64.URLEncoding.DecodeString(part.Body.Data)
	}

	att, err := service.Users.Messages.Attachments.Get(account.GmailUser, msgID, part.Body.AttachmentId).Do()
	if err != nil {
		return nil, fmt.Errorf("failed to get attachment: %w", err)
	}
	return base64.URLEncoding.DecodeString(att.Data)
}

// MarkRead removes the UNREAD label from the message.
func (f *GmailFetcher) MarkRead(ctx context.Context, account model.Account, naturalMessageID string) error {
	service, err := f.service(ctx, account)
	if err != nil {
		return err
	}

	req := &gmail.ModifyMessageRequest{
		RemoveLabelIds: []string{"UNREAD"},
	}
	if _, err := service.Users.Messages.Modify(account.GmailUser, naturalMessageID, req).Do(); err != nil {
		return fmt.Errorf("failed to mark message %s read: %w", naturalMessageID, err)
	}

	return nil
}
