package actions

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	json "github.com/goccy/go-json"

	"github.com/ignite/segment-engine/internal/pkg/httpretry"
	"github.com/ignite/segment-engine/internal/pkg/logger"
)

// ==========================================
// BOT
// ==========================================

// BotDispatcher sends notifications through the messaging bot gateway, one
// request per chat id.
type BotDispatcher struct {
	baseURL string
	token   string
	client  httpretry.HTTPDoer
}

// NewBotDispatcher creates a dispatcher posting to baseURL + "/send".
func NewBotDispatcher(baseURL, token string, client httpretry.HTTPDoer, retries int) *BotDispatcher {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &BotDispatcher{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  httpretry.NewRetryClient(client, httpretry.Options{MaxRetries: retries}),
	}
}

type botMessage struct {
	ChatID string `json:"chat_id"`
	Text   string `json:"text"`
}

// Dispatch sends msg to every recipient and returns the first failure after
// trying them all.
func (b *BotDispatcher) Dispatch(ctx context.Context, msg Message) error {
	var firstErr error
	for _, chatID := range msg.Recipients {
		if err := b.send(ctx, chatID, msg.Body); err != nil {
			log.Printf("[BotDispatcher] send to chat %s failed: %v", chatID, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (b *BotDispatcher) send(ctx context.Context, chatID, text string) error {
	body, err := json.Marshal(botMessage{ChatID: chatID, Text: text})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/send", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if b.token != "" {
		req.Header.Set("Authorization", "Bearer "+b.token)
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("bot gateway: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("bot gateway returned %d", resp.StatusCode)
	}
	return nil
}

// ==========================================
// SES
// ==========================================

// SESDispatcher sends email notifications via AWS SES using the SDK v2.
type SESDispatcher struct {
	from   string
	client *sesv2.Client
}

// NewSESDispatcher creates an SES dispatcher. With empty credentials the
// default AWS credential chain is used.
func NewSESDispatcher(ctx context.Context, region, accessKey, secretKey, from string) (*SESDispatcher, error) {
	if region == "" {
		region = "us-east-1"
	}
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if accessKey != "" && secretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	return &SESDispatcher{from: from, client: sesv2.NewFromConfig(cfg)}, nil
}

// Dispatch sends msg as a plain-text email to every recipient.
func (s *SESDispatcher) Dispatch(ctx context.Context, msg Message) error {
	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(s.from),
		Destination:      &types.Destination{ToAddresses: msg.Recipients},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(msg.Subject), Charset: aws.String("UTF-8")},
				Body: &types.Body{
					Text: &types.Content{Data: aws.String(msg.Body), Charset: aws.String("UTF-8")},
				},
			},
		},
		EmailTags: []types.MessageTag{
			{Name: aws.String("segment_id"), Value: aws.String(fmt.Sprint(msg.SegmentID))},
			{Name: aws.String("object_id"), Value: aws.String(fmt.Sprint(msg.ObjectID))},
		},
	}

	result, err := s.client.SendEmail(ctx, input)
	if err != nil {
		return fmt.Errorf("ses send: %w", err)
	}
	messageID := ""
	if result.MessageId != nil {
		messageID = *result.MessageId
	}
	for _, to := range msg.Recipients {
		logger.Debug("segment notification sent", "email", to, "message_id", messageID)
	}
	return nil
}
