// Package messaging talks to an Evolution-API compatible WhatsApp gateway.
package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/GuyPort/whatsapp-clinic-bot/internal/metrics"
)

// Sender delivers outbound text to a recipient. Delivery is fire-and-forget
// from the scheduling logic's standpoint.
type Sender interface {
	SendText(ctx context.Context, phone, text string) error
}

// Client is an HTTP client for the gateway's instance-scoped endpoints.
type Client struct {
	baseURL     string
	instance    string
	apiKey      string
	typingDelay int
	httpClient  *http.Client
	limiter     *rate.Limiter
	logger      *zerolog.Logger
}

// New constructs a client. sendRatePerMinute caps outbound messages;
// zero disables the limiter.
func New(baseURL, instance, apiKey string, typingDelayMs, sendRatePerMinute int, logger *zerolog.Logger) *Client {
	var limiter *rate.Limiter
	if sendRatePerMinute > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(sendRatePerMinute)/60.0), 3)
	}
	if typingDelayMs <= 0 {
		typingDelayMs = 1200
	}
	return &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		instance:    instance,
		apiKey:      apiKey,
		typingDelay: typingDelayMs,
		httpClient:  &http.Client{Timeout: 15 * time.Second},
		limiter:     limiter,
		logger:      logger,
	}
}

type sendTextRequest struct {
	Number string `json:"number"`
	Text   string `json:"text"`
	Delay  int    `json:"delay,omitempty"`
}

// SendText delivers a text message. Failures are logged as delivery
// failures, distinct from logic failures upstream.
func (c *Client) SendText(ctx context.Context, phone, text string) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	endpoint := fmt.Sprintf("%s/message/sendText/%s", c.baseURL, url.PathEscape(c.instance))
	body := sendTextRequest{Number: phone, Text: text, Delay: c.typingDelay}

	if err := c.doPost(ctx, endpoint, body, nil); err != nil {
		metrics.IncMessagesOut("error")
		c.logger.Error().Err(err).Str("phone", phone).Msg("message delivery failed")
		return fmt.Errorf("send text: %w", err)
	}
	metrics.IncMessagesOut("ok")
	return nil
}

type markReadRequest struct {
	ReadMessages []map[string]any `json:"readMessages"`
}

// MarkRead flags an inbound message as read in the conversation.
func (c *Client) MarkRead(ctx context.Context, remoteJID, messageID string) error {
	endpoint := fmt.Sprintf("%s/chat/markMessageAsRead/%s", c.baseURL, url.PathEscape(c.instance))
	body := markReadRequest{ReadMessages: []map[string]any{{
		"remoteJid": remoteJID,
		"id":        messageID,
		"fromMe":    false,
	}}}
	return c.doPost(ctx, endpoint, body, nil)
}

// ConnectionState reports the gateway instance state ("open" when the
// WhatsApp link is up).
func (c *Client) ConnectionState(ctx context.Context) (string, error) {
	endpoint := fmt.Sprintf("%s/instance/connectionState/%s", c.baseURL, url.PathEscape(c.instance))
	var resp struct {
		Instance struct {
			State string `json:"state"`
		} `json:"instance"`
	}
	if err := c.doGet(ctx, endpoint, &resp); err != nil {
		return "", err
	}
	return resp.Instance.State, nil
}

func (c *Client) doGet(ctx context.Context, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, http.NoBody)
	if err != nil {
		return err
	}
	c.addHeaders(req)
	return c.do(req, out)
}

func (c *Client) doPost(ctx context.Context, endpoint string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(string(data)))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.addHeaders(req)
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("http %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) addHeaders(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("apikey", c.apiKey)
	}
}
