package email

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

const (
	defaultAPIURL = "https://api.postmarkapp.com/email"
	// Transactional stream; broadcast streams need list consent.
	defaultStream = "outbound"
)

// Client sends transactional mail through Postmark.
type Client struct {
	serverToken string
	fromEmail   string
	baseURL     string
	apiURL      string
	stream      string
	httpClient  *http.Client
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.httpClient = c }
}

// WithAPIURL points the client at a different Postmark-compatible endpoint.
func WithAPIURL(u string) Option {
	return func(cl *Client) { cl.apiURL = u }
}

func WithMessageStream(stream string) Option {
	return func(cl *Client) { cl.stream = stream }
}

func NewClient(serverToken, fromEmail, baseURL string, opts ...Option) *Client {
	c := &Client{
		serverToken: serverToken,
		fromEmail:   fromEmail,
		baseURL:     baseURL,
		apiURL:      defaultAPIURL,
		stream:      defaultStream,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Configured reports whether a server token and sender are set.
func (c *Client) Configured() bool {
	return c.serverToken != "" && c.fromEmail != ""
}

// APIError is a rejection reported by Postmark.
type APIError struct {
	Status    int
	ErrorCode int    `json:"ErrorCode"`
	Message   string `json:"Message"`
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("postmark: status %d", e.Status)
	}
	return fmt.Sprintf("postmark: status %d code %d: %s", e.Status, e.ErrorCode, e.Message)
}

type message struct {
	From          string `json:"From"`
	To            string `json:"To"`
	Subject       string `json:"Subject"`
	HtmlBody      string `json:"HtmlBody"`
	TextBody      string `json:"TextBody"`
	Tag           string `json:"Tag,omitempty"`
	MessageStream string `json:"MessageStream"`
}

// SendMagicLink mails a sign-in link carrying token.
func (c *Client) SendMagicLink(ctx context.Context, toEmail, token string) error {
	link := c.baseURL + "/auth/verify?token=" + url.QueryEscape(token)
	return c.send(ctx, message{
		To:      toEmail,
		Subject: "Sign in to Subconscious Valley",
		TextBody: "Use the link below to sign in to Subconscious Valley:\n\n" + link +
			"\n\nThe link expires in 15 minutes. If you did not ask for it you can ignore this email.",
		HtmlBody: `<p>Use the link below to sign in to Subconscious Valley:</p>` +
			`<p><a href="` + link + `">Sign in</a></p>` +
			`<p>The link expires in 15 minutes. If you did not ask for it you can ignore this email.</p>`,
		Tag: "magic-link",
	})
}

func (c *Client) send(ctx context.Context, msg message) error {
	if !c.Configured() {
		return fmt.Errorf("email client not configured")
	}
	msg.From = c.fromEmail
	msg.MessageStream = c.stream

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal email: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Postmark-Server-Token", c.serverToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send email: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 400 {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	apiErr := &APIError{Status: resp.StatusCode}
	json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(apiErr)
	return apiErr
}
