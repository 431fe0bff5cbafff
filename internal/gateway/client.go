// Package gateway talks to the WhatsApp HTTP gateway: sending messages,
// listing the account's groups, and decoding inbound webhook deliveries.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

const requestTimeout = 30 * time.Second

// GroupInfo is the gateway's view of one group the account belongs to.
type GroupInfo struct {
	JID      string `json:"JID"`
	Name     string `json:"Name"`
	OwnerJID string `json:"OwnerJID"`
}

type Client struct {
	baseURL  string
	username string
	password string
	http     *http.Client
	logger   *zap.Logger
}

func NewClient(baseURL, username, password string, logger *zap.Logger) *Client {
	return &Client{
		baseURL:  baseURL,
		username: username,
		password: password,
		http:     &http.Client{Timeout: requestTimeout},
		logger:   logger,
	}
}

type sendRequest struct {
	Phone          string `json:"phone"`
	Message        string `json:"message"`
	ReplyMessageID string `json:"reply_message_id,omitempty"`
}

// SendMessage delivers text to a chat, optionally quoting replyToID.
func (c *Client) SendMessage(ctx context.Context, chatJID, text, replyToID string) error {
	body, err := json.Marshal(sendRequest{Phone: chatJID, Message: text, ReplyMessageID: replyToID})
	if err != nil {
		return fmt.Errorf("encode send request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/send/message", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build send request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(c.username, c.password)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("send message: gateway returned %d: %s", resp.StatusCode, payload)
	}

	c.logger.Debug("message sent", zap.String("chat_jid", chatJID), zap.Int("length", len(text)))
	return nil
}

type groupsResponse struct {
	Results struct {
		Data []GroupInfo `json:"data"`
	} `json:"results"`
}

// ListGroups returns every group the gateway account is a member of.
func (c *Client) ListGroups(ctx context.Context) ([]GroupInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/user/my/groups", nil)
	if err != nil {
		return nil, fmt.Errorf("build groups request: %w", err)
	}
	req.SetBasicAuth(c.username, c.password)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list groups: gateway returned %d", resp.StatusCode)
	}

	var decoded groupsResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode groups response: %w", err)
	}
	return decoded.Results.Data, nil
}
