// Package ledgerclient is the device-side HTTP client for the ledger API.
// The reconciler uses it to pull authoritative transactions; the wallet
// facade uses it to push device-originated usage upstream.
package ledgerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/kolayodeme/matchpoints/internal/ledgerwire"
	"github.com/kolayodeme/matchpoints/pkg/wallet"
)

const defaultTimeout = 10 * time.Second

// Sentinel client errors.
var (
	ErrUnauthorized      = errors.New("ledger rejected the bearer token")
	ErrRemoteUnavailable = errors.New("ledger unavailable")
)

// Client talks to one ledger API endpoint on behalf of one bearer token.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *zap.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(client *Client) {
		if httpClient != nil {
			client.httpClient = httpClient
		}
	}
}

// WithLogger wires a logger.
func WithLogger(logger *zap.Logger) Option {
	return func(client *Client) {
		if logger != nil {
			client.logger = logger
		}
	}
}

// New wires a Client.
func New(baseURL string, token string, options ...Option) (*Client, error) {
	parsed, err := url.Parse(baseURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid ledger base url %q", baseURL)
	}
	if token == "" {
		return nil, fmt.Errorf("bearer token is required")
	}
	client := &Client{
		baseURL:    baseURL,
		token:      token,
		httpClient: &http.Client{Timeout: defaultTimeout},
		logger:     zap.NewNop(),
	}
	for _, option := range options {
		if option != nil {
			option(client)
		}
	}
	return client, nil
}

// TransactionsSince returns the user's remote transactions created strictly
// after sinceUnixUTC.
func (client *Client) TransactionsSince(ctx context.Context, userID wallet.UserID, sinceUnixUTC int64) ([]ledgerwire.Transaction, error) {
	query := url.Values{}
	query.Set("since", strconv.FormatInt(sinceUnixUTC, 10))
	query.Set("user", userID.String())
	var response struct {
		Transactions []ledgerwire.Transaction `json:"transactions"`
	}
	if err := client.get(ctx, "/api/transactions?"+query.Encode(), &response); err != nil {
		return nil, err
	}
	return response.Transactions, nil
}

// RecordUsage uploads a device-originated usage transaction. The client
// supplies the id, so replaying after a network failure is safe; the server
// reports replays as duplicates and those count as success here.
func (client *Client) RecordUsage(ctx context.Context, transactionID wallet.TransactionID, transactionType string, amount int64, description string) error {
	payload := map[string]any{
		"id":          transactionID.String(),
		"type":        transactionType,
		"amount":      amount,
		"description": description,
	}
	var response struct {
		Status string `json:"status"`
	}
	if err := client.post(ctx, "/api/transactions", payload, &response); err != nil {
		return err
	}
	if response.Status == "duplicate" {
		client.logger.Debug("usage upload replayed", zap.String("transaction_id", transactionID.String()))
	}
	return nil
}

// Notifications returns the user's remote notifications.
func (client *Client) Notifications(ctx context.Context, unreadOnly bool) ([]ledgerwire.Notification, error) {
	path := "/api/notifications"
	if unreadOnly {
		path += "?unread=true"
	}
	var response struct {
		Notifications []ledgerwire.Notification `json:"notifications"`
	}
	if err := client.get(ctx, path, &response); err != nil {
		return nil, err
	}
	return response.Notifications, nil
}

// MarkNotificationRead flags a remote notification as read.
func (client *Client) MarkNotificationRead(ctx context.Context, notificationID string) error {
	return client.do(ctx, http.MethodPatch, "/api/notifications/"+url.PathEscape(notificationID)+"/read", nil, nil)
}

func (client *Client) get(ctx context.Context, path string, out any) error {
	return client.do(ctx, http.MethodGet, path, nil, out)
}

func (client *Client) post(ctx context.Context, path string, payload any, out any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return client.do(ctx, http.MethodPost, path, raw, out)
}

func (client *Client) do(ctx context.Context, method string, path string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	request, err := http.NewRequestWithContext(ctx, method, client.baseURL+path, reader)
	if err != nil {
		return err
	}
	request.Header.Set("Authorization", "Bearer "+client.token)
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}

	response, err := client.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRemoteUnavailable, err)
	}
	defer func() { _ = response.Body.Close() }()

	switch {
	case response.StatusCode == http.StatusUnauthorized:
		return ErrUnauthorized
	case response.StatusCode >= http.StatusInternalServerError:
		return fmt.Errorf("%w: status %d", ErrRemoteUnavailable, response.StatusCode)
	case response.StatusCode != http.StatusOK:
		return fmt.Errorf("ledger returned status %d for %s %s", response.StatusCode, method, path)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(response.Body).Decode(out); err != nil {
		return fmt.Errorf("decode ledger response: %w", err)
	}
	return nil
}
