package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/Laisky/errors/v2"

	"github.com/coreshub/imaas-gateway/common/config"
)

// ChargeIntent is one billable batch item sent to the upstream biller.
// EventId is the idempotency key; the upstream rejects duplicates, our side
// keeps meter remainders so re-runs never over-charge.
type ChargeIntent struct {
	EventId   string `json:"event_id"`
	User      string `json:"user"`
	Zone      string `json:"zone"`
	Unit      string `json:"unit"`
	TokenType string `json:"token_type"`
	Model     string `json:"model"`
	Mount     int64  `json:"mount"`
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`
	ChannelId int    `json:"channel_id"`
}

// ChargeResult is the upstream's per-event outcome.
type ChargeResult struct {
	Result    string `json:"result"`
	ResultMsg string `json:"result_msg"`
}

const ChargeResultSuccess = "success"

// UserInfo is the directory record for a user id.
type UserInfo struct {
	UserName string `json:"user_name"`
	Role     string `json:"role"`
}

// Product prices one (model, token_type, unit) combination.
type Product struct {
	ProductId string `json:"product_id"`
	Model     string `json:"model"`
	TokenType string `json:"token_type"`
	Unit      string `json:"unit"`
}

// Upstream is the billing and user-directory collaborator. The HTTP client
// below is the production implementation; tests substitute their own.
type Upstream interface {
	// CheckBalance probes whether user can afford mount units of
	// (model, tokenType, unit). True means sufficient.
	CheckBalance(ctx context.Context, user, modelCategory, modelName, tokenType string, mount int64, unit string) (bool, error)
	// Charge submits a batch of intents and returns outcomes keyed by event id.
	Charge(ctx context.Context, intents []ChargeIntent) (map[string]ChargeResult, error)
	// GetUser looks a user up in the directory.
	GetUser(ctx context.Context, userId string) (*UserInfo, error)
	// ListProducts fetches the full product catalog.
	ListProducts(ctx context.Context) ([]Product, error)
}

// Client is the default Upstream over HTTP.
type Client struct {
	host string
	http *http.Client
}

func NewClient() *Client {
	return &Client{
		host: config.UpstreamBillingHost,
		http: &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *Client) post(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "marshal payload failed")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.host+path, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "build request failed")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "call %s failed", path)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("call %s failed with status %d", path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return errors.Wrapf(json.NewDecoder(resp.Body).Decode(out), "decode %s response failed", path)
}

func (c *Client) CheckBalance(ctx context.Context, user, modelCategory, modelName, tokenType string, mount int64, unit string) (bool, error) {
	payload := map[string]any{
		"user":           config.MapAccount(user),
		"zone":           config.UpstreamZone,
		"model_category": modelCategory,
		"model":          modelName,
		"token_type":     tokenType,
		"mount":          mount,
		"unit":           unit,
	}
	var result struct {
		RetCode int `json:"ret_code"`
	}
	if err := c.post(ctx, "/balance/check", payload, &result); err != nil {
		return false, err
	}
	return result.RetCode == 0, nil
}

func (c *Client) Charge(ctx context.Context, intents []ChargeIntent) (map[string]ChargeResult, error) {
	mapped := make([]ChargeIntent, len(intents))
	for i, intent := range intents {
		mapped[i] = intent
		mapped[i].User = config.MapAccount(intent.User)
	}
	var result struct {
		Results map[string]ChargeResult `json:"results"`
	}
	if err := c.post(ctx, "/balance/charge", map[string]any{"events": mapped}, &result); err != nil {
		return nil, err
	}
	return result.Results, nil
}

func (c *Client) GetUser(ctx context.Context, userId string) (*UserInfo, error) {
	var info UserInfo
	err := c.post(ctx, "/users/describe",
		map[string]any{"user": config.MapAccount(userId), "zone": config.UpstreamZone}, &info)
	if err != nil {
		return nil, err
	}
	return &info, nil
}

func (c *Client) ListProducts(ctx context.Context) ([]Product, error) {
	var result struct {
		Products []Product `json:"products"`
	}
	err := c.post(ctx, "/products/describe",
		map[string]any{"zone": config.UpstreamZone}, &result)
	if err != nil {
		return nil, err
	}
	return result.Products, nil
}

// ensure Client satisfies Upstream
var _ Upstream = (*Client)(nil)

// ProductKey identifies a product in the cached catalog.
func ProductKey(modelName, tokenType, unit string) string {
	return fmt.Sprintf("%s:%s:%s", modelName, tokenType, unit)
}
