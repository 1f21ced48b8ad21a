package model

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	logx "leafbot/pkg/logx"
)

const (
	ernieTokenURL   = "https://aip.baidubce.com/oauth/2.0/token"
	ernieChatFormat = "https://aip.baidubce.com/rpc/2.0/ai_custom/v1/wenxinworkshop/chat/%s"
)

// ernieClient talks to Baidu's ERNIE chat API. The API is not
// OpenAI-shaped: auth is an OAuth access token passed as a query
// parameter, and the reply lives in a top-level "result" field.
type ernieClient struct {
	apiKey      string
	secretKey   string
	model       string
	temperature float64
	http        *http.Client
	log         logx.Logger

	// token endpoints, overridable in tests
	tokenURL string
	chatURL  string

	mu       sync.Mutex
	token    string
	tokenExp time.Time
}

func newErnie(cfg Config, log logx.Logger) *ernieClient {
	name := cfg.Name
	if name == "" {
		name = "completions"
	}
	c := &ernieClient{
		apiKey:      cfg.APIKey,
		secretKey:   cfg.SecretKey,
		model:       name,
		temperature: cfg.Temperature,
		http:        &http.Client{Timeout: cfg.Timeout},
		log:         log,
		tokenURL:    ernieTokenURL,
		chatURL:     fmt.Sprintf(ernieChatFormat, name),
	}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		base := strings.TrimRight(cfg.BaseURL, "/")
		c.tokenURL = base + "/oauth/2.0/token"
		c.chatURL = base + "/rpc/2.0/ai_custom/v1/wenxinworkshop/chat/" + name
	}
	return c
}

func (c *ernieClient) Complete(ctx context.Context, persona, userText string) (string, error) {
	token, err := c.accessToken(ctx)
	if err != nil {
		return "", err
	}

	body := map[string]any{
		"messages": []map[string]string{
			{"role": "user", "content": userText},
		},
	}
	if strings.TrimSpace(persona) != "" {
		body["system"] = persona
	}
	if c.temperature > 0 {
		body["temperature"] = c.temperature
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("ernie: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.chatURL+"?access_token="+url.QueryEscape(token), bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("ernie: %w", err)
	}
	defer resp.Body.Close()

	var out struct {
		Result    string `json:"result"`
		ErrorCode int    `json:"error_code"`
		ErrorMsg  string `json:"error_msg"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("ernie: decode response: %w", err)
	}
	if out.ErrorCode != 0 {
		if out.ErrorCode == 110 || out.ErrorCode == 111 {
			// Token expired or invalid; force a refresh on the next call.
			c.mu.Lock()
			c.token = ""
			c.mu.Unlock()
		}
		return "", fmt.Errorf("ernie: api error %d: %s", out.ErrorCode, out.ErrorMsg)
	}
	if strings.TrimSpace(out.Result) == "" {
		return "", fmt.Errorf("ernie: empty result")
	}
	return strings.TrimSpace(out.Result), nil
}

func (c *ernieClient) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.token != "" && time.Now().Before(c.tokenExp) {
		t := c.token
		c.mu.Unlock()
		return t, nil
	}
	c.mu.Unlock()

	q := url.Values{}
	q.Set("grant_type", "client_credentials")
	q.Set("client_id", c.apiKey)
	q.Set("client_secret", c.secretKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL+"?"+q.Encode(), nil)
	if err != nil {
		return "", err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("ernie: token fetch: %w", err)
	}
	defer resp.Body.Close()

	var out struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
		Error       string `json:"error"`
		ErrorDesc   string `json:"error_description"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("ernie: decode token: %w", err)
	}
	if out.AccessToken == "" {
		return "", fmt.Errorf("ernie: token fetch failed: %s %s", out.Error, out.ErrorDesc)
	}

	exp := time.Duration(out.ExpiresIn) * time.Second
	if exp <= 0 {
		exp = time.Hour
	}

	c.mu.Lock()
	c.token = out.AccessToken
	// Renew a little early to dodge clock skew.
	c.tokenExp = time.Now().Add(exp - 5*time.Minute)
	c.mu.Unlock()
	return out.AccessToken, nil
}
