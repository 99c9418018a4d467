// Package remote is a thin client for the remote system of record.
//
// It handles the JWT bearer grant, caches the access token and per-type
// field descriptions on the Client, and maps every failure to either an
// *AuthError or a *RemoteError.
package remote

import (
	"bytes"
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultAPIVersion is the data API version used in request paths.
	DefaultAPIVersion = "v61.0"

	// DefaultTimeout bounds every remote call.
	DefaultTimeout = 30 * time.Second

	// DefaultTokenTTL is how long a token is trusted after issue.
	DefaultTokenTTL = 14 * time.Minute

	// refreshMargin forces a refresh when less validity than this remains.
	refreshMargin = 30 * time.Second

	assertionLifetime = 3 * time.Minute
	jwtBearerGrant    = "urn:ietf:params:oauth:grant-type:jwt-bearer"
)

// Config holds client settings.
type Config struct {
	LoginURL      string        // e.g. https://test.salesforce.com
	ClientID      string        // connected app consumer key
	Username      string        // integration user
	PrivateKeyPEM []byte        // RS256 signing key
	Audience      string        // defaults to LoginURL
	APIVersion    string        // defaults to DefaultAPIVersion
	Timeout       time.Duration // per call; defaults to DefaultTimeout
	TokenTTL      time.Duration // defaults to DefaultTokenTTL
	HTTPClient    *http.Client
}

// Record is one row returned by a query.
type Record map[string]any

// ID returns the remote identifier of the record.
func (r Record) ID() string { return r.String("Id") }

// String returns the field as a string, or "" if absent or null.
func (r Record) String(field string) string {
	switch v := r[field].(type) {
	case nil:
		return ""
	case string:
		return v
	case float64, bool:
		return fmt.Sprint(v)
	default:
		return ""
	}
}

// Bool returns the field as a bool. Absent or non-bool values are false.
func (r Record) Bool(field string) bool {
	b, _ := r[field].(bool)
	return b
}

// Float returns the field as a float64. Absent or non-numeric values are 0.
func (r Record) Float(field string) float64 {
	f, _ := r[field].(float64)
	return f
}

// FieldSet is the set of field names an object type accepts.
type FieldSet map[string]struct{}

// Has reports whether name is a known field.
func (fs FieldSet) Has(name string) bool {
	_, ok := fs[name]
	return ok
}

// Filter returns a copy of fields without unknown names and without nil or
// blank string values.
func (fs FieldSet) Filter(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		if !fs.Has(k) || v == nil {
			continue
		}
		if s, ok := v.(string); ok && strings.TrimSpace(s) == "" {
			continue
		}
		out[k] = v
	}
	return out
}

type token struct {
	accessToken string
	instanceURL string
	expiresAt   time.Time
}

// Client talks to the remote system. It is safe for concurrent use.
type Client struct {
	cfg    Config
	http   *http.Client
	key    *rsa.PrivateKey
	logger logrus.FieldLogger
	now    func() time.Time

	group singleflight.Group

	mu       sync.Mutex
	tok      *token
	describe map[string]FieldSet
}

// New creates a client. A nil logger falls back to the standard logrus logger.
func New(cfg Config, logger logrus.FieldLogger) (*Client, error) {
	if cfg.APIVersion == "" {
		cfg.APIVersion = DefaultAPIVersion
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = DefaultTokenTTL
	}
	if cfg.Audience == "" {
		cfg.Audience = strings.TrimRight(cfg.LoginURL, "/")
	}
	if logger == nil {
		logger = logrus.StandardLogger().WithField("component", "remote")
	}

	c := &Client{
		cfg:      cfg,
		http:     cfg.HTTPClient,
		logger:   logger,
		now:      time.Now,
		describe: make(map[string]FieldSet),
	}
	if c.http == nil {
		c.http = &http.Client{}
	}
	if len(cfg.PrivateKeyPEM) > 0 {
		key, err := jwt.ParseRSAPrivateKeyFromPEM(cfg.PrivateKeyPEM)
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		c.key = key
	}
	return c, nil
}

// Authenticate returns a valid access token and instance URL, exchanging a
// fresh assertion when the cached token is missing or about to expire.
func (c *Client) Authenticate(ctx context.Context) (string, string, error) {
	if t := c.cachedToken(); t != nil {
		return t.accessToken, t.instanceURL, nil
	}

	v, err, _ := c.group.Do("token", func() (any, error) {
		if t := c.cachedToken(); t != nil {
			return t, nil
		}
		t, err := c.fetchToken(ctx)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.tok = t
		c.mu.Unlock()
		return t, nil
	})
	if err != nil {
		return "", "", err
	}
	t := v.(*token)
	return t.accessToken, t.instanceURL, nil
}

func (c *Client) cachedToken() *token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tok == nil || c.now().Add(refreshMargin).After(c.tok.expiresAt) {
		return nil
	}
	return c.tok
}

func (c *Client) fetchToken(ctx context.Context) (*token, error) {
	if c.key == nil {
		return nil, &AuthError{Err: fmt.Errorf("private key not configured")}
	}

	now := c.now()
	claims := jwt.MapClaims{
		"iss": c.cfg.ClientID,
		"sub": c.cfg.Username,
		"aud": c.cfg.Audience,
		"exp": now.Add(assertionLifetime).Unix(),
	}
	assertion, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(c.key)
	if err != nil {
		return nil, &AuthError{Err: fmt.Errorf("failed to sign assertion: %w", err)}
	}

	form := url.Values{
		"grant_type": {jwtBearerGrant},
		"assertion":  {assertion},
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	endpoint := strings.TrimRight(c.cfg.LoginURL, "/") + "/services/oauth2/token"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, &AuthError{Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &AuthError{Err: err}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, &AuthError{Status: resp.StatusCode, Body: string(body)}
	}

	var out struct {
		AccessToken string `json:"access_token"`
		InstanceURL string `json:"instance_url"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, &AuthError{Status: resp.StatusCode, Err: fmt.Errorf("failed to decode token response: %w", err)}
	}
	if out.AccessToken == "" || out.InstanceURL == "" {
		return nil, &AuthError{Status: resp.StatusCode, Body: "token response missing access_token or instance_url"}
	}

	c.logger.WithField("instance_url", out.InstanceURL).Debug("obtained access token")
	return &token{
		accessToken: out.AccessToken,
		instanceURL: strings.TrimRight(out.InstanceURL, "/"),
		expiresAt:   now.Add(c.cfg.TokenTTL),
	}, nil
}

func (c *Client) dataPath(suffix string) string {
	return "/services/data/" + c.cfg.APIVersion + suffix
}

// do issues an authenticated request against the instance and returns the
// response body for 2xx responses.
func (c *Client) do(ctx context.Context, method, path string, payload any) ([]byte, error) {
	accessToken, instanceURL, err := c.Authenticate(ctx)
	if err != nil {
		return nil, err
	}

	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request body: %w", err)
		}
		body = bytes.NewReader(data)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, instanceURL+path, body)
	if err != nil {
		return nil, &RemoteError{Method: method, Path: path, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &RemoteError{Method: method, Path: path, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &RemoteError{Method: method, Path: path, Status: resp.StatusCode, Err: err}
	}
	if resp.StatusCode == http.StatusUnauthorized {
		// Session revoked early; make the next call re-authenticate.
		c.mu.Lock()
		c.tok = nil
		c.mu.Unlock()
	}
	if resp.StatusCode >= 300 {
		return nil, &RemoteError{Method: method, Path: path, Status: resp.StatusCode, Body: string(data)}
	}
	return data, nil
}

type queryPage struct {
	Done           bool     `json:"done"`
	NextRecordsURL string   `json:"nextRecordsUrl"`
	Records        []Record `json:"records"`
}

// Query runs soql and returns every record, following pagination.
func (c *Client) Query(ctx context.Context, soql string) ([]Record, error) {
	path := c.dataPath("/query/?q=" + url.QueryEscape(soql))
	var records []Record
	for path != "" {
		data, err := c.do(ctx, http.MethodGet, path, nil)
		if err != nil {
			return nil, err
		}
		var page queryPage
		if err := json.Unmarshal(data, &page); err != nil {
			return nil, &RemoteError{Method: http.MethodGet, Path: path, Err: fmt.Errorf("failed to decode query page: %w", err)}
		}
		records = append(records, page.Records...)
		if page.Done {
			break
		}
		path = page.NextRecordsURL
	}
	return records, nil
}

// Describe returns the field names of objectType, cached per lower-cased type.
func (c *Client) Describe(ctx context.Context, objectType string) (FieldSet, error) {
	cacheKey := strings.ToLower(objectType)

	c.mu.Lock()
	fs, ok := c.describe[cacheKey]
	c.mu.Unlock()
	if ok {
		return fs, nil
	}

	data, err := c.do(ctx, http.MethodGet, c.dataPath("/sobjects/"+objectType+"/describe"), nil)
	if err != nil {
		return nil, err
	}
	var out struct {
		Fields []struct {
			Name string `json:"name"`
		} `json:"fields"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to decode describe for %s: %w", objectType, err)
	}

	fs = make(FieldSet, len(out.Fields))
	for _, f := range out.Fields {
		fs[f.Name] = struct{}{}
	}

	c.mu.Lock()
	c.describe[cacheKey] = fs
	c.mu.Unlock()
	return fs, nil
}

// Create inserts a record and returns its remote id. Fields the object type
// does not declare, and blank values, are dropped before sending.
func (c *Client) Create(ctx context.Context, objectType string, fields map[string]any) (string, error) {
	fs, err := c.Describe(ctx, objectType)
	if err != nil {
		return "", err
	}
	path := c.dataPath("/sobjects/" + objectType + "/")
	data, err := c.do(ctx, http.MethodPost, path, fs.Filter(fields))
	if err != nil {
		return "", err
	}
	var out struct {
		ID      string `json:"id"`
		Success bool   `json:"success"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return "", &RemoteError{Method: http.MethodPost, Path: path, Err: fmt.Errorf("failed to decode create response: %w", err)}
	}
	if out.ID == "" {
		return "", &RemoteError{Method: http.MethodPost, Path: path, Status: http.StatusOK, Body: string(data)}
	}
	return out.ID, nil
}

// Update patches fields on an existing record, with the same filtering as Create.
func (c *Client) Update(ctx context.Context, objectType, remoteID string, fields map[string]any) error {
	fs, err := c.Describe(ctx, objectType)
	if err != nil {
		return err
	}
	filtered := fs.Filter(fields)
	if len(filtered) == 0 {
		return nil
	}
	_, err = c.do(ctx, http.MethodPatch, c.dataPath("/sobjects/"+objectType+"/"+remoteID), filtered)
	return err
}

// CallProcedure invokes a named server-side procedure with a JSON payload.
func (c *Client) CallProcedure(ctx context.Context, name string, payload any) (map[string]any, error) {
	path := "/services/apexrest/" + strings.TrimLeft(name, "/")
	data, err := c.do(ctx, http.MethodPost, path, payload)
	if err != nil {
		return nil, err
	}
	out := map[string]any{}
	if len(bytes.TrimSpace(data)) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, &RemoteError{Method: http.MethodPost, Path: path, Err: fmt.Errorf("failed to decode procedure response: %w", err)}
	}
	return out, nil
}

// FindByKey looks up a record whose keyField equals key.
func (c *Client) FindByKey(ctx context.Context, objectType, keyField, key string) (string, bool, error) {
	q := Select("Id").From(objectType).Where(Eq(keyField, key)).Limit(1)
	records, err := c.Query(ctx, q.String())
	if err != nil {
		return "", false, err
	}
	if len(records) == 0 {
		return "", false, nil
	}
	return records[0].ID(), true, nil
}
