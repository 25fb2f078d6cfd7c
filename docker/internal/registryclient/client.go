// Package registryclient implements the minimal OCI/Docker distribution
// v2 HTTP client this tool needs: Bearer-challenge authentication with a
// single retry, and typed manifest-list/manifest/blob GETs.
package registryclient

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/docker/distribution"
	"github.com/docker/distribution/manifest/manifestlist"
	"github.com/docker/distribution/manifest/schema2"
	"github.com/docker/go-connections/tlsconfig"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"
)

const (
	acceptManifestList = "application/vnd.docker.distribution.manifest.list.v2+json"
	acceptManifest     = "application/vnd.docker.distribution.manifest.v2+json"
	acceptBlob         = "application/vnd.docker.image.rootfs.diff.tar.gzip"
)

// ErrUnauthorized is returned when the registry still answers 401 after
// the single bearer-token retry the protocol allows.
var ErrUnauthorized = fmt.Errorf("registryclient: authentication failed")

// StatusError reports an unexpected HTTP status from the registry.
type StatusError struct {
	StatusCode int
	Method     string
	URL        string
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("registryclient: %s %s: unexpected status %d: %s", e.Method, e.URL, e.StatusCode, e.Body)
}

// Client is a single-registry, single-namespace HTTP session. It is not
// safe for concurrent use: it owns exactly the mutable state the bearer
// auth protocol requires (the current Authorization header) as a single
// field, rather than a package-level or global credential cache.
type Client struct {
	httpClient *retryablehttp.Client
	baseURL    string // https://<registry>/v2/<namespace>/
	username   string
	password   string

	authorization string // current Authorization header value, if any
}

// Option configures a Client.
type Option func(*Client)

// WithCredentials sets Basic credentials presented to the token endpoint,
// never to the registry itself.
func WithCredentials(username, password string) Option {
	return func(c *Client) {
		c.username = username
		c.password = password
	}
}

// WithInsecureTLS disables TLS certificate verification, for registries
// fronted by self-signed certs in test/dev environments. The base TLS
// config comes from tlsconfig.ClientDefault, the same helper the Docker
// CLI itself uses to build a client-side TLS config before relaxing it.
func WithInsecureTLS(insecure bool) Option {
	return func(c *Client) {
		if !insecure {
			return
		}
		tlsCfg := tlsconfig.ClientDefault()
		tlsCfg.InsecureSkipVerify = true

		transport, ok := c.httpClient.HTTPClient.Transport.(*http.Transport)
		if !ok || transport == nil {
			transport = &http.Transport{}
		} else {
			transport = transport.Clone()
		}
		transport.TLSClientConfig = tlsCfg
		c.httpClient.HTTPClient.Transport = transport
	}
}

// WithHTTPClient overrides the underlying *http.Client (e.g. in tests
// pointed at an httptest.Server, or to install an insecure TLS config).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient.HTTPClient = hc
	}
}

// WithBaseURL overrides the derived "https://<registry>/v2/<namespace>/"
// base URL outright, for pointing a Client at an httptest.Server or a
// plain-HTTP registry mirror.
func WithBaseURL(rawURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimSuffix(rawURL, "/") + "/"
	}
}

// New constructs a Client scoped to https://<registry>/v2/<namespace>/.
func New(registry, namespace string, opts ...Option) *Client {
	rc := retryablehttp.NewClient()
	rc.Logger = nil
	rc.RetryMax = 2
	rc.RetryWaitMin = 0
	rc.CheckRetry = retryablehttp.DefaultRetryPolicy
	// Once retries are exhausted, hand back the last response so its
	// status reaches acceptStatus instead of being replaced by a generic
	// "giving up" error.
	rc.ErrorHandler = func(resp *http.Response, err error, _ int) (*http.Response, error) {
		if resp != nil {
			return resp, nil
		}
		return nil, err
	}

	c := &Client{
		httpClient: rc,
		baseURL:    fmt.Sprintf("https://%s/v2/%s/", registry, namespace),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetManifestList fetches the manifest list (fat manifest) for ref,
// returning the parsed list and the registry's Docker-Content-Digest
// response header.
func (c *Client) GetManifestList(ctx context.Context, ref string) (*manifestlist.ManifestList, string, error) {
	resp, err := c.do(ctx, http.MethodGet, "manifests/"+ref, acceptManifestList, "")
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("registryclient: reading manifest list body: %w", err)
	}

	var ml manifestlist.ManifestList
	if err := json.Unmarshal(body, &ml); err != nil {
		return nil, "", fmt.Errorf("registryclient: decoding manifest list: %w", err)
	}
	return &ml, resp.Header.Get("Docker-Content-Digest"), nil
}

// GetManifest fetches a single-platform manifest by tag or digest.
func (c *Client) GetManifest(ctx context.Context, ref string) (*schema2.Manifest, error) {
	resp, err := c.do(ctx, http.MethodGet, "manifests/"+ref, acceptManifest, "")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("registryclient: reading manifest body: %w", err)
	}

	var m schema2.Manifest
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, fmt.Errorf("registryclient: decoding manifest: %w", err)
	}
	return &m, nil
}

// GetBlobBytes fetches a blob in full (used for the small image-config
// blob; large layer blobs go through GetBlobStream instead).
func (c *Client) GetBlobBytes(ctx context.Context, dgst distribution.Descriptor) ([]byte, error) {
	resp, err := c.do(ctx, http.MethodGet, "blobs/"+dgst.Digest.String(), "", "")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

// GetBlobStream issues a streaming blob GET, optionally resuming via a
// Range header (e.g. "bytes=1000-"). The caller owns the returned
// response body and must close it. The Range header is set on this
// request only; the Client keeps no Range state, so it never leaks into
// an unrelated later call.
func (c *Client) GetBlobStream(ctx context.Context, digestStr, rangeHeader string) (*http.Response, error) {
	return c.do(ctx, http.MethodGet, "blobs/"+digestStr, acceptBlob, rangeHeader)
}

// do performs one logical request, handling the bearer-challenge retry
// exactly once: issue the request; on 401, negotiate a token from the
// WWW-Authenticate challenge, replace the session Authorization header,
// and retry the same request once more. A second 401 is fatal.
func (c *Client) do(ctx context.Context, method, relPath, accept, rangeHeader string) (*http.Response, error) {
	resp, err := c.request(ctx, method, relPath, accept, rangeHeader)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusUnauthorized {
		return acceptStatus(resp, method, relPath)
	}
	resp.Body.Close()

	challenge := resp.Header.Get("WWW-Authenticate")
	if err := c.authenticate(ctx, challenge); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}

	resp, err = c.request(ctx, method, relPath, accept, rangeHeader)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		resp.Body.Close()
		return nil, ErrUnauthorized
	}
	return acceptStatus(resp, method, relPath)
}

// acceptStatus returns resp for the HTTP statuses treated as successful
// outcomes of a registry call and a *StatusError for any other. 206
// answers a resumed (Range) blob GET; 416 signals "range not
// satisfiable" for the resume path and is handled by the caller, not
// treated as an error.
func acceptStatus(resp *http.Response, method, relPath string) (*http.Response, error) {
	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusAccepted, http.StatusNoContent, http.StatusPartialContent, http.StatusRequestedRangeNotSatisfiable:
		return resp, nil
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, &StatusError{StatusCode: resp.StatusCode, Method: method, URL: relPath, Body: string(body)}
	}
}

func (c *Client) request(ctx context.Context, method, relPath, accept, rangeHeader string) (*http.Response, error) {
	u := c.baseURL + relPath
	req, err := retryablehttp.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return nil, fmt.Errorf("registryclient: building request: %w", err)
	}
	if c.authorization != "" {
		req.Header.Set("Authorization", c.authorization)
	}
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	if rangeHeader != "" {
		req.Header.Set("Range", rangeHeader)
	}

	logrus.Debugf("registryclient: %s %s", method, u)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("registryclient: %s %s: %w", method, u, err)
	}
	return resp, nil
}

// authenticate parses a WWW-Authenticate bearer challenge, fetches a
// token, and installs it as the session's Authorization header.
func (c *Client) authenticate(ctx context.Context, challenge string) error {
	scheme, params, err := parseWWWAuthenticate(challenge)
	if err != nil {
		return err
	}
	if !strings.EqualFold(scheme, "bearer") {
		return fmt.Errorf("unsupported auth scheme %q", scheme)
	}

	realm, ok := params["realm"]
	if !ok {
		return fmt.Errorf("bearer challenge missing realm")
	}

	tokenURL, err := url.Parse(realm)
	if err != nil {
		return fmt.Errorf("parsing realm %q: %w", realm, err)
	}
	q := tokenURL.Query()
	if svc, ok := params["service"]; ok {
		q.Set("service", svc)
	}
	if scope, ok := params["scope"]; ok {
		q.Set("scope", scope)
	}
	tokenURL.RawQuery = q.Encode()

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, tokenURL.String(), nil)
	if err != nil {
		return fmt.Errorf("building token request: %w", err)
	}
	if c.username != "" || c.password != "" {
		req.Header.Set("Authorization", basicAuthHeader(c.username, c.password))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, string(body))
	}

	var tr struct {
		Token       string `json:"token"`
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return fmt.Errorf("decoding token response: %w", err)
	}
	token := tr.Token
	if token == "" {
		token = tr.AccessToken
	}
	if token == "" {
		return fmt.Errorf("token response missing token")
	}

	c.authorization = "Bearer " + token
	return nil
}

func basicAuthHeader(user, pass string) string {
	raw := user + ":" + pass
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(raw))
}

// parseWWWAuthenticate splits a "<scheme> key=\"val\", key=val, ..."
// challenge header into its scheme and key/value parameters.
func parseWWWAuthenticate(header string) (scheme string, params map[string]string, err error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", nil, fmt.Errorf("empty WWW-Authenticate header")
	}
	sp := strings.IndexByte(header, ' ')
	if sp < 0 {
		return header, map[string]string{}, nil
	}
	scheme = header[:sp]
	rest := header[sp+1:]

	params = map[string]string{}
	for _, part := range splitParams(rest) {
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			continue
		}
		key := strings.TrimSpace(kv[0])
		val := strings.TrimSpace(kv[1])
		val = strings.Trim(val, `"`)
		params[key] = val
	}
	return scheme, params, nil
}

// splitParams splits a comma-separated "k=v" list while respecting
// double-quoted values that may themselves contain commas.
func splitParams(s string) []string {
	var parts []string
	var cur strings.Builder
	inQuotes := false
	for _, r := range s {
		switch r {
		case '"':
			inQuotes = !inQuotes
			cur.WriteRune(r)
		case ',':
			if inQuotes {
				cur.WriteRune(r)
			} else {
				parts = append(parts, cur.String())
				cur.Reset()
			}
		default:
			cur.WriteRune(r)
		}
	}
	if cur.Len() > 0 {
		parts = append(parts, cur.String())
	}
	return parts
}

// ContentLength returns the parsed Content-Length header, or 0 if absent
// or malformed; callers treat 0 as "unknown" for progress
// reporting.
func ContentLength(resp *http.Response) int64 {
	n, err := strconv.ParseInt(resp.Header.Get("Content-Length"), 10, 64)
	if err != nil {
		return 0
	}
	return n
}
