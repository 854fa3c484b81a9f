package manifest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/ProtonMail/go-crypto/openpgp"

	"github.com/oshokin/app-launcher/internal/config"
	"github.com/oshokin/app-launcher/internal/domain/release"
	"github.com/oshokin/app-launcher/internal/logger"
	"github.com/oshokin/app-launcher/internal/version"
)

var (
	// ErrManifestUnavailable covers network, timeout and HTTP status failures.
	ErrManifestUnavailable = errors.New("manifest unavailable")
	// ErrManifestMalformed covers missing fields, invalid versions and bad signatures.
	ErrManifestMalformed = errors.New("manifest malformed")
	// ErrSignatureInvalid is wrapped into ErrManifestMalformed when the detached signature does not verify.
	ErrSignatureInvalid = errors.New("manifest signature invalid")

	// errBadHTTPStatus reports a non-200 answer.
	errBadHTTPStatus = errors.New("unexpected http status")
	// errManifestTooLarge guards against an endpoint streaming garbage.
	errManifestTooLarge = errors.New("manifest exceeds size limit")
)

const (
	// maxManifestBytes bounds the manifest and signature documents.
	maxManifestBytes = 1 << 20

	// SignatureSuffix is appended to the manifest URL to locate its armored detached signature.
	SignatureSuffix = ".asc"
)

// Client fetches the release manifest from the distribution endpoint.
type Client struct {
	// manifestURL is the parsed manifest location; relative artifact URLs resolve against it.
	manifestURL *url.URL
	// httpClient performs requests; its Timeout bounds every read.
	httpClient *http.Client
	// token is sent as a bearer token when not empty.
	token string
	// keyring enables signature verification when not nil.
	keyring openpgp.EntityList
}

// Option configures client behaviour.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.httpClient = httpClient
		}
	}
}

// WithTimeout bounds every manifest request.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.httpClient = &http.Client{Timeout: timeout}
		}
	}
}

// WithToken sends a bearer token with every request.
func WithToken(token string) Option {
	return func(c *Client) {
		c.token = token
	}
}

// WithKeyring requires a valid detached signature made by one of the given keys.
func WithKeyring(keyring openpgp.EntityList) Option {
	return func(c *Client) {
		if len(keyring) > 0 {
			c.keyring = keyring
		}
	}
}

// NewClient creates a manifest client for manifestURL.
func NewClient(manifestURL string, opts ...Option) (*Client, error) {
	parsed, err := url.ParseRequestURI(manifestURL)
	if err != nil {
		return nil, fmt.Errorf("parse manifest url: %w", err)
	}

	client := &Client{
		manifestURL: parsed,
		httpClient:  &http.Client{Timeout: config.DefaultTimeout},
	}

	for _, opt := range opts {
		opt(client)
	}

	return client, nil
}

// LoadKeyring reads an armored OpenPGP public key ring from path.
func LoadKeyring(path string) (openpgp.EntityList, error) {
	file, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("open signing key: %w", err)
	}

	defer func() {
		_ = file.Close()
	}()

	keyring, err := openpgp.ReadArmoredKeyRing(file)
	if err != nil {
		return nil, fmt.Errorf("read signing key: %w", err)
	}

	return keyring, nil
}

// Fetch downloads and parses the manifest. It does not retry; retry policy
// belongs to the orchestrator.
func (c *Client) Fetch(ctx context.Context) (*release.VersionDescriptor, error) {
	ctx = logger.WithName(ctx, "manifest")

	data, err := c.get(ctx, c.manifestURL.String())
	if err != nil {
		return nil, err
	}

	if c.keyring != nil {
		if err = c.verifySignature(ctx, data); err != nil {
			return nil, err
		}
	}

	descriptor, err := Parse(data, c.manifestURL)
	if err != nil {
		return nil, err
	}

	logger.DebugKV(ctx, "Manifest fetched",
		"version", descriptor.Version,
		"artifact_url", descriptor.ArtifactURL,
		"artifact_size", descriptor.ArtifactSize)

	return descriptor, nil
}

// verifySignature checks the armored detached signature published next to the manifest.
func (c *Client) verifySignature(ctx context.Context, data []byte) error {
	signature, err := c.get(ctx, c.signatureURL())
	if err != nil {
		var statusErr *statusError
		if errors.As(err, &statusErr) && statusErr.code == http.StatusNotFound {
			return fmt.Errorf("%w: %w: signature not published", ErrManifestMalformed, ErrSignatureInvalid)
		}

		return err
	}

	signer, err := openpgp.CheckArmoredDetachedSignature(c.keyring, bytes.NewReader(data), bytes.NewReader(signature), nil)
	if err != nil {
		return fmt.Errorf("%w: %w: %w", ErrManifestMalformed, ErrSignatureInvalid, err)
	}

	logger.DebugKV(ctx, "Manifest signature verified", "key_id", signer.PrimaryKey.KeyIdString())

	return nil
}

// signatureURL is the manifest URL with SignatureSuffix appended to its path.
func (c *Client) signatureURL() string {
	target := *c.manifestURL
	target.Path += SignatureSuffix

	if target.RawPath != "" {
		target.RawPath += SignatureSuffix
	}

	return target.String()
}

// statusError keeps the HTTP status of a failed request.
type statusError struct {
	url    string
	status string
	code   int
}

// Error describes the failed request.
func (e *statusError) Error() string {
	return fmt.Sprintf("%s, %s", e.url, e.status)
}

// Unwrap lets callers match errBadHTTPStatus.
func (e *statusError) Unwrap() error { return errBadHTTPStatus }

// get performs one GET and returns the body; all failures wrap ErrManifestUnavailable.
func (c *Client) get(ctx context.Context, target string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrManifestUnavailable, err)
	}

	req.Header.Set("User-Agent", version.UserAgent())
	req.Header.Set("Accept", "application/yaml, application/json, text/plain, */*")

	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	response, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrManifestUnavailable, err)
	}

	defer func() {
		_ = response.Body.Close()
	}()

	if response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %w", ErrManifestUnavailable, &statusError{
			url:    target,
			status: response.Status,
			code:   response.StatusCode,
		})
	}

	data, err := io.ReadAll(io.LimitReader(response.Body, maxManifestBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %w", ErrManifestUnavailable, err)
	}

	if len(data) > maxManifestBytes {
		return nil, fmt.Errorf("%w: %w", ErrManifestMalformed, errManifestTooLarge)
	}

	return data, nil
}
