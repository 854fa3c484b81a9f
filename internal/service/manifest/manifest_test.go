package manifest

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"
	"github.com/ProtonMail/go-crypto/openpgp/packet"
	"github.com/stretchr/testify/require"

	"github.com/oshokin/app-launcher/internal/domain/release"
)

var testDigest = strings.Repeat("ab", 32)

const validManifest = `version: 1.1.0
changelog: |
  Faster receipts.
artifact_url: https://cdn.example.com/pos/pos-1.1.0.zip
artifact_digest: ABABABABABABABABABABABABABABABABABABABABABABABABABABABABABABABAB
artifact_size: 2048
`

// serveManifest starts a server answering the manifest path with body.
func serveManifest(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(server.Close)

	return server
}

func TestParse_YAML(t *testing.T) {
	t.Parallel()

	descriptor, err := Parse([]byte(validManifest), nil)
	require.NoError(t, err)
	require.Equal(t, "1.1.0", descriptor.Version)
	require.Equal(t, testDigest, descriptor.ArtifactDigest)
	require.Equal(t, int64(2048), descriptor.ArtifactSize)
	require.Equal(t, "Faster receipts.\n", descriptor.Changelog)

	format, err := descriptor.Format()
	require.NoError(t, err)
	require.Equal(t, release.FormatZip, format)
}

func TestParse_JSONWithRelativeArtifact(t *testing.T) {
	t.Parallel()

	base, err := url.Parse("https://cdn.example.com/pos/stable/manifest.json")
	require.NoError(t, err)

	body := `{"version":"v2.0.0","artifact_url":"pos-2.0.0.tar.gz","artifact_digest":"` + testDigest + `"}`

	descriptor, err := Parse([]byte(body), base)
	require.NoError(t, err)
	require.Equal(t, "2.0.0", descriptor.Version)
	require.Equal(t, "https://cdn.example.com/pos/stable/pos-2.0.0.tar.gz", descriptor.ArtifactURL)
	require.Zero(t, descriptor.ArtifactSize)
}

func TestParse_Malformed(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
	}{
		{name: "empty", body: ""},
		{name: "not an object", body: "- 1\n- 2\n"},
		{name: "missing version", body: "artifact_url: https://x/a.zip\nartifact_digest: " + testDigest},
		{name: "missing digest", body: "version: 1.0.0\nartifact_url: https://x/a.zip"},
		{name: "short version", body: "version: \"1.0\"\nartifact_url: https://x/a.zip\nartifact_digest: " + testDigest},
		{name: "garbage version", body: "version: banana\nartifact_url: https://x/a.zip\nartifact_digest: " + testDigest},
		{name: "short digest", body: "version: 1.0.0\nartifact_url: https://x/a.zip\nartifact_digest: abcd"},
		{name: "negative size", body: "version: 1.0.0\nartifact_url: https://x/a.zip\nartifact_size: -1\nartifact_digest: " + testDigest},
		{name: "unknown format", body: "version: 1.0.0\nartifact_url: https://x/a\nartifact_format: rar\nartifact_digest: " + testDigest},
		{name: "relative without base", body: "version: 1.0.0\nartifact_url: a.zip\nartifact_digest: " + testDigest},
		{name: "ftp artifact", body: "version: 1.0.0\nartifact_url: ftp://x/a.zip\nartifact_digest: " + testDigest},
		{name: "broken yaml", body: "version: [1.0.0\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := Parse([]byte(tt.body), nil)
			require.ErrorIs(t, err, ErrManifestMalformed)
		})
	}
}

func TestClient_FetchSendsHeaders(t *testing.T) {
	t.Parallel()

	var authorization, userAgent atomic.Value

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authorization.Store(r.Header.Get("Authorization"))
		userAgent.Store(r.Header.Get("User-Agent"))
		_, _ = w.Write([]byte(validManifest))
	}))
	t.Cleanup(server.Close)

	client, err := NewClient(server.URL+"/manifest.yaml", WithToken("secret"), WithTimeout(time.Second))
	require.NoError(t, err)

	descriptor, err := client.Fetch(t.Context())
	require.NoError(t, err)
	require.Equal(t, "1.1.0", descriptor.Version)
	require.Equal(t, "Bearer secret", authorization.Load())
	require.True(t, strings.HasPrefix(userAgent.Load().(string), "app-launcher/"))
}

func TestClient_FetchUnavailable(t *testing.T) {
	t.Parallel()

	t.Run("http status", func(t *testing.T) {
		t.Parallel()

		server := serveManifest(t, http.StatusServiceUnavailable, "maintenance")

		client, err := NewClient(server.URL)
		require.NoError(t, err)

		_, err = client.Fetch(t.Context())
		require.ErrorIs(t, err, ErrManifestUnavailable)
		require.NotErrorIs(t, err, ErrManifestMalformed)
	})

	t.Run("timeout", func(t *testing.T) {
		t.Parallel()

		unblock := make(chan struct{})
		server := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
			select {
			case <-unblock:
			case <-r.Context().Done():
			}
		}))
		t.Cleanup(func() {
			close(unblock)
			server.Close()
		})

		client, err := NewClient(server.URL, WithTimeout(50*time.Millisecond))
		require.NoError(t, err)

		_, err = client.Fetch(t.Context())
		require.ErrorIs(t, err, ErrManifestUnavailable)
	})

	t.Run("cancelled context", func(t *testing.T) {
		t.Parallel()

		server := serveManifest(t, http.StatusOK, validManifest)

		client, err := NewClient(server.URL)
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(t.Context())
		cancel()

		_, err = client.Fetch(ctx)
		require.ErrorIs(t, err, ErrManifestUnavailable)
	})
}

func TestClient_FetchMalformedIsNotUnavailable(t *testing.T) {
	t.Parallel()

	server := serveManifest(t, http.StatusOK, "version: nope\n")

	client, err := NewClient(server.URL)
	require.NoError(t, err)

	_, err = client.Fetch(t.Context())
	require.ErrorIs(t, err, ErrManifestMalformed)
	require.NotErrorIs(t, err, ErrManifestUnavailable)
}

func TestNewClient_RejectsRelativeURL(t *testing.T) {
	t.Parallel()

	_, err := NewClient("manifest.yaml")
	require.Error(t, err)
}

// newSigner creates a throwaway EdDSA key for signing test manifests.
func newSigner(t *testing.T) *openpgp.Entity {
	t.Helper()

	entity, err := openpgp.NewEntity("Release Bot", "test", "release@example.com",
		&packet.Config{Algorithm: packet.PubKeyAlgoEdDSA})
	require.NoError(t, err)

	return entity
}

// sign returns an armored detached signature of body.
func sign(t *testing.T, signer *openpgp.Entity, body string) string {
	t.Helper()

	var signature bytes.Buffer
	require.NoError(t, openpgp.ArmoredDetachSign(&signature, signer, strings.NewReader(body), nil))

	return signature.String()
}

// serveSigned serves the manifest and its signature file.
func serveSigned(t *testing.T, body, signature string) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/manifest.yaml", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(body))
	})

	if signature != "" {
		mux.HandleFunc("/manifest.yaml"+SignatureSuffix, func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(signature))
		})
	}

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	return server
}

func TestClient_FetchVerifiesSignature(t *testing.T) {
	t.Parallel()

	signer := newSigner(t)
	keyring := openpgp.EntityList{signer}

	t.Run("valid", func(t *testing.T) {
		t.Parallel()

		server := serveSigned(t, validManifest, sign(t, signer, validManifest))

		client, err := NewClient(server.URL+"/manifest.yaml", WithKeyring(keyring))
		require.NoError(t, err)

		descriptor, err := client.Fetch(t.Context())
		require.NoError(t, err)
		require.Equal(t, "1.1.0", descriptor.Version)
	})

	t.Run("tampered", func(t *testing.T) {
		t.Parallel()

		tampered := strings.Replace(validManifest, "1.1.0", "9.9.9", 1)
		server := serveSigned(t, tampered, sign(t, signer, validManifest))

		client, err := NewClient(server.URL+"/manifest.yaml", WithKeyring(keyring))
		require.NoError(t, err)

		_, err = client.Fetch(t.Context())
		require.ErrorIs(t, err, ErrManifestMalformed)
		require.ErrorIs(t, err, ErrSignatureInvalid)
	})

	t.Run("foreign key", func(t *testing.T) {
		t.Parallel()

		server := serveSigned(t, validManifest, sign(t, newSigner(t), validManifest))

		client, err := NewClient(server.URL+"/manifest.yaml", WithKeyring(keyring))
		require.NoError(t, err)

		_, err = client.Fetch(t.Context())
		require.ErrorIs(t, err, ErrSignatureInvalid)
	})

	t.Run("query string", func(t *testing.T) {
		t.Parallel()

		channel := make(chan string, 1)

		signature := sign(t, signer, validManifest)
		mux := http.NewServeMux()
		mux.HandleFunc("/manifest.yaml", func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(validManifest))
		})
		mux.HandleFunc("/manifest.yaml"+SignatureSuffix, func(w http.ResponseWriter, r *http.Request) {
			channel <- r.URL.Query().Get("channel")
			_, _ = w.Write([]byte(signature))
		})

		server := httptest.NewServer(mux)
		t.Cleanup(server.Close)

		client, err := NewClient(server.URL+"/manifest.yaml?channel=stable", WithKeyring(keyring))
		require.NoError(t, err)

		descriptor, err := client.Fetch(t.Context())
		require.NoError(t, err)
		require.Equal(t, "1.1.0", descriptor.Version)
		require.Equal(t, "stable", <-channel)
	})

	t.Run("missing signature", func(t *testing.T) {
		t.Parallel()

		server := serveSigned(t, validManifest, "")

		client, err := NewClient(server.URL+"/manifest.yaml", WithKeyring(keyring))
		require.NoError(t, err)

		_, err = client.Fetch(t.Context())
		require.ErrorIs(t, err, ErrSignatureInvalid)
	})
}

func TestLoadKeyring(t *testing.T) {
	t.Parallel()

	signer := newSigner(t)

	var armored bytes.Buffer

	writer, err := armor.Encode(&armored, openpgp.PublicKeyType, nil)
	require.NoError(t, err)
	require.NoError(t, signer.Serialize(writer))
	require.NoError(t, writer.Close())

	path := filepath.Join(t.TempDir(), "release.asc")
	require.NoError(t, os.WriteFile(path, armored.Bytes(), 0o600))

	keyring, err := LoadKeyring(path)
	require.NoError(t, err)
	require.Len(t, keyring, 1)
	require.Equal(t, signer.PrimaryKey.KeyId, keyring[0].PrimaryKey.KeyId)

	_, err = LoadKeyring(filepath.Join(t.TempDir(), "absent.asc"))
	require.Error(t, err)
}
