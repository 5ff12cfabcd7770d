package activitypub

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/barineco/illo-sub000/util"
	"go.uber.org/zap"
)

// maxFetchBody caps remote documents.
const maxFetchBody = 1 << 20

// KeySource supplies the key that signs outbound GETs (authorized fetch).
type KeySource func(ctx context.Context) (keyID string, key *rsa.PrivateKey, err error)

// Fetcher performs signed, timeout-bounded GETs against remote servers.
type Fetcher struct {
	conf   Config
	client *http.Client
	keys   KeySource
	log    *zap.Logger
}

func NewFetcher(conf Config, client *http.Client, logger *zap.Logger) *Fetcher {
	conf = conf.WithDefaults()
	if client == nil {
		client = &http.Client{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{conf: conf, client: client, log: logger}
}

// SetKeySource enables signed fetches. A nil source sends unsigned requests.
func (f *Fetcher) SetKeySource(keys KeySource) {
	f.keys = keys
}

// FetchJSON GETs rawURL and decodes the body into out.
func (f *Fetcher) FetchJSON(ctx context.Context, rawURL, accept string, out any) error {
	body, err := f.get(ctx, rawURL, accept)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to parse JSON from %s: %w", rawURL, err)
	}
	return nil
}

// FetchActor fetches and validates a remote actor document.
func (f *Fetcher) FetchActor(ctx context.Context, uri string) (*ActorDocument, error) {
	var doc ActorDocument
	if err := f.FetchJSON(ctx, uri, ContentType+", "+LDContentType, &doc); err != nil {
		remoteFetches.WithLabelValues("actor", "error").Inc()
		return nil, err
	}
	if doc.Id == "" || doc.Inbox == "" || doc.PublicKey.PublicKeyPem == "" {
		remoteFetches.WithLabelValues("actor", "invalid").Inc()
		return nil, fmt.Errorf("actor %s missing required fields", uri)
	}
	if hostOf(doc.Id) != hostOf(uri) {
		remoteFetches.WithLabelValues("actor", "invalid").Inc()
		return nil, fmt.Errorf("actor %s: document id %s is on another host", uri, doc.Id)
	}
	remoteFetches.WithLabelValues("actor", "ok").Inc()
	return &doc, nil
}

// FetchObject returns the raw JSON of a remote object.
func (f *Fetcher) FetchObject(ctx context.Context, uri string) (json.RawMessage, error) {
	var raw json.RawMessage
	if err := f.FetchJSON(ctx, uri, ContentType+", "+LDContentType, &raw); err != nil {
		remoteFetches.WithLabelValues("object", "error").Inc()
		return nil, err
	}
	remoteFetches.WithLabelValues("object", "ok").Inc()
	return raw, nil
}

type webfingerLink struct {
	Rel  string `json:"rel"`
	Type string `json:"type"`
	Href string `json:"href"`
}

type webfingerResponse struct {
	Subject string          `json:"subject"`
	Links   []webfingerLink `json:"links"`
}

// WebFinger resolves "user@domain" (an optional leading @ or acct: is
// accepted) to the actor IRI advertised by the remote host.
func (f *Fetcher) WebFinger(ctx context.Context, handle string) (string, error) {
	handle = strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(handle), "acct:"), "@")
	user, host, ok := strings.Cut(handle, "@")
	if !ok || user == "" || host == "" {
		return "", fmt.Errorf("invalid handle %q, want user@domain", handle)
	}

	endpoint := fmt.Sprintf("https://%s/.well-known/webfinger?resource=%s",
		host, url.QueryEscape("acct:"+user+"@"+host))
	var wf webfingerResponse
	if err := f.FetchJSON(ctx, endpoint, "application/jrd+json, application/json", &wf); err != nil {
		remoteFetches.WithLabelValues("webfinger", "error").Inc()
		return "", err
	}
	for _, l := range wf.Links {
		if l.Rel != "self" || l.Href == "" {
			continue
		}
		if l.Type == ContentType || strings.HasPrefix(l.Type, "application/ld+json") {
			remoteFetches.WithLabelValues("webfinger", "ok").Inc()
			return l.Href, nil
		}
	}
	remoteFetches.WithLabelValues("webfinger", "invalid").Inc()
	return "", fmt.Errorf("webfinger for %s has no activitypub self link", handle)
}

func (f *Fetcher) get(ctx context.Context, rawURL, accept string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, f.conf.FetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", accept)
	req.Header.Set("User-Agent", util.UserAgent(f.conf.Domain))

	if f.keys != nil {
		keyID, key, err := f.keys(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load fetch key: %w", err)
		}
		if err := SignRequest(req, key, keyID, nil); err != nil {
			return nil, err
		}
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request to %s failed: %w", rawURL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBody+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &HTTPStatusError{URL: rawURL, Status: resp.StatusCode, Body: truncate(string(body), 200)}
	}
	if len(body) > maxFetchBody {
		return nil, fmt.Errorf("response from %s exceeds %d bytes", rawURL, maxFetchBody)
	}
	f.log.Debug("fetch: ok", zap.String("url", rawURL), zap.Int("bytes", len(body)))
	return body, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
