package activitypub

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/barineco/illo-sub000/cache"
	"github.com/barineco/illo-sub000/db"
	"github.com/barineco/illo-sub000/domain"
	"github.com/barineco/illo-sub000/events"
	"github.com/barineco/illo-sub000/queue"
)

const testDomain = "local.test"

type receivedRequest struct {
	Path   string
	Header http.Header
	Body   []byte
}

// remoteServer impersonates another federated instance.
type remoteServer struct {
	t   *testing.T
	srv *httptest.Server

	mu       sync.Mutex
	keys     map[string]*rsa.PrivateKey
	names    map[string]string
	objects  map[string]string
	software string
	statuses []int
	received []receivedRequest
	hits     map[string]int
}

func newRemoteServer(t *testing.T) *remoteServer {
	t.Helper()
	r := &remoteServer{
		t:        t,
		keys:     make(map[string]*rsa.PrivateKey),
		names:    make(map[string]string),
		objects:  make(map[string]string),
		software: "mastodon",
		hits:     make(map[string]int),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /users/{name}", r.serveActor)
	mux.HandleFunc("POST /users/{name}/inbox", r.serveInbox)
	mux.HandleFunc("POST /inbox", r.serveInbox)
	mux.HandleFunc("GET /notes/{id}", r.serveObject)
	mux.HandleFunc("GET /.well-known/webfinger", r.serveWebfinger)
	mux.HandleFunc("GET /.well-known/nodeinfo", r.serveNodeInfoLinks)
	mux.HandleFunc("GET /nodeinfo/2.0", r.serveNodeInfo)
	r.srv = httptest.NewTLSServer(mux)
	t.Cleanup(r.srv.Close)
	return r
}

func (r *remoteServer) host() string {
	return hostOf(r.srv.URL)
}

func (r *remoteServer) actorURI(name string) string {
	return r.srv.URL + "/users/" + name
}

// addActor serves name with key.
func (r *remoteServer) addActor(name, displayName string, key *rsa.PrivateKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys[name] = key
	r.names[name] = displayName
}

func (r *remoteServer) setStatuses(codes ...int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = codes
}

func (r *remoteServer) setObject(id, raw string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.objects[id] = raw
}

func (r *remoteServer) hitCount(path string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hits[path]
}

func (r *remoteServer) inbox() []receivedRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]receivedRequest(nil), r.received...)
}

func (r *remoteServer) serveActor(w http.ResponseWriter, req *http.Request) {
	name := req.PathValue("name")
	r.mu.Lock()
	r.hits[req.URL.Path]++
	key, ok := r.keys[name]
	display := r.names[name]
	r.mu.Unlock()
	if !ok {
		http.NotFound(w, req)
		return
	}
	uri := r.actorURI(name)
	doc := ActorDocument{
		Context:           defaultContext(),
		Id:                uri,
		Type:              "Person",
		PreferredUsername: name,
		Name:              display,
		Inbox:             uri + "/inbox",
		Outbox:            uri + "/outbox",
		Followers:         uri + "/followers",
		Following:         uri + "/following",
		Endpoints:         &Endpoints{SharedInbox: r.srv.URL + "/inbox"},
		PublicKey: PublicKey{
			Id:           uri + "#main-key",
			Owner:        uri,
			PublicKeyPem: publicKeyToPEM(r.t, &key.PublicKey),
		},
	}
	w.Header().Set("Content-Type", ContentType)
	json.NewEncoder(w).Encode(doc)
}

func (r *remoteServer) serveInbox(w http.ResponseWriter, req *http.Request) {
	body, _ := io.ReadAll(req.Body)
	h := req.Header.Clone()
	h.Set("Host", req.Host)

	r.mu.Lock()
	r.received = append(r.received, receivedRequest{Path: req.URL.RequestURI(), Header: h, Body: body})
	status := http.StatusAccepted
	if len(r.statuses) > 0 {
		status = r.statuses[0]
		if len(r.statuses) > 1 {
			r.statuses = r.statuses[1:]
		}
	}
	r.mu.Unlock()
	w.WriteHeader(status)
}

func (r *remoteServer) serveObject(w http.ResponseWriter, req *http.Request) {
	r.mu.Lock()
	raw, ok := r.objects[r.srv.URL+req.URL.Path]
	r.mu.Unlock()
	if !ok {
		http.NotFound(w, req)
		return
	}
	w.Header().Set("Content-Type", ContentType)
	io.WriteString(w, raw)
}

func (r *remoteServer) serveWebfinger(w http.ResponseWriter, req *http.Request) {
	resource := strings.TrimPrefix(req.URL.Query().Get("resource"), "acct:")
	name, _, _ := strings.Cut(resource, "@")
	r.mu.Lock()
	_, ok := r.keys[name]
	r.mu.Unlock()
	if !ok {
		http.NotFound(w, req)
		return
	}
	json.NewEncoder(w).Encode(webfingerResponse{
		Subject: "acct:" + resource,
		Links:   []webfingerLink{{Rel: "self", Type: ContentType, Href: r.actorURI(name)}},
	})
}

func (r *remoteServer) serveNodeInfoLinks(w http.ResponseWriter, req *http.Request) {
	r.mu.Lock()
	r.hits[req.URL.Path]++
	software := r.software
	r.mu.Unlock()
	if software == "" {
		http.NotFound(w, req)
		return
	}
	json.NewEncoder(w).Encode(NodeInfoLinks{Links: []NodeInfoLink{
		{Rel: nodeInfoSchemaPrefix + "1.0", Href: r.srv.URL + "/nodeinfo/1.0"},
		{Rel: nodeInfoSchemaPrefix + "2.0", Href: r.srv.URL + "/nodeinfo/2.0"},
	}})
}

func (r *remoteServer) serveNodeInfo(w http.ResponseWriter, req *http.Request) {
	r.mu.Lock()
	software := r.software
	r.mu.Unlock()
	json.NewEncoder(w).Encode(NodeInfo{
		Version:   "2.0",
		Software:  NodeInfoSoftware{Name: software, Version: "4.2.0"},
		Protocols: []string{"activitypub"},
	})
}

// signedInbound builds a request from actor name on r to a local inbox.
func (r *remoteServer) signedInbound(t *testing.T, name, username string, activity any) InboundRequest {
	t.Helper()
	r.mu.Lock()
	key := r.keys[name]
	r.mu.Unlock()
	return signedInboundWithKey(t, key, r.actorURI(name)+"#main-key", username, activity)
}

func signedInboundWithKey(t *testing.T, key *rsa.PrivateKey, keyID, username string, activity any) InboundRequest {
	t.Helper()
	body, err := json.Marshal(activity)
	if err != nil {
		t.Fatalf("Failed to marshal activity: %v", err)
	}
	path := "/inbox"
	if username != "" {
		path = "/users/" + username + "/inbox"
	}
	headers := http.Header{}
	headers.Set("Host", testDomain)
	headers.Set("Content-Type", ContentType)
	signed, err := Sign(keyID, key, http.MethodPost, path, headers, body)
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	headers.Set("Date", signed.Date)
	headers.Set("Digest", signed.Digest)
	headers.Set("Signature", signed.Signature)
	return InboundRequest{Method: http.MethodPost, Path: path, Host: testDomain, Header: headers, Body: body, Username: username}
}

// testEnv is the federation stack over an in-memory store.
type testEnv struct {
	conf      Config
	store     *db.DB
	cache     *cache.Memory
	queue     *queue.Memory
	events    *events.Recorder
	fetcher   *Fetcher
	dir       *Directory
	delivery  *Delivery
	prober    *Prober
	outbox    *Outbox
	processor *Processor
	paginator *Paginator
}

func newTestEnv(t *testing.T, client *http.Client, opts ...func(*Config)) *testEnv {
	t.Helper()
	conf := Config{
		Domain:        testDomain,
		Scheme:        "https",
		KnownSoftware: []string{"mastodon", "misskey", "illo"},
	}
	for _, o := range opts {
		o(&conf)
	}
	conf = conf.WithDefaults()

	store, err := db.Open("sqlite", ":memory:", nil)
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	if err := store.RunMigrations(context.Background()); err != nil {
		t.Fatalf("Failed to run migrations: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	env := &testEnv{conf: conf, store: store, cache: cache.NewMemory(), queue: queue.NewMemory(1, nil), events: &events.Recorder{}}
	env.fetcher = NewFetcher(conf, client, nil)
	env.dir = NewDirectory(store, env.cache, env.fetcher, conf, nil)
	env.dir.keyBits = 1024
	env.delivery = NewDelivery(store, env.queue, env.dir, client, nil)
	env.prober = NewProber(store, env.cache, env.fetcher, conf, nil)
	env.outbox = NewOutbox(store, env.dir, env.delivery, env.prober, nil)
	env.processor = NewProcessor(store, env.dir, env.outbox, env.events, nil)
	env.paginator = NewPaginator(store, env.outbox)
	return env
}

// clientFor trusts the certificates of the given test servers.
func clientFor(servers ...*remoteServer) *http.Client {
	if len(servers) == 0 {
		return &http.Client{}
	}
	client := servers[0].srv.Client()
	transport := client.Transport.(*http.Transport)
	for _, s := range servers[1:] {
		transport.TLSClientConfig.RootCAs.AddCert(s.srv.Certificate())
	}
	return client
}

func (e *testEnv) createLocal(t *testing.T, username string) *domain.Actor {
	t.Helper()
	a, err := e.dir.CreateLocalActor(context.Background(), username, strings.ToUpper(username[:1])+username[1:])
	if err != nil {
		t.Fatalf("CreateLocalActor(%s) failed: %v", username, err)
	}
	return a
}

func (e *testEnv) resolve(t *testing.T, uri string) *domain.Actor {
	t.Helper()
	a, err := e.dir.ResolveRemote(context.Background(), uri)
	if err != nil {
		t.Fatalf("ResolveRemote(%s) failed: %v", uri, err)
	}
	return a
}

func (e *testEnv) acceptedFollow(t *testing.T, follower, following *domain.Actor) {
	t.Helper()
	_, _, err := e.store.CreateFollowIfAbsent(context.Background(), &domain.Follow{
		FollowerId:  follower.Id,
		FollowingId: following.Id,
		URI:         follower.ActorURI + "/follows/" + following.Username,
		Status:      domain.FollowAccepted,
	})
	if err != nil {
		t.Fatalf("CreateFollowIfAbsent failed: %v", err)
	}
}

func (e *testEnv) createObject(t *testing.T, author *domain.Actor, vis domain.Visibility, title string) *domain.FederatedObject {
	t.Helper()
	o := &domain.FederatedObject{
		Kind:       domain.KindArtwork,
		AuthorId:   author.Id,
		Title:      title,
		Content:    "<p>" + title + "</p>",
		Visibility: vis,
		Attachments: []domain.Attachment{
			{URL: "https://" + testDomain + "/media/" + strings.ReplaceAll(title, " ", "-") + ".png", MediaType: "image/png", Width: 800, Height: 600},
		},
	}
	if err := e.store.CreateObject(context.Background(), o); err != nil {
		t.Fatalf("CreateObject failed: %v", err)
	}
	return o
}
