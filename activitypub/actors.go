package activitypub

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/barineco/illo-sub000/cache"
	"github.com/barineco/illo-sub000/db"
	"github.com/barineco/illo-sub000/domain"
	"github.com/barineco/illo-sub000/util"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// KeyPair is a local actor's signing key.
type KeyPair struct {
	KeyID     string
	Private   *rsa.PrivateKey
	PublicPem string
}

// Directory owns local identities and the cache of remote actors.
type Directory struct {
	store   *db.DB
	cache   cache.Cache
	fetcher *Fetcher
	conf    Config
	log     *zap.Logger

	keyBits int
	keyMu   sync.Mutex
	keys    sync.Map // uuid.UUID -> *KeyPair
}

// NewDirectory wires the fetcher to sign with the instance actor's key.
func NewDirectory(store *db.DB, c cache.Cache, fetcher *Fetcher, conf Config, logger *zap.Logger) *Directory {
	if c == nil {
		c = cache.NewMemory()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Directory{
		store:   store,
		cache:   c,
		fetcher: fetcher,
		conf:    conf.WithDefaults(),
		log:     logger,
		keyBits: 2048,
	}
	if fetcher != nil {
		fetcher.SetKeySource(d.InstanceKey)
	}
	return d
}

func (d *Directory) Config() Config {
	return d.conf
}

// CreateLocalActor registers a local user. Keys are generated on first use.
func (d *Directory) CreateLocalActor(ctx context.Context, username, displayName string) (*domain.Actor, error) {
	username = strings.TrimSpace(username)
	if username == "" || strings.ContainsAny(username, "/@ ") {
		return nil, fmt.Errorf("invalid username %q", username)
	}
	a := &domain.Actor{
		ActorURI:       d.conf.ActorURI(username),
		Username:       username,
		DisplayName:    displayName,
		InboxURI:       d.conf.InboxURI(username),
		OutboxURI:      d.conf.OutboxURI(username),
		FollowersURI:   d.conf.FollowersURI(username),
		FollowingURI:   d.conf.FollowingURI(username),
		SharedInboxURI: d.conf.SharedInboxURI(),
	}
	if err := d.store.CreateActor(ctx, a); err != nil {
		return nil, err
	}
	d.log.Info("actor: created local actor", zap.String("username", username))
	return a, nil
}

func (d *Directory) LocalActor(ctx context.Context, username string) (*domain.Actor, error) {
	return d.store.ReadLocalActorByUsername(ctx, username)
}

// GetOrCreateLocalKeys returns the actor's keypair, generating and storing one
// on first use. Concurrent first uses converge on whichever key was stored first.
func (d *Directory) GetOrCreateLocalKeys(ctx context.Context, actorId uuid.UUID) (*KeyPair, error) {
	if v, ok := d.keys.Load(actorId); ok {
		return v.(*KeyPair), nil
	}

	d.keyMu.Lock()
	defer d.keyMu.Unlock()
	if v, ok := d.keys.Load(actorId); ok {
		return v.(*KeyPair), nil
	}

	actor, err := d.store.ReadActorById(ctx, actorId)
	if err != nil {
		return nil, err
	}
	if !actor.IsLocal() {
		return nil, fmt.Errorf("%w: %s", ErrNotLocal, actor.ActorURI)
	}

	if !actor.HasPrivateKey() {
		pair, err := util.GeneratePemKeypair(d.keyBits)
		if err != nil {
			return nil, fmt.Errorf("failed to generate keypair: %w", err)
		}
		stored, err := d.store.SetActorKeysIfEmpty(ctx, actorId, pair.Public, pair.Private)
		if err != nil {
			return nil, err
		}
		if !stored {
			d.log.Debug("actor: keypair already written by another process", zap.String("actor", actor.ActorURI))
		}
		if actor, err = d.store.ReadActorById(ctx, actorId); err != nil {
			return nil, err
		}
	}

	priv, err := ParsePrivateKey(actor.PrivateKeyPem)
	if err != nil {
		return nil, fmt.Errorf("actor %s: %w", actor.Username, err)
	}
	kp := &KeyPair{KeyID: actor.ActorURI + "#main-key", Private: priv, PublicPem: actor.PublicKeyPem}
	d.keys.Store(actorId, kp)
	return kp, nil
}

// KeyFor is GetOrCreateLocalKeys for an actor already at hand.
func (d *Directory) KeyFor(ctx context.Context, actor *domain.Actor) (*KeyPair, error) {
	return d.GetOrCreateLocalKeys(ctx, actor.Id)
}

// LocalActorDocument loads a local actor, ensuring it is keyed, and projects it.
func (d *Directory) LocalActorDocument(ctx context.Context, username string) (*ActorDocument, error) {
	actor, err := d.LocalActor(ctx, username)
	if err != nil {
		return nil, err
	}
	kp, err := d.KeyFor(ctx, actor)
	if err != nil {
		return nil, err
	}
	actor.PublicKeyPem = kp.PublicPem
	return d.BuildActorDocument(actor), nil
}

// BuildActorDocument projects a local actor onto its ActivityPub representation.
func (d *Directory) BuildActorDocument(a *domain.Actor) *ActorDocument {
	actorType := "Person"
	if a.Username == InstanceActorUsername {
		actorType = "Application"
	}
	doc := &ActorDocument{
		Context:           defaultContext(),
		Id:                a.ActorURI,
		Type:              actorType,
		PreferredUsername: a.Username,
		Name:              a.DisplayName,
		Summary:           a.Summary,
		URL:               fmt.Sprintf("%s/@%s", d.conf.BaseURL(), a.Username),
		Inbox:             a.InboxURI,
		Outbox:            a.OutboxURI,
		Followers:         a.FollowersURI,
		Following:         a.FollowingURI,
		Endpoints:         &Endpoints{SharedInbox: d.conf.SharedInboxURI()},
		PublicKey: PublicKey{
			Id:           a.ActorURI + "#main-key",
			Owner:        a.ActorURI,
			PublicKeyPem: a.PublicKeyPem,
		},
		Attachment: []PropertyValue{{
			Type:  "PropertyValue",
			Name:  "Software",
			Value: fmt.Sprintf("%s %s", d.conf.SoftwareName, d.conf.SoftwareVersion),
		}},
		Discoverable: actorType == "Person",
	}
	if a.AvatarURL != "" {
		doc.Icon = &Image{Type: "Image", MediaType: mediaTypeOf(a.AvatarURL), URL: a.AvatarURL}
	}
	if a.HeaderURL != "" {
		doc.Image = &Image{Type: "Image", MediaType: mediaTypeOf(a.HeaderURL), URL: a.HeaderURL}
	}
	return doc
}

// ResolveRemote returns the actor for uri: local actors come from the store,
// remote ones from the cache, a fresh stored row, or the network in that order.
// When a refresh fails the stale row is served.
func (d *Directory) ResolveRemote(ctx context.Context, uri string) (*domain.Actor, error) {
	if uri == "" {
		return nil, fmt.Errorf("%w: empty actor uri", ErrInvalidActivity)
	}
	if d.conf.IsLocal(uri) {
		return d.store.ReadActorByURI(ctx, uri)
	}

	if cached := d.fromCache(ctx, uri); cached != nil {
		return cached, nil
	}

	stored, err := d.store.ReadActorByURI(ctx, uri)
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		return nil, err
	}
	if stored != nil && time.Since(stored.LastFetchedAt) < d.conf.ActorRefresh {
		d.toCache(ctx, stored)
		return stored, nil
	}

	fresh, err := d.Refetch(ctx, uri)
	if err == nil {
		return fresh, nil
	}
	if stored == nil {
		return nil, err
	}
	if ierr := d.store.IncrementActorFetchError(ctx, uri); ierr != nil {
		d.log.Error("actor: failed to record fetch error", zap.String("actor", uri), zap.Error(ierr))
	}
	d.log.Warn("actor: refresh failed, serving stale copy", zap.String("actor", uri), zap.Error(err))
	return stored, nil
}

// Refetch bypasses both cache tiers, typically after a signature failed to
// verify against a possibly rotated key.
func (d *Directory) Refetch(ctx context.Context, uri string) (*domain.Actor, error) {
	if d.fetcher == nil {
		return nil, fmt.Errorf("no fetcher configured to resolve %s", uri)
	}
	doc, err := d.fetcher.FetchActor(ctx, uri)
	if err != nil {
		return nil, err
	}
	return d.RefreshFromDocument(ctx, doc)
}

// RefreshFromDocument stores a remote actor document, as fetched or as
// embedded in an Update.
func (d *Directory) RefreshFromDocument(ctx context.Context, doc *ActorDocument) (*domain.Actor, error) {
	a, err := actorFromDocument(doc)
	if err != nil {
		return nil, err
	}
	if d.conf.IsLocal(a.ActorURI) {
		return nil, fmt.Errorf("refusing to overwrite local actor %s", a.ActorURI)
	}
	stored, err := d.store.UpsertRemoteActor(ctx, a)
	if err != nil {
		return nil, err
	}
	d.toCache(ctx, stored)
	return stored, nil
}

// Forget drops an actor from the tier-1 cache.
func (d *Directory) Forget(ctx context.Context, uri string) {
	if err := d.cache.Delete(ctx, actorCacheKey(uri)); err != nil {
		d.log.Warn("actor: cache delete failed", zap.String("actor", uri), zap.Error(err))
	}
}

// ResolveHandle resolves "user@domain" through WebFinger.
func (d *Directory) ResolveHandle(ctx context.Context, handle string) (*domain.Actor, error) {
	h := strings.TrimPrefix(strings.TrimSpace(handle), "@")
	user, host, ok := strings.Cut(h, "@")
	if !ok || user == "" || host == "" {
		return nil, fmt.Errorf("invalid handle %q, want user@domain", handle)
	}
	if strings.EqualFold(host, d.conf.Domain) {
		return d.LocalActor(ctx, user)
	}
	if d.fetcher == nil {
		return nil, fmt.Errorf("no fetcher configured to resolve %s", handle)
	}
	uri, err := d.fetcher.WebFinger(ctx, h)
	if err != nil {
		return nil, err
	}
	return d.ResolveRemote(ctx, uri)
}

// InstanceKey is the KeySource for authorized fetch. The instance actor is
// created on first use.
func (d *Directory) InstanceKey(ctx context.Context) (string, *rsa.PrivateKey, error) {
	actor, err := d.LocalActor(ctx, InstanceActorUsername)
	if errors.Is(err, db.ErrNotFound) {
		actor, err = d.CreateLocalActor(ctx, InstanceActorUsername, d.conf.Domain)
		if err != nil {
			// lost a creation race
			actor, err = d.LocalActor(ctx, InstanceActorUsername)
		}
	}
	if err != nil {
		return "", nil, err
	}
	kp, err := d.KeyFor(ctx, actor)
	if err != nil {
		return "", nil, err
	}
	return kp.KeyID, kp.Private, nil
}

func (d *Directory) fromCache(ctx context.Context, uri string) *domain.Actor {
	b, ok, err := d.cache.Get(ctx, actorCacheKey(uri))
	if err != nil {
		d.log.Warn("actor: cache read failed", zap.String("actor", uri), zap.Error(err))
		return nil
	}
	if !ok {
		return nil
	}
	var a domain.Actor
	if err := json.Unmarshal(b, &a); err != nil {
		return nil
	}
	return &a
}

func (d *Directory) toCache(ctx context.Context, a *domain.Actor) {
	b, err := json.Marshal(a)
	if err != nil {
		return
	}
	if err := d.cache.Set(ctx, actorCacheKey(a.ActorURI), b, d.conf.ActorCacheTTL); err != nil {
		d.log.Warn("actor: cache write failed", zap.String("actor", a.ActorURI), zap.Error(err))
	}
}

func actorCacheKey(uri string) string {
	return "actor:" + uri
}

func actorFromDocument(doc *ActorDocument) (*domain.Actor, error) {
	if doc == nil || doc.Id == "" || doc.Inbox == "" {
		return nil, fmt.Errorf("%w: actor document missing id or inbox", ErrInvalidActivity)
	}
	host := hostOf(doc.Id)
	if host == "" {
		return nil, fmt.Errorf("%w: actor id %q is not an http(s) IRI", ErrInvalidActivity, doc.Id)
	}
	username := doc.PreferredUsername
	if username == "" {
		username = extractUsername(doc.Id)
	}
	a := &domain.Actor{
		ActorURI:     doc.Id,
		Username:     username,
		Domain:       host,
		DisplayName:  doc.Name,
		Summary:      doc.Summary,
		InboxURI:     doc.Inbox,
		OutboxURI:    doc.Outbox,
		FollowersURI: doc.Followers,
		FollowingURI: doc.Following,
		PublicKeyPem: doc.PublicKey.PublicKeyPem,
	}
	if doc.Endpoints != nil {
		a.SharedInboxURI = doc.Endpoints.SharedInbox
	}
	if doc.Icon != nil {
		a.AvatarURL = doc.Icon.URL
	}
	if doc.Image != nil {
		a.HeaderURL = doc.Image.URL
	}
	return a, nil
}

// extractUsername extracts username from various URI formats
// Examples:
// - "https://example.com/users/alice" -> "alice"
// - "https://example.com/@alice" -> "alice"
func extractUsername(uri string) string {
	u, err := url.Parse(uri)
	if err != nil {
		return ""
	}
	parts := strings.Split(strings.TrimSuffix(u.Path, "/"), "/")
	return strings.TrimPrefix(parts[len(parts)-1], "@")
}

func mediaTypeOf(u string) string {
	lower := strings.ToLower(u)
	switch {
	case strings.HasSuffix(lower, ".png"):
		return "image/png"
	case strings.HasSuffix(lower, ".gif"):
		return "image/gif"
	case strings.HasSuffix(lower, ".webp"):
		return "image/webp"
	case strings.HasSuffix(lower, ".jpg"), strings.HasSuffix(lower, ".jpeg"):
		return "image/jpeg"
	}
	return ""
}
