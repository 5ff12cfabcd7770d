package activitypub

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/barineco/illo-sub000/util"
	"github.com/google/uuid"
)

// InstanceActorUsername names the service actor that signs fetches on behalf of the server.
const InstanceActorUsername = "instance.actor"

// Config carries the federation settings shared by every component.
type Config struct {
	Domain          string
	Scheme          string
	SoftwareName    string
	SoftwareVersion string
	FetchTimeout    time.Duration
	ActorRefresh    time.Duration
	ActorCacheTTL   time.Duration
	DeliveryTimeout time.Duration
	MaxAttempts     int
	FailFast4xx     bool
	KnownSoftware   []string
}

// ConfigFromApp maps the application config onto federation settings.
func ConfigFromApp(c *util.AppConfig) Config {
	return Config{
		Domain:          c.Conf.Domain,
		Scheme:          c.Conf.Scheme,
		FetchTimeout:    c.Federation.FetchTimeout,
		ActorRefresh:    c.Federation.ActorRefresh,
		ActorCacheTTL:   c.Federation.ActorCacheTTL,
		DeliveryTimeout: c.Delivery.Timeout,
		MaxAttempts:     c.Delivery.MaxAttempts,
		FailFast4xx:     c.Delivery.FailFast4xx,
		KnownSoftware:   c.Federation.KnownSoftware,
	}.WithDefaults()
}

func (c Config) WithDefaults() Config {
	if c.Scheme == "" {
		c.Scheme = "https"
	}
	if c.SoftwareName == "" {
		c.SoftwareName = util.Name
	}
	if c.SoftwareVersion == "" {
		c.SoftwareVersion = util.GetVersion()
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 10 * time.Second
	}
	if c.ActorRefresh <= 0 {
		c.ActorRefresh = 24 * time.Hour
	}
	if c.ActorCacheTTL <= 0 {
		c.ActorCacheTTL = time.Hour
	}
	if c.DeliveryTimeout <= 0 {
		c.DeliveryTimeout = 30 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 8
	}
	c.Domain = strings.ToLower(c.Domain)
	return c
}

func (c Config) BaseURL() string {
	return fmt.Sprintf("%s://%s", c.Scheme, c.Domain)
}

func (c Config) ActorURI(username string) string {
	return fmt.Sprintf("%s/users/%s", c.BaseURL(), username)
}

func (c Config) InboxURI(username string) string {
	return c.ActorURI(username) + "/inbox"
}

func (c Config) OutboxURI(username string) string {
	return c.ActorURI(username) + "/outbox"
}

func (c Config) FollowersURI(username string) string {
	return c.ActorURI(username) + "/followers"
}

func (c Config) FollowingURI(username string) string {
	return c.ActorURI(username) + "/following"
}

func (c Config) SharedInboxURI() string {
	return c.BaseURL() + "/inbox"
}

func (c Config) ObjectURI(id uuid.UUID) string {
	return fmt.Sprintf("%s/objects/%s", c.BaseURL(), id)
}

// ActivityURI mints a fresh id for an outbound activity.
func (c Config) ActivityURI() string {
	return fmt.Sprintf("%s/activities/%s", c.BaseURL(), uuid.New())
}

func (c Config) IsLocal(iri string) bool {
	return iri != "" && hostOf(iri) == c.Domain
}

// LocalUsername extracts the username from a local /users/{name} IRI.
func (c Config) LocalUsername(iri string) (string, bool) {
	if !c.IsLocal(iri) {
		return "", false
	}
	u, err := url.Parse(iri)
	if err != nil {
		return "", false
	}
	rest, ok := strings.CutPrefix(u.Path, "/users/")
	if !ok || rest == "" {
		return "", false
	}
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		rest = rest[:i]
	}
	return rest, true
}

// LocalObjectID extracts the id from a local /objects/{uuid} IRI.
func (c Config) LocalObjectID(iri string) (uuid.UUID, bool) {
	if !c.IsLocal(iri) {
		return uuid.Nil, false
	}
	u, err := url.Parse(iri)
	if err != nil {
		return uuid.Nil, false
	}
	rest, ok := strings.CutPrefix(u.Path, "/objects/")
	if !ok {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(strings.TrimSuffix(rest, "/"))
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

// IsKnownSoftware matches a NodeInfo software name against the configured list.
func (c Config) IsKnownSoftware(name string) bool {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return false
	}
	for _, s := range c.KnownSoftware {
		if strings.ToLower(s) == name {
			return true
		}
	}
	return false
}
