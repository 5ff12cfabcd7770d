package activitypub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/barineco/illo-sub000/cache"
	"github.com/barineco/illo-sub000/db"
	"github.com/barineco/illo-sub000/domain"
	"go.uber.org/zap"
)

const (
	nodeInfoSchemaPrefix = "http://nodeinfo.diaspora.software/ns/schema/"
	NodeInfoProfile      = nodeInfoSchemaPrefix + "2.1"

	trustCacheKnown     = time.Hour
	trustCacheUnknown   = 5 * time.Minute
	trustRecordKnown    = 7 * 24 * time.Hour
	trustRecordUnknown  = time.Hour
	trustCacheKeyPrefix = "trust:"
)

// emojiReactionSoftware lists servers that understand EmojiReact or the
// Misskey reaction extension.
var emojiReactionSoftware = map[string]bool{
	"misskey":    true,
	"sharkey":    true,
	"firefish":   true,
	"calckey":    true,
	"iceshrimp":  true,
	"foundkey":   true,
	"cherrypick": true,
	"pleroma":    true,
	"akkoma":     true,
	"illo":       true,
}

// TrustInfo is the classification of a remote instance.
type TrustInfo struct {
	Domain    string    `json:"domain"`
	Software  string    `json:"software"`
	Version   string    `json:"version"`
	Known     bool      `json:"known"`
	CheckedAt time.Time `json:"checkedAt"`
}

type NodeInfoLink struct {
	Rel  string `json:"rel"`
	Href string `json:"href"`
}

type NodeInfoLinks struct {
	Links []NodeInfoLink `json:"links"`
}

type NodeInfoSoftware struct {
	Name       string `json:"name"`
	Version    string `json:"version"`
	Repository string `json:"repository,omitempty"`
	Homepage   string `json:"homepage,omitempty"`
}

type NodeInfoUsers struct {
	Total          int `json:"total"`
	ActiveMonth    int `json:"activeMonth"`
	ActiveHalfyear int `json:"activeHalfyear"`
}

type NodeInfoUsage struct {
	Users      NodeInfoUsers `json:"users"`
	LocalPosts int           `json:"localPosts"`
}

type NodeInfoServices struct {
	Inbound  []string `json:"inbound"`
	Outbound []string `json:"outbound"`
}

// NodeInfo is the NodeInfo 2.x descriptor.
type NodeInfo struct {
	Version           string           `json:"version"`
	Software          NodeInfoSoftware `json:"software"`
	Protocols         []string         `json:"protocols"`
	Services          NodeInfoServices `json:"services"`
	OpenRegistrations bool             `json:"openRegistrations"`
	Usage             NodeInfoUsage    `json:"usage"`
	Metadata          map[string]any   `json:"metadata"`
}

// LocalNodeInfoLinks is served at /.well-known/nodeinfo.
func LocalNodeInfoLinks(conf Config) NodeInfoLinks {
	return NodeInfoLinks{Links: []NodeInfoLink{{
		Rel:  NodeInfoProfile,
		Href: conf.BaseURL() + "/nodeinfo/2.1",
	}}}
}

// LocalNodeInfo describes this server.
func LocalNodeInfo(conf Config, users int) NodeInfo {
	return NodeInfo{
		Version: "2.1",
		Software: NodeInfoSoftware{
			Name:    strings.ToLower(conf.SoftwareName),
			Version: conf.SoftwareVersion,
		},
		Protocols: []string{"activitypub"},
		Services:  NodeInfoServices{Inbound: []string{}, Outbound: []string{"rss2.0"}},
		Usage: NodeInfoUsage{
			Users: NodeInfoUsers{Total: users, ActiveMonth: users, ActiveHalfyear: users},
		},
		Metadata: map[string]any{"nodeName": conf.Domain},
	}
}

// Prober classifies remote instances by the software their NodeInfo reports.
type Prober struct {
	store   *db.DB
	cache   cache.Cache
	fetcher *Fetcher
	conf    Config
	log     *zap.Logger
	now     func() time.Time
}

func NewProber(store *db.DB, c cache.Cache, fetcher *Fetcher, conf Config, logger *zap.Logger) *Prober {
	if c == nil {
		c = cache.NewMemory()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Prober{
		store:   store,
		cache:   c,
		fetcher: fetcher,
		conf:    conf.WithDefaults(),
		log:     logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (p *Prober) IsKnownFederationSoftware(ctx context.Context, domainName string) bool {
	return p.Probe(ctx, domainName).Known
}

// SupportsEmojiReactions gates EmojiReact over plain Like.
func (p *Prober) SupportsEmojiReactions(ctx context.Context, domainName string) bool {
	info := p.Probe(ctx, domainName)
	return info.Known && emojiReactionSoftware[strings.ToLower(info.Software)]
}

// Probe returns the cached classification of domainName, probing NodeInfo on
// a miss. Failures classify the instance as unknown and are cached for a
// shorter time.
func (p *Prober) Probe(ctx context.Context, domainName string) TrustInfo {
	domainName = strings.ToLower(strings.TrimSpace(domainName))
	key := trustCacheKeyPrefix + domainName

	if b, ok, err := p.cache.Get(ctx, key); err == nil && ok {
		var info TrustInfo
		if json.Unmarshal(b, &info) == nil {
			trustProbes.WithLabelValues("cache").Inc()
			return info
		}
	}

	now := p.now()
	row, err := p.store.ReadInstanceTrust(ctx, domainName)
	if err == nil && row.ExpiresAt.After(now) {
		info := TrustInfo{Domain: row.Domain, Software: row.Software, Version: row.Version, Known: row.Known, CheckedAt: row.CheckedAt}
		p.remember(ctx, info)
		trustProbes.WithLabelValues("stored").Inc()
		return info
	}
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		p.log.Warn("trust: failed to read instance trust", zap.String("domain", domainName), zap.Error(err))
	}

	info := TrustInfo{Domain: domainName, CheckedAt: now}
	software, version, perr := p.fetchNodeInfo(ctx, domainName)
	if perr != nil {
		trustProbes.WithLabelValues("error").Inc()
		p.log.Debug("trust: nodeinfo probe failed", zap.String("domain", domainName), zap.Error(perr))
	} else {
		info.Software = software
		info.Version = version
		info.Known = p.conf.IsKnownSoftware(software)
		if info.Known {
			trustProbes.WithLabelValues("known").Inc()
		} else {
			trustProbes.WithLabelValues("unknown").Inc()
		}
	}

	ttl := trustRecordUnknown
	if info.Known {
		ttl = trustRecordKnown
	}
	if err := p.store.UpsertInstanceTrust(ctx, &domain.InstanceTrust{
		Domain:    domainName,
		Software:  info.Software,
		Version:   info.Version,
		Known:     info.Known,
		CheckedAt: now,
		ExpiresAt: now.Add(ttl),
	}); err != nil {
		p.log.Warn("trust: failed to persist instance trust", zap.String("domain", domainName), zap.Error(err))
	}
	p.remember(ctx, info)
	return info
}

func (p *Prober) remember(ctx context.Context, info TrustInfo) {
	ttl := trustCacheUnknown
	if info.Known {
		ttl = trustCacheKnown
	}
	b, _ := json.Marshal(info)
	if err := p.cache.Set(ctx, trustCacheKeyPrefix+info.Domain, b, ttl); err != nil {
		p.log.Warn("trust: cache write failed", zap.String("domain", info.Domain), zap.Error(err))
	}
}

func (p *Prober) fetchNodeInfo(ctx context.Context, domainName string) (string, string, error) {
	if p.fetcher == nil {
		return "", "", fmt.Errorf("no fetcher configured")
	}
	var links NodeInfoLinks
	if err := p.fetcher.FetchJSON(ctx, "https://"+domainName+"/.well-known/nodeinfo", "application/json", &links); err != nil {
		return "", "", err
	}
	href := pickNodeInfoLink(links.Links)
	if href == "" {
		return "", "", fmt.Errorf("no nodeinfo 2.x link for %s", domainName)
	}
	var info NodeInfo
	if err := p.fetcher.FetchJSON(ctx, href, "application/json", &info); err != nil {
		return "", "", err
	}
	if info.Software.Name == "" {
		return "", "", fmt.Errorf("nodeinfo for %s has no software name", domainName)
	}
	return strings.ToLower(info.Software.Name), info.Software.Version, nil
}

// pickNodeInfoLink returns the href of the newest 2.x schema advertised.
func pickNodeInfoLink(links []NodeInfoLink) string {
	var candidates []NodeInfoLink
	for _, l := range links {
		if strings.HasPrefix(l.Rel, nodeInfoSchemaPrefix+"2.") && l.Href != "" {
			candidates = append(candidates, l)
		}
	}
	if len(candidates) == 0 {
		return ""
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Rel > candidates[j].Rel })
	return candidates[0].Href
}
