package activitypub

import (
	"bytes"
	"encoding/json"
	"strings"
)

const (
	ContentType     = "application/activity+json"
	LDContentType   = `application/ld+json; profile="https://www.w3.org/ns/activitystreams"`
	PublicAddress   = "https://www.w3.org/ns/activitystreams#Public"
	activityStreams = "https://www.w3.org/ns/activitystreams"
	securityV1      = "https://w3id.org/security/v1"
)

// Kind is the closed set of activity types the processor understands.
type Kind int

const (
	KindUnknown Kind = iota
	KindFollow
	KindUndo
	KindLike
	KindEmojiReact
	KindCreate
	KindUpdate
	KindDelete
	KindAccept
	KindReject
)

var kindNames = map[Kind]string{
	KindUnknown:    "Unknown",
	KindFollow:     "Follow",
	KindUndo:       "Undo",
	KindLike:       "Like",
	KindEmojiReact: "EmojiReact",
	KindCreate:     "Create",
	KindUpdate:     "Update",
	KindDelete:     "Delete",
	KindAccept:     "Accept",
	KindReject:     "Reject",
}

func (k Kind) String() string {
	return kindNames[k]
}

// Classify maps an activity type to a Kind. Misskey-style "Reaction" is an EmojiReact.
func Classify(activityType string) Kind {
	switch activityType {
	case "Follow":
		return KindFollow
	case "Undo":
		return KindUndo
	case "Like":
		return KindLike
	case "EmojiReact", "EmojiReaction", "Reaction":
		return KindEmojiReact
	case "Create":
		return KindCreate
	case "Update":
		return KindUpdate
	case "Delete":
		return KindDelete
	case "Accept":
		return KindAccept
	case "Reject":
		return KindReject
	}
	return KindUnknown
}

// Result is the outcome of processing one inbound activity.
type Result string

const (
	ResultApplied     Result = "applied"
	ResultDuplicate   Result = "duplicate"
	ResultIgnored     Result = "ignored"
	ResultUnsupported Result = "unsupported"
	ResultRejected    Result = "rejected"
	ResultFailed      Result = "failed"
)

// IRIs decodes an addressing field that may be a single string or an array.
type IRIs []string

func (s *IRIs) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*s = nil
		return nil
	}
	if b[0] == '"' {
		var one string
		if err := json.Unmarshal(b, &one); err != nil {
			return err
		}
		*s = IRIs{one}
		return nil
	}
	var many []json.RawMessage
	if err := json.Unmarshal(b, &many); err != nil {
		return err
	}
	out := make(IRIs, 0, len(many))
	for _, m := range many {
		if id := idOf(m); id != "" {
			out = append(out, id)
		}
	}
	*s = out
	return nil
}

func (s IRIs) Contains(iri string) bool {
	for _, v := range s {
		if v == iri {
			return true
		}
	}
	return false
}

// Activity is an inbound activity envelope. Actor and Object may be embedded
// documents or bare IRIs.
type Activity struct {
	Context any             `json:"@context,omitempty"`
	Id      string          `json:"id"`
	Type    string          `json:"type"`
	Actor   json.RawMessage `json:"actor"`
	Object  json.RawMessage `json:"object,omitempty"`
	Target  json.RawMessage `json:"target,omitempty"`
	To      IRIs            `json:"to,omitempty"`
	Cc      IRIs            `json:"cc,omitempty"`
	Content string          `json:"content,omitempty"`
	// Misskey sends reactions as Like with this extension
	MisskeyReaction string `json:"_misskey_reaction,omitempty"`
	Published       string `json:"published,omitempty"`
}

func (a *Activity) ActorID() string {
	return idOf(a.Actor)
}

func (a *Activity) ObjectID() string {
	return idOf(a.Object)
}

// ObjectType is the type of an embedded object, empty for bare IRIs.
func (a *Activity) ObjectType() string {
	return typeOf(a.Object)
}

// PublicKey is the key block of an actor document.
type PublicKey struct {
	Id           string `json:"id"`
	Owner        string `json:"owner"`
	PublicKeyPem string `json:"publicKeyPem"`
}

type Image struct {
	Type      string `json:"type"`
	MediaType string `json:"mediaType,omitempty"`
	URL       string `json:"url"`
}

type Endpoints struct {
	SharedInbox string `json:"sharedInbox,omitempty"`
}

type PropertyValue struct {
	Type  string `json:"type"`
	Name  string `json:"name"`
	Value string `json:"value"`
}

// ActorDocument is the JSON structure of an ActivityPub actor
type ActorDocument struct {
	Context                   any             `json:"@context,omitempty"`
	Id                        string          `json:"id"`
	Type                      string          `json:"type"`
	PreferredUsername         string          `json:"preferredUsername"`
	Name                      string          `json:"name,omitempty"`
	Summary                   string          `json:"summary,omitempty"`
	URL                       string          `json:"url,omitempty"`
	Inbox                     string          `json:"inbox"`
	Outbox                    string          `json:"outbox,omitempty"`
	Followers                 string          `json:"followers,omitempty"`
	Following                 string          `json:"following,omitempty"`
	Endpoints                 *Endpoints      `json:"endpoints,omitempty"`
	PublicKey                 PublicKey       `json:"publicKey"`
	Icon                      *Image          `json:"icon,omitempty"`
	Image                     *Image          `json:"image,omitempty"`
	Attachment                []PropertyValue `json:"attachment,omitempty"`
	ManuallyApprovesFollowers bool            `json:"manuallyApprovesFollowers"`
	Discoverable              bool            `json:"discoverable"`
}

// Document is a media attachment of a Note.
type Document struct {
	Type      string `json:"type"`
	MediaType string `json:"mediaType,omitempty"`
	URL       string `json:"url"`
	Name      string `json:"name,omitempty"`
	Width     int    `json:"width,omitempty"`
	Height    int    `json:"height,omitempty"`
}

// Note is the wire form of a federated object.
type Note struct {
	Context      any        `json:"@context,omitempty"`
	Id           string     `json:"id"`
	Type         string     `json:"type"`
	AttributedTo string     `json:"attributedTo"`
	Name         string     `json:"name,omitempty"`
	Content      string     `json:"content"`
	Summary      string     `json:"summary,omitempty"`
	InReplyTo    string     `json:"inReplyTo,omitempty"`
	Published    string     `json:"published,omitempty"`
	Updated      string     `json:"updated,omitempty"`
	URL          string     `json:"url,omitempty"`
	To           IRIs       `json:"to"`
	Cc           IRIs       `json:"cc"`
	Sensitive    bool       `json:"sensitive"`
	Attachment   []Document `json:"attachment,omitempty"`
}

// noteWire tolerates attributedTo and inReplyTo as embedded objects and
// attachment as a single object.
type noteWire struct {
	Id           string          `json:"id"`
	Type         string          `json:"type"`
	AttributedTo json.RawMessage `json:"attributedTo"`
	Name         string          `json:"name"`
	Content      string          `json:"content"`
	Summary      string          `json:"summary"`
	InReplyTo    json.RawMessage `json:"inReplyTo"`
	Published    string          `json:"published"`
	Updated      string          `json:"updated"`
	URL          json.RawMessage `json:"url"`
	To           IRIs            `json:"to"`
	Cc           IRIs            `json:"cc"`
	Sensitive    bool            `json:"sensitive"`
	Attachment   json.RawMessage `json:"attachment"`
}

type documentWire struct {
	Type      string          `json:"type"`
	MediaType string          `json:"mediaType"`
	URL       json.RawMessage `json:"url"`
	Name      string          `json:"name"`
	Width     int             `json:"width"`
	Height    int             `json:"height"`
}

// ParseNote decodes an embedded Note (or Article/Image/Page) permissively.
func ParseNote(raw json.RawMessage) (*Note, error) {
	var w noteWire
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, err
	}
	n := &Note{
		Id:           w.Id,
		Type:         w.Type,
		AttributedTo: idOf(w.AttributedTo),
		Name:         w.Name,
		Content:      w.Content,
		Summary:      w.Summary,
		InReplyTo:    idOf(w.InReplyTo),
		Published:    w.Published,
		Updated:      w.Updated,
		URL:          hrefOf(w.URL),
		To:           w.To,
		Cc:           w.Cc,
		Sensitive:    w.Sensitive,
	}

	att := bytes.TrimSpace(w.Attachment)
	if len(att) > 0 && !bytes.Equal(att, []byte("null")) {
		var docs []documentWire
		if att[0] == '{' {
			var one documentWire
			if err := json.Unmarshal(att, &one); err != nil {
				return nil, err
			}
			docs = []documentWire{one}
		} else if err := json.Unmarshal(att, &docs); err != nil {
			return nil, err
		}
		for _, d := range docs {
			url := hrefOf(d.URL)
			if url == "" {
				continue
			}
			n.Attachment = append(n.Attachment, Document{
				Type: d.Type, MediaType: d.MediaType, URL: url, Name: d.Name, Width: d.Width, Height: d.Height,
			})
		}
	}
	return n, nil
}

// IsNoteLike reports whether an object type carries content we project as a Note.
func IsNoteLike(objectType string) bool {
	switch objectType {
	case "Note", "Article", "Image", "Page", "Question":
		return true
	}
	return false
}

// idOf returns the IRI of a field that is either a string or an object with an id.
func idOf(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return ""
	}
	switch raw[0] {
	case '"':
		var s string
		if json.Unmarshal(raw, &s) == nil {
			return s
		}
	case '{':
		var obj struct {
			Id string `json:"id"`
		}
		if json.Unmarshal(raw, &obj) == nil {
			return obj.Id
		}
	case '[':
		var many []json.RawMessage
		if json.Unmarshal(raw, &many) == nil && len(many) > 0 {
			return idOf(many[0])
		}
	}
	return ""
}

func typeOf(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' {
		return ""
	}
	var obj struct {
		Type json.RawMessage `json:"type"`
	}
	if json.Unmarshal(raw, &obj) != nil {
		return ""
	}
	// type may be an array such as ["Note", "schema:Thing"]
	return idOf(obj.Type)
}

// hrefOf reads url fields that may be a string, a Link object or a list of either.
func hrefOf(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return ""
	}
	switch raw[0] {
	case '"':
		var s string
		json.Unmarshal(raw, &s)
		return s
	case '{':
		var link struct {
			Href string `json:"href"`
			URL  string `json:"url"`
		}
		json.Unmarshal(raw, &link)
		if link.Href != "" {
			return link.Href
		}
		return link.URL
	case '[':
		var many []json.RawMessage
		if json.Unmarshal(raw, &many) == nil && len(many) > 0 {
			return hrefOf(many[0])
		}
	}
	return ""
}

func defaultContext() []any {
	return []any{activityStreams, securityV1}
}

// mustMarshal marshals v to JSON; the types passed here always encode.
func mustMarshal(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func hostOf(iri string) string {
	rest, ok := strings.CutPrefix(iri, "https://")
	if !ok {
		rest, ok = strings.CutPrefix(iri, "http://")
		if !ok {
			return ""
		}
	}
	if i := strings.IndexAny(rest, "/?#"); i >= 0 {
		rest = rest[:i]
	}
	return strings.ToLower(rest)
}
