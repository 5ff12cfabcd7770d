package activitypub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"github.com/barineco/illo-sub000/db"
	"github.com/barineco/illo-sub000/domain"
	"github.com/barineco/illo-sub000/events"
	"go.uber.org/zap"
)

// InboundRequest is a POST to a personal or the shared inbox.
type InboundRequest struct {
	Method string
	Path   string
	Host   string
	Header http.Header
	Body   []byte
	// Username is the owner of a personal inbox, empty for the shared inbox.
	Username string
}

// RequestFromHTTP captures the parts of r the processor needs. body is the
// already-read request body.
func RequestFromHTTP(r *http.Request, body []byte, username string) InboundRequest {
	return InboundRequest{
		Method:   r.Method,
		Path:     r.URL.RequestURI(),
		Host:     r.Host,
		Header:   r.Header.Clone(),
		Body:     body,
		Username: username,
	}
}

// Processor verifies inbound activities and applies them to local state.
type Processor struct {
	store   *db.DB
	dir     *Directory
	outbox  *Outbox
	events  events.Publisher
	conf    Config
	log     *zap.Logger
	pending sync.WaitGroup
}

func NewProcessor(store *db.DB, dir *Directory, outbox *Outbox, pub events.Publisher, logger *zap.Logger) *Processor {
	if pub == nil {
		pub = events.NewLogPublisher(logger)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{
		store:  store,
		dir:    dir,
		outbox: outbox,
		events: pub,
		conf:   dir.Config(),
		log:    logger,
	}
}

// Wait blocks until background work started by Process, such as auto-Accept
// deliveries, has finished.
func (p *Processor) Wait() {
	p.pending.Wait()
}

// Process runs one inbound activity through signature verification,
// deduplication and its handler. It never panics; the returned Result is for
// logging and metrics, the HTTP answer does not depend on it.
func (p *Processor) Process(ctx context.Context, in InboundRequest) (res Result) {
	var activity Activity
	defer func() {
		if r := recover(); r != nil {
			inboxPanics.Inc()
			p.log.Error("inbox: handler panic",
				zap.String("activity", activity.Id), zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			res = ResultFailed
		}
		inboxActivities.WithLabelValues(Classify(activity.Type).String(), string(res)).Inc()
	}()

	if err := json.Unmarshal(in.Body, &activity); err != nil {
		p.log.Info("inbox: unparseable activity", zap.Error(err))
		return ResultRejected
	}
	if activity.Id == "" || activity.Type == "" || activity.ActorID() == "" {
		p.log.Info("inbox: activity missing id, type or actor", zap.String("type", activity.Type))
		return ResultRejected
	}

	signer, err := p.authenticate(ctx, in)
	if err != nil {
		signatureFailures.Inc()
		p.log.Info("inbox: signature rejected",
			zap.String("activity", activity.Id), zap.String("actor", activity.ActorID()), zap.Error(err))
		return ResultRejected
	}
	if signer.ActorURI != activity.ActorID() {
		p.log.Warn("inbox: signer is not the activity actor",
			zap.String("security", "actor_mismatch"),
			zap.String("signer", signer.ActorURI), zap.String("actor", activity.ActorID()))
		return ResultRejected
	}

	record := &domain.InboundActivity{
		ActivityURI:  activity.Id,
		ActivityType: activity.Type,
		ActorURI:     activity.ActorID(),
		ObjectURI:    activity.ObjectID(),
		RawJSON:      string(in.Body),
	}
	created, err := p.store.CreateActivityIfAbsent(ctx, record)
	if err != nil {
		p.log.Error("inbox: failed to log activity", zap.String("activity", activity.Id), zap.Error(err))
		return ResultFailed
	}
	if !created {
		existing, err := p.store.ReadActivityByURI(ctx, activity.Id)
		if err != nil {
			p.log.Error("inbox: failed to read activity log", zap.String("activity", activity.Id), zap.Error(err))
			return ResultFailed
		}
		if existing.Processed {
			p.log.Debug("inbox: duplicate activity", zap.String("activity", activity.Id))
			return ResultDuplicate
		}
		// an earlier attempt failed part way; handlers are idempotent
		record = existing
	}

	p.log.Info("inbox: received",
		zap.String("type", activity.Type), zap.String("actor", signer.Handle()), zap.String("activity", activity.Id))

	res, err = p.dispatch(ctx, Classify(activity.Type), &activity, signer, in)
	switch {
	case err == nil:
	case errors.Is(err, ErrOwnershipMismatch):
		p.log.Warn("inbox: ownership check failed",
			zap.String("security", "ownership"), zap.String("type", activity.Type),
			zap.String("actor", signer.ActorURI), zap.String("activity", activity.Id), zap.Error(err))
	default:
		p.log.Info("inbox: handler returned error",
			zap.String("type", activity.Type), zap.String("activity", activity.Id),
			zap.String("result", string(res)), zap.Error(err))
	}

	if res != ResultFailed {
		if err := p.store.MarkActivityProcessed(context.WithoutCancel(ctx), record.Id); err != nil {
			p.log.Error("inbox: failed to mark activity processed", zap.String("activity", activity.Id), zap.Error(err))
		}
	}
	return res
}

// authenticate resolves the key owner and verifies the request signature. A
// failed check is retried once against a freshly fetched key.
func (p *Processor) authenticate(ctx context.Context, in InboundRequest) (*domain.Actor, error) {
	sig := in.Header.Get("Signature")
	keyID := KeyIDFromSignature(sig)
	if keyID == "" {
		return nil, fmt.Errorf("%w: missing signature or keyId", ErrSignatureInvalid)
	}
	signerURI := ActorURIFromKeyID(keyID)

	signer, err := p.dir.ResolveRemote(ctx, signerURI)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve %s: %v", ErrSignatureInvalid, signerURI, err)
	}
	if p.verify(in, sig, signer) {
		return signer, nil
	}
	if signer.IsLocal() {
		return nil, ErrSignatureInvalid
	}

	fresh, err := p.dir.Refetch(ctx, signerURI)
	if err != nil || fresh.PublicKeyPem == signer.PublicKeyPem {
		return nil, ErrSignatureInvalid
	}
	if !p.verify(in, sig, fresh) {
		return nil, ErrSignatureInvalid
	}
	return fresh, nil
}

func (p *Processor) verify(in InboundRequest, sig string, signer *domain.Actor) bool {
	pub, err := ParsePublicKey(signer.PublicKeyPem)
	if err != nil {
		return false
	}
	headers := in.Header.Clone()
	if headers == nil {
		headers = http.Header{}
	}
	if headers.Get("Host") == "" {
		headers.Set("Host", in.Host)
	}
	method := in.Method
	if method == "" {
		method = http.MethodPost
	}
	return Verify(sig, headers, pub, method, in.Path, in.Body)
}

func (p *Processor) dispatch(ctx context.Context, kind Kind, a *Activity, signer *domain.Actor, in InboundRequest) (Result, error) {
	switch kind {
	case KindFollow:
		return p.handleFollow(ctx, a, signer)
	case KindUndo:
		return p.handleUndo(ctx, a, signer)
	case KindLike:
		return p.handleLike(ctx, a, signer, a.MisskeyReaction)
	case KindEmojiReact:
		emoji := a.Content
		if emoji == "" {
			emoji = a.MisskeyReaction
		}
		return p.handleLike(ctx, a, signer, emoji)
	case KindCreate:
		return p.handleCreate(ctx, a, signer)
	case KindUpdate:
		return p.handleUpdate(ctx, a, signer)
	case KindDelete:
		return p.handleDelete(ctx, a, signer)
	case KindAccept:
		return p.handleAccept(ctx, a, signer)
	case KindReject:
		return p.handleReject(ctx, a, signer)
	case KindUnknown:
		p.log.Info("inbox: unsupported activity type", zap.String("type", a.Type), zap.String("inbox", in.Username))
		return ResultUnsupported, nil
	}
	return ResultUnsupported, fmt.Errorf("%w: %s", ErrUnsupportedActivity, a.Type)
}

// background runs f off the request goroutine; Wait tracks it.
func (p *Processor) background(ctx context.Context, name string, f func(ctx context.Context) error) {
	ctx = context.WithoutCancel(ctx)
	p.pending.Add(1)
	go func() {
		defer p.pending.Done()
		defer func() {
			if r := recover(); r != nil {
				p.log.Error("inbox: background task panic", zap.String("task", name), zap.Any("panic", r))
			}
		}()
		if err := f(ctx); err != nil {
			p.log.Warn("inbox: background task failed", zap.String("task", name), zap.Error(err))
		}
	}()
}

func (p *Processor) publish(ctx context.Context, e events.Event) {
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	if err := p.events.Publish(ctx, e); err != nil {
		p.log.Warn("inbox: failed to publish event", zap.String("event", string(e.Type)), zap.Error(err))
	}
}

func (p *Processor) notify(ctx context.Context, kind domain.NotificationKind, recipient *domain.Actor, from *domain.Actor, obj *domain.FederatedObject) {
	if recipient == nil || !recipient.IsLocal() {
		return
	}
	n := &domain.Notification{RecipientId: recipient.Id, ActorId: from.Id, Kind: kind}
	if obj != nil {
		id := obj.Id
		n.ObjectId = &id
	}
	if err := p.store.CreateNotification(ctx, n); err != nil {
		p.log.Error("inbox: failed to store notification", zap.String("kind", string(kind)), zap.Error(err))
		return
	}
	e := events.Event{
		Type:        events.NotificationCreated,
		ActorURI:    from.ActorURI,
		RecipientId: recipient.Id.String(),
		Attributes:  map[string]string{"kind": string(kind), "notification": n.Id.String()},
	}
	if obj != nil {
		e.ObjectId = obj.Id.String()
	}
	p.publish(ctx, e)
}
