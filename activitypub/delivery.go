package activitypub

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/barineco/illo-sub000/db"
	"github.com/barineco/illo-sub000/domain"
	"github.com/barineco/illo-sub000/queue"
	"github.com/barineco/illo-sub000/util"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// RetryJobKind is the queue kind of delivery retries. The payload is the
// delivery record id.
const RetryJobKind = "delivery.retry"

var backoffSchedule = []time.Duration{
	time.Minute,
	5 * time.Minute,
	15 * time.Minute,
	time.Hour,
	4 * time.Hour,
	24 * time.Hour,
}

// backoff returns the wait after the given number of failed attempts. The
// last step repeats.
func backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	if attempts > len(backoffSchedule) {
		attempts = len(backoffSchedule)
	}
	return backoffSchedule[attempts-1]
}

// Outbound is an activity authored by a local actor.
type Outbound struct {
	Context   any      `json:"@context,omitempty"`
	Id        string   `json:"id"`
	Type      string   `json:"type"`
	Actor     string   `json:"actor"`
	Object    any      `json:"object"`
	To        []string `json:"to,omitempty"`
	Cc        []string `json:"cc,omitempty"`
	Content   string   `json:"content,omitempty"`
	Published string   `json:"published,omitempty"`
}

// Delivery posts signed activities to remote inboxes. Every destination gets
// a delivery record before the first attempt; failed attempts are retried
// through the job queue.
type Delivery struct {
	store  *db.DB
	queue  queue.Queue
	dir    *Directory
	client *http.Client
	conf   Config
	log    *zap.Logger
}

// NewDelivery registers the retry handler on q.
func NewDelivery(store *db.DB, q queue.Queue, dir *Directory, client *http.Client, logger *zap.Logger) *Delivery {
	if client == nil {
		client = &http.Client{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Delivery{
		store:  store,
		queue:  q,
		dir:    dir,
		client: client,
		conf:   dir.Config(),
		log:    logger,
	}
	q.Register(RetryJobKind, d.HandleRetry)
	return d
}

// Send delivers activity to one inbox. The first attempt is made inline; on
// failure a retry is queued and Send returns without waiting for it. The
// returned error is reserved for local failures such as a broken store.
func (d *Delivery) Send(ctx context.Context, sender *domain.Actor, inbox string, activity *Outbound) (*domain.DeliveryRecord, error) {
	if activity.Context == nil {
		cp := *activity
		cp.Context = defaultContext()
		activity = &cp
	}
	rec := &domain.DeliveryRecord{
		SenderId:     sender.Id,
		InboxURL:     inbox,
		ActivityType: activity.Type,
		ActivityId:   activity.Id,
		Payload:      string(mustMarshal(activity)),
		Status:       domain.DeliveryPending,
	}
	if err := d.store.CreateDelivery(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to record delivery to %s: %w", inbox, err)
	}

	err := d.attempt(ctx, rec)
	if d.settle(rec, err) {
		return rec, d.save(ctx, rec)
	}

	if err := d.save(ctx, rec); err != nil {
		return rec, err
	}
	ref, qerr := d.queue.Enqueue(ctx, RetryJobKind, rec.Id.String(), backoff(rec.AttemptCount))
	if qerr != nil {
		return rec, fmt.Errorf("failed to schedule retry for %s: %w", inbox, qerr)
	}
	rec.JobRef = ref
	if err := d.store.SetDeliveryJobRef(ctx, rec.Id, ref); err != nil {
		d.log.Error("delivery: failed to store job ref", zap.String("record", rec.Id.String()), zap.Error(err))
	}
	d.log.Info("delivery: first attempt failed, retry scheduled",
		zap.String("inbox", inbox), zap.String("type", rec.ActivityType),
		zap.Duration("in", backoff(rec.AttemptCount)), zap.Error(err))
	return rec, nil
}

// SendTo delivers activity to every inbox concurrently. Failures of one
// destination do not affect the others.
func (d *Delivery) SendTo(ctx context.Context, sender *domain.Actor, inboxes []string, activity *Outbound) ([]*domain.DeliveryRecord, error) {
	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		records []*domain.DeliveryRecord
		errs    []error
	)
	for _, inbox := range inboxes {
		wg.Add(1)
		go func(inbox string) {
			defer wg.Done()
			rec, err := d.Send(ctx, sender, inbox, activity)
			mu.Lock()
			defer mu.Unlock()
			if rec != nil {
				records = append(records, rec)
			}
			if err != nil {
				errs = append(errs, err)
			}
		}(inbox)
	}
	wg.Wait()
	return records, errors.Join(errs...)
}

// FanOut delivers activity to the accepted remote followers of sender, once
// per distinct inbox. Shared inboxes are preferred.
func (d *Delivery) FanOut(ctx context.Context, sender *domain.Actor, activity *Outbound) ([]*domain.DeliveryRecord, error) {
	followers, err := d.store.ReadRemoteFollowers(ctx, sender.Id)
	if err != nil {
		return nil, fmt.Errorf("failed to read followers of %s: %w", sender.Username, err)
	}
	return d.SendTo(ctx, sender, Inboxes(followers), activity)
}

// Inboxes returns the distinct delivery targets of actors, preferring each
// actor's shared inbox.
func Inboxes(actors []domain.Actor) []string {
	seen := make(map[string]bool, len(actors))
	var out []string
	for _, a := range actors {
		inbox := a.SharedInboxURI
		if inbox == "" {
			inbox = a.InboxURI
		}
		if inbox == "" || seen[inbox] {
			continue
		}
		seen[inbox] = true
		out = append(out, inbox)
	}
	return out
}

// HandleRetry is the queue handler for RetryJobKind.
func (d *Delivery) HandleRetry(ctx context.Context, job domain.Job) error {
	id, err := uuid.Parse(job.Payload)
	if err != nil {
		return fmt.Errorf("bad delivery record id %q: %w", job.Payload, err)
	}
	rec, err := d.store.ReadDelivery(ctx, id)
	if err != nil {
		return fmt.Errorf("delivery record %s: %w", id, err)
	}
	if rec.Status != domain.DeliveryPending {
		return nil
	}

	err = d.attempt(ctx, rec)
	if d.settle(rec, err) {
		return d.save(ctx, rec)
	}
	if serr := d.save(ctx, rec); serr != nil {
		return queue.RetryAfter(backoff(rec.AttemptCount), serr)
	}
	d.log.Info("delivery: attempt failed",
		zap.String("inbox", rec.InboxURL), zap.Int("attempt", rec.AttemptCount), zap.Error(err))
	return queue.RetryAfter(backoff(rec.AttemptCount), err)
}

// settle records the outcome of an attempt on rec and reports whether the
// record reached a final state.
func (d *Delivery) settle(rec *domain.DeliveryRecord, err error) bool {
	if err == nil {
		rec.Status = domain.DeliveryDelivered
		rec.LastError = ""
		deliveryAttempts.WithLabelValues("delivered").Inc()
		d.log.Debug("delivery: delivered", zap.String("inbox", rec.InboxURL), zap.String("type", rec.ActivityType))
		return true
	}

	rec.LastError = err.Error()
	var statusErr *HTTPStatusError
	permanent := d.conf.FailFast4xx && errors.As(err, &statusErr) && statusErr.Permanent()
	if permanent || rec.AttemptCount >= d.conf.MaxAttempts {
		rec.Status = domain.DeliveryFailed
		deliveryAttempts.WithLabelValues("failed").Inc()
		deliveriesFailed.Inc()
		d.log.Warn("delivery: giving up",
			zap.String("inbox", rec.InboxURL), zap.String("type", rec.ActivityType),
			zap.Int("attempts", rec.AttemptCount), zap.Error(err))
		return true
	}
	deliveryAttempts.WithLabelValues("retry").Inc()
	return false
}

func (d *Delivery) save(ctx context.Context, rec *domain.DeliveryRecord) error {
	if _, err := d.store.UpdateDeliveryAttempt(context.WithoutCancel(ctx), rec); err != nil {
		return fmt.Errorf("failed to update delivery %s: %w", rec.Id, err)
	}
	return nil
}

// attempt makes one signed POST and counts it on rec.
func (d *Delivery) attempt(ctx context.Context, rec *domain.DeliveryRecord) error {
	ts := time.Now().UTC()
	rec.AttemptCount++
	rec.LastAttemptAt = &ts

	kp, err := d.dir.GetOrCreateLocalKeys(ctx, rec.SenderId)
	if err != nil {
		return fmt.Errorf("failed to load sender key: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, d.conf.DeliveryTimeout)
	defer cancel()

	body := []byte(rec.Payload)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rec.InboxURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", ContentType)
	req.Header.Set("Accept", ContentType)
	req.Header.Set("User-Agent", util.UserAgent(d.conf.Domain))

	// Date and Digest are regenerated on every attempt
	if err := SignRequest(req, kp.Private, kp.KeyID, body); err != nil {
		return fmt.Errorf("failed to sign request: %w", err)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &HTTPStatusError{URL: rec.InboxURL, Status: resp.StatusCode, Body: truncate(string(snippet), 200)}
	}
	return nil
}
