package network

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"libra/storage"
)

// maxConcurrentPeerRetries bounds RetryAllPeers fan-out.
const maxConcurrentPeerRetries = 4

// SendFunc delivers one stored message.
type SendFunc func(ctx context.Context, message storage.Message) error

// RetryFailure reports a message that stayed pending after every attempt.
type RetryFailure struct {
	MessageID string
	PeerID    string
	Attempts  int
	Err       error
}

// retryTimer matches backoff.Timer so tests can skip real sleeps.
type retryTimer = backoff.Timer

type defaultRetryTimer struct {
	timer *time.Timer
}

func newDefaultRetryTimer() retryTimer {
	return &defaultRetryTimer{}
}

func (t *defaultRetryTimer) C() <-chan time.Time {
	return t.timer.C
}

func (t *defaultRetryTimer) Start(d time.Duration) {
	if t.timer == nil {
		t.timer = time.NewTimer(d)
		return
	}
	t.timer.Reset(d)
}

func (t *defaultRetryTimer) Stop() {
	if t.timer != nil {
		t.timer.Stop()
	}
}

func (m *Manager) newRetryBackOff(ctx context.Context, maxRetries int) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.options.RetryInterval
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(maxRetries-1)), ctx)
}

// RetryPending offers every pending outbound message for peerID to sendFn in
// timestamp order. A message is tried up to maxRetries times with a doubling
// backoff starting at the retry interval; success marks it sent. Exhausted
// messages stay pending and are reported, not returned as an error. Retries
// for one peer never overlap.
func (m *Manager) RetryPending(ctx context.Context, peerID string, sendFn SendFunc, maxRetries int) ([]RetryFailure, error) {
	if sendFn == nil {
		return nil, errors.New("send function is required")
	}
	if maxRetries <= 0 {
		maxRetries = m.options.MaxRetries
	}

	entry := m.peer(peerID)
	entry.retryMu.Lock()
	defer entry.retryMu.Unlock()

	pending, err := m.options.Messages.ListPending(peerID)
	if err != nil {
		return nil, err
	}

	log := m.log.WithField("peer_id", peerID)
	var failures []RetryFailure
	for _, message := range pending {
		if err := ctx.Err(); err != nil {
			return failures, err
		}

		attempts := 0
		operation := func() error {
			attempts++
			return sendFn(ctx, message)
		}
		notify := func(err error, next time.Duration) {
			log.WithFields(logrus.Fields{
				"message_id": message.MessageID,
				"attempt":    attempts,
				"retry_in":   next.String(),
			}).WithError(err).Debug("Send failed; backing off")
		}

		sendErr := backoff.RetryNotifyWithTimer(operation, m.newRetryBackOff(ctx, maxRetries), notify, m.options.retryTimer())
		if sendErr == nil {
			if err := m.markSent(message.MessageID); err != nil {
				return failures, err
			}
			continue
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return failures, ctxErr
		}

		log.WithFields(logrus.Fields{
			"message_id": message.MessageID,
			"attempts":   attempts,
		}).WithError(sendErr).Warn("Message still pending after retries")
		failures = append(failures, RetryFailure{
			MessageID: message.MessageID,
			PeerID:    peerID,
			Attempts:  attempts,
			Err:       sendErr,
		})
	}

	return failures, nil
}

// RetryAllPeers runs RetryPending for every peer with pending messages.
// Peers are processed concurrently; each peer's queue stays in order. One
// peer's error does not stop the others: every error is joined into the
// result.
func (m *Manager) RetryAllPeers(ctx context.Context, sendFn SendFunc, maxRetries int) (map[string][]RetryFailure, error) {
	peers, err := m.options.Messages.PendingPeers()
	if err != nil {
		return nil, err
	}

	var (
		mu       sync.Mutex
		failures = make(map[string][]RetryFailure)
		errs     []error
	)

	var g errgroup.Group
	g.SetLimit(maxConcurrentPeerRetries)
	for _, peerID := range peers {
		g.Go(func() error {
			peerFailures, err := m.RetryPending(ctx, peerID, sendFn, maxRetries)
			mu.Lock()
			defer mu.Unlock()
			if len(peerFailures) > 0 {
				failures[peerID] = peerFailures
			}
			if err != nil {
				errs = append(errs, fmt.Errorf("retry %s: %w", peerID, err))
			}
			return nil
		})
	}

	_ = g.Wait()
	return failures, errors.Join(errs...)
}
