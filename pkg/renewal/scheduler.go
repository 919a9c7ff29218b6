// Decides when to (re)issue the credential: waits until a configured fraction
// of the TTL has elapsed, renews, and on failure keeps retrying with backoff
// for as long as the already-published material is still valid.
package renewal

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/function61/certsidecar/pkg/certmaterial"
	"github.com/function61/certsidecar/pkg/certstore"
	"github.com/function61/certsidecar/pkg/vaultbroker"
	"github.com/function61/gokit/logex"
)

type CredentialBroker interface {
	Authenticate(ctx context.Context) error
	Issue(ctx context.Context) (*certmaterial.Material, error)
}

type Publisher interface {
	Publish(material *certmaterial.Material) error
}

type Scheduler struct {
	broker    CredentialBroker
	store     Publisher
	threshold float64
	logl      *logex.Leveled

	current *certmaterial.Material // only touched by AcquireInitial() / Run()

	// seams for tests
	now        func() time.Time
	timeAfter  func(time.Duration) <-chan time.Time
	newBackoff func() backoff.BackOff
}

func NewScheduler(
	broker CredentialBroker,
	store Publisher,
	threshold float64,
	logger *log.Logger,
) *Scheduler {
	return &Scheduler{
		broker:    broker,
		store:     store,
		threshold: threshold,
		logl:      logex.Levels(logger),
		now:       time.Now,
		timeAfter: time.After,
		newBackoff: func() backoff.BackOff {
			bo := backoff.NewExponentialBackOff()
			bo.InitialInterval = 5 * time.Second
			bo.MaxInterval = 5 * time.Minute
			bo.MaxElapsedTime = 0 // we retry until the current material expires
			bo.Reset()
			return bo
		},
	}
}

// Obtains and publishes the very first credential. Failure here is fatal to
// the process: there is nothing to serve, so the proxy must not start.
func (s *Scheduler) AcquireInitial(ctx context.Context) error {
	material, err := s.issueAndPublish(ctx)
	if err != nil {
		return fmt.Errorf("initial certificate acquisition: %w", err)
	}

	s.current = material

	return nil
}

// The renewal loop. Returns nil on context cancellation; an error only when no
// valid credential remains (current material expired before a retry succeeded,
// or its artifacts could not be written).
func (s *Scheduler) Run(ctx context.Context) error {
	if s.current == nil {
		return errors.New("Run() before successful AcquireInitial()")
	}

	for {
		if ctx.Err() != nil {
			return nil
		}

		deadline := renewalDeadline(s.current.IssuedAt, s.current.TTL, s.threshold)

		wait := deadline.Sub(s.now())
		if wait < 0 {
			wait = 0 // deadline already passed (clock skew, long pause) - renew now
		}

		s.logl.Info.Printf("next renewal at %s", deadline.Format(time.RFC3339))

		select {
		case <-ctx.Done():
			return nil
		case <-s.timeAfter(wait):
		}

		material, err := s.renewWithBackoff(ctx)
		if err != nil {
			return err
		}
		if material == nil { // cancelled mid-retry
			return nil
		}

		s.current = material
	}
}

// retries indefinitely with jittered exponential backoff. (nil, nil) means the
// context was cancelled.
func (s *Scheduler) renewWithBackoff(ctx context.Context) (*certmaterial.Material, error) {
	bo := s.newBackoff()
	attempt := 0

	for {
		attempt++

		material, err := s.issueAndPublish(ctx)
		if err == nil {
			if attempt > 1 {
				s.logl.Info.Printf("renewal recovered on attempt %d", attempt)
			}
			return material, nil
		}

		if ctx.Err() != nil {
			return nil, nil
		}

		if !recoverable(err) {
			return nil, err
		}

		// the failure itself is never fatal while previously published material
		// remains valid. Once that expires, we have nothing left to serve.
		if !s.now().Before(s.current.NotAfter) {
			return nil, fmt.Errorf(
				"current certificate expired %s without successful renewal: %w",
				s.current.NotAfter.Format(time.RFC3339),
				err)
		}

		delay := bo.NextBackOff()

		s.logl.Error.Printf("renewal attempt %d failed (retrying in %s): %v", attempt, delay, err)

		select {
		case <-ctx.Done():
			return nil, nil
		case <-s.timeAfter(delay):
		}
	}
}

func (s *Scheduler) issueAndPublish(ctx context.Context) (*certmaterial.Material, error) {
	if err := s.broker.Authenticate(ctx); err != nil {
		return nil, err
	}

	material, err := s.broker.Issue(ctx)
	if err != nil {
		return nil, err
	}

	if err := s.store.Publish(material); err != nil {
		return nil, err
	}

	return material, nil
}

// broker failures (any kind) and store rejections are retried; anything else
// (notably failure to persist artifacts the workload depends on) is not
func recoverable(err error) bool {
	var brokerErr *vaultbroker.Error
	var rejected *certstore.RejectedError

	return errors.As(err, &brokerErr) || errors.As(err, &rejected)
}

func renewalDeadline(issuedAt time.Time, ttl time.Duration, threshold float64) time.Time {
	return issuedAt.Add(time.Duration(float64(ttl) * threshold))
}
