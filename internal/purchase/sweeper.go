package purchase

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/campus-ticket-payments/internal/domain"
	"github.com/robertarktes/campus-ticket-payments/internal/observability"
)

// Locker elects one sweeper among replicas; the redis Cache implements it.
type Locker interface {
	AcquireLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, key, owner string) error
}

const sweepLockKey = "purchase-sweep"

// Sweeper fails purchases that stayed pending longer than the TTL, e.g.
// because the payer ignored the prompt or the callback never arrived.
type Sweeper struct {
	ledger     domain.Ledger
	logger     observability.Logger
	locker     Locker
	owner      string
	ttl        time.Duration
	batch      int
	timeout    time.Duration
	newBackOff func() backoff.BackOff
}

type SweeperProperty struct {
	Ledger domain.Ledger
	Logger observability.Logger
	Locker Locker
	TTL    time.Duration
	Batch  int
	// StoreTimeout bounds each ledger call. Defaults to five seconds.
	StoreTimeout time.Duration
	// BackOff paces per-purchase retries. Defaults to three tries starting
	// at one second, doubling.
	BackOff func() backoff.BackOff
}

func NewSweeper(props SweeperProperty) *Sweeper {
	sw := &Sweeper{
		ledger:     props.Ledger,
		logger:     props.Logger,
		locker:     props.Locker,
		owner:      uuid.NewString(),
		ttl:        props.TTL,
		batch:      props.Batch,
		timeout:    props.StoreTimeout,
		newBackOff: props.BackOff,
	}
	if sw.timeout <= 0 {
		sw.timeout = 5 * time.Second
	}
	if sw.batch <= 0 {
		sw.batch = 100
	}
	if sw.newBackOff == nil {
		sw.newBackOff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = time.Second
			b.Multiplier = 2
			b.RandomizationFactor = 0
			return backoff.WithMaxRetries(b, 2)
		}
	}
	return sw
}

func (sw *Sweeper) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			sw.resign()
			return
		case now := <-ticker.C:
			if !sw.lead(ctx, interval) {
				continue
			}
			n, err := sw.SweepOnce(ctx, now.UTC())
			if err != nil {
				sw.logger.WithError(err).Error("purchase sweep failed")
			} else if n > 0 {
				sw.logger.WithField("expired", n).Info("expired stale pending purchases")
			}
		}
	}
}

// lead reports whether this replica holds the sweep lock for the coming
// interval. Without a locker every replica sweeps; the status
// compare-and-swap keeps that safe.
func (sw *Sweeper) lead(ctx context.Context, interval time.Duration) bool {
	if sw.locker == nil {
		return true
	}
	ok, err := sw.locker.AcquireLock(ctx, sweepLockKey, sw.owner, interval)
	if err != nil {
		sw.logger.WithError(err).Warn("sweep lock unavailable, sweeping anyway")
		return true
	}
	return ok
}

func (sw *Sweeper) resign() {
	if sw.locker == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := sw.locker.ReleaseLock(ctx, sweepLockKey, sw.owner); err != nil {
		sw.logger.WithError(err).Warn("failed to release sweep lock")
	}
}

// SweepOnce fails every purchase created at or before now-TTL that is still
// pending. It returns how many it moved.
func (sw *Sweeper) SweepOnce(ctx context.Context, now time.Time) (int, error) {
	listCtx, cancel := context.WithTimeout(ctx, sw.timeout)
	stale, err := sw.ledger.ListStalePending(listCtx, now.Add(-sw.ttl), sw.batch)
	cancel()
	if err != nil {
		return 0, errors.Wrap(err, "list stale purchases")
	}

	var expired int
	for _, p := range stale {
		var moved bool
		op := func() error {
			var err error
			moved, err = sw.expire(ctx, p.ID, now)
			if errors.Is(err, domain.ErrNotFound) {
				return backoff.Permanent(err)
			}
			return err
		}
		if err := backoff.Retry(op, backoff.WithContext(sw.newBackOff(), ctx)); err != nil {
			sw.logger.WithError(err).WithField("purchase_id", p.ID).Error("failed to expire purchase after retries")
			continue
		}
		if moved {
			expired++
			observability.ExpiredPurchases.Inc()
		}
	}
	return expired, nil
}

func (sw *Sweeper) expire(ctx context.Context, id uuid.UUID, now time.Time) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, sw.timeout)
	defer cancel()

	var moved bool
	err := sw.ledger.InTx(ctx, func(tx domain.LedgerTx) error {
		moved = false
		p, err := tx.LockPurchase(ctx, id)
		if err != nil {
			return err
		}
		// a callback may have settled it since the listing
		if p.Status != domain.StatusPending {
			return nil
		}
		change := domain.StatusChange{
			From:   domain.StatusPending,
			To:     domain.StatusFailed,
			Reason: ptr(domain.ReasonExpired),
			At:     now,
		}
		if err := tx.TransitionPurchase(ctx, id, change); err != nil {
			return err
		}
		moved = true
		return tx.InsertOutbox(ctx, domain.PurchaseEvent(domain.EventPurchaseFailed, p.Apply(change), now))
	})
	return moved, err
}
