// Copyright 2021-2022, Offchain Labs, Inc.
// For license information, see https://github.com/nitro/blob/master/LICENSE

// Package redislock keeps a single block producer active among replicas by
// holding a lease key in redis.
package redislock

import (
	"context"
	"crypto/rand"
	"errors"
	"math"
	"math/big"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/redis/go-redis/v9"
	flag "github.com/spf13/pflag"

	"github.com/optirollup/sequencer/util/stopwaiter"
)

type Config struct {
	HolderID        string        `koanf:"holder-id"`
	LeaseDuration   time.Duration `koanf:"lease-duration" reload:"hot"`
	RefreshInterval time.Duration `koanf:"refresh-interval" reload:"hot"`
	Key             string        `koanf:"key"`
	Background      bool          `koanf:"background"`
}

type ConfigFetcher func() *Config

func (c *Config) Validate() error {
	if c.RefreshInterval >= c.LeaseDuration {
		return errors.New("lease refresh-interval must be shorter than lease-duration")
	}
	return nil
}

var DefaultConfig = Config{
	HolderID:        "",
	LeaseDuration:   time.Minute,
	RefreshInterval: 10 * time.Second,
	Key:             "sequencer.producer-lease",
	Background:      true,
}

var TestConfig = Config{
	HolderID:        "test",
	LeaseDuration:   2 * time.Second,
	RefreshInterval: 100 * time.Millisecond,
	Key:             "sequencer.producer-lease.test",
	Background:      false,
}

func ConfigAddOptions(prefix string, f *flag.FlagSet) {
	f.String(prefix+".holder-id", DefaultConfig.HolderID, "prefix of this node's id when holding the lease (optional)")
	f.Duration(prefix+".lease-duration", DefaultConfig.LeaseDuration, "how long the lease is held without a refresh")
	f.Duration(prefix+".refresh-interval", DefaultConfig.RefreshInterval, "how often the lease is refreshed")
	f.String(prefix+".key", DefaultConfig.Key, "redis key of the lease")
	f.Bool(prefix+".background", DefaultConfig.Background, "keep trying to take the lease in the background")
}

// Lease is a redis lease on Key. With a nil client there is no competition
// and the lease is always held.
type Lease struct {
	stopwaiter.StopWaiter
	client      redis.UniversalClient
	config      ConfigFetcher
	heldUntil   atomic.Int64 // unix millis
	mutex       sync.Mutex
	stopping    bool
	readyToHold func() bool
	holderID    string
}

func New(client redis.UniversalClient, config ConfigFetcher, readyToHold func() bool) (*Lease, error) {
	randBig, err := rand.Int(rand.Reader, big.NewInt(math.MaxInt64))
	if err != nil {
		return nil, err
	}
	if readyToHold == nil {
		readyToHold = func() bool { return true }
	}
	return &Lease{
		// unique even if the configured prefix is not
		holderID:    config().HolderID + "-" + strconv.FormatInt(randBig.Int64(), 16),
		client:      client,
		config:      config,
		readyToHold: readyToHold,
	}, nil
}

func (l *Lease) HolderID() string {
	return l.holderID
}

func (l *Lease) setHeldUntil(t time.Time) {
	if t.IsZero() {
		l.heldUntil.Store(0)
		return
	}
	l.heldUntil.Store(t.UnixMilli())
}

func (l *Lease) tryAcquire(ctx context.Context) (bool, error) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	if l.stopping || l.client == nil || !l.readyToHold() {
		return false, nil
	}
	config := l.config()
	attemptStart := time.Now()
	acquired := false

	err := l.client.Watch(ctx, func(tx *redis.Tx) error {
		holder, err := tx.Get(ctx, config.Key).Result()
		if errors.Is(err, redis.Nil) {
			holder, err = "", nil
		}
		if err != nil {
			return err
		}
		if holder != "" && holder != l.holderID {
			return nil
		}
		pipe := tx.TxPipeline()
		pipe.Set(ctx, config.Key, l.holderID, config.LeaseDuration)
		pipe.PExpireAt(ctx, config.Key, attemptStart.Add(config.LeaseDuration))
		err = execPipe(ctx, pipe)
		if errors.Is(err, redis.TxFailedErr) {
			return nil
		}
		if err != nil {
			return err
		}
		acquired = true
		return nil
	}, config.Key)

	if !acquired {
		l.setHeldUntil(time.Time{})
	}
	if err != nil {
		return false, err
	}
	if acquired {
		// without background refreshes the lease is only trusted until the
		// next refresh would have happened
		if config.Background {
			l.setHeldUntil(attemptStart.Add(config.LeaseDuration))
		} else {
			l.setHeldUntil(attemptStart.Add(config.RefreshInterval))
		}
	}
	return acquired, nil
}

// Acquire takes or refreshes the lease unless the background loop owns that.
func (l *Lease) Acquire(ctx context.Context) bool {
	if l.Held() {
		return true
	}
	if l.config().Background {
		return false
	}
	acquired, err := l.tryAcquire(ctx)
	if err != nil {
		log.Error("Lease: acquiring failed", "key", l.config().Key, "err", err)
		return false
	}
	return acquired
}

func (l *Lease) Held() bool {
	if l.client == nil {
		return true
	}
	return time.Now().Before(time.UnixMilli(l.heldUntil.Load()))
}

// Release gives the lease up if this node holds it.
func (l *Lease) Release(ctx context.Context) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	if l.client == nil {
		return
	}
	config := l.config()
	l.setHeldUntil(time.Time{})
	err := l.client.Watch(ctx, func(tx *redis.Tx) error {
		holder, err := tx.Get(ctx, config.Key).Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		if holder != l.holderID {
			return nil
		}
		pipe := tx.TxPipeline()
		pipe.Del(ctx, config.Key)
		err = execPipe(ctx, pipe)
		if errors.Is(err, redis.TxFailedErr) {
			return nil
		}
		return err
	}, config.Key)
	if err != nil {
		log.Error("Lease: release failed", "key", config.Key, "err", err)
	}
}

func (l *Lease) Start(ctxIn context.Context) {
	l.StopWaiter.Start(ctxIn, l)
	if l.config().Background && l.client != nil {
		l.CallIteratively(func(ctx context.Context) time.Duration {
			if _, err := l.tryAcquire(ctx); err != nil {
				log.Error("Lease: acquiring failed", "key", l.config().Key, "err", err)
			}
			return l.config().RefreshInterval
		})
	}
}

func (l *Lease) StopAndWait() {
	l.mutex.Lock()
	l.stopping = true
	l.mutex.Unlock()
	l.Release(l.GetContext())
	l.StopWaiter.StopAndWait()
}

func execPipe(ctx context.Context, pipe redis.Pipeliner) error {
	cmders, err := pipe.Exec(ctx)
	if err != nil {
		return err
	}
	for _, cmder := range cmders {
		if err := cmder.Err(); err != nil {
			return err
		}
	}
	return nil
}
