// Copyright 2021-2022, Offchain Labs, Inc.
// For license information, see https://github.com/nitro/blob/master/LICENSE

package basechain

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
	flag "github.com/spf13/pflag"

	"github.com/optirollup/sequencer/util"
	"github.com/optirollup/sequencer/util/stopwaiter"
)

// Client is a HeaderSource that can also push new heads.
type Client interface {
	HeaderSource
	SubscribeNewHead(ctx context.Context, ch chan<- *types.Header) (ethereum.Subscription, error)
}

type ReaderConfig struct {
	Enable       bool          `koanf:"enable"`
	PollOnly     bool          `koanf:"poll-only"`
	PollInterval time.Duration `koanf:"poll-interval"`
}

var DefaultReaderConfig = ReaderConfig{
	Enable:       true,
	PollOnly:     false,
	PollInterval: 15 * time.Second,
}

var TestReaderConfig = ReaderConfig{
	Enable:       true,
	PollOnly:     false,
	PollInterval: 50 * time.Millisecond,
}

func ReaderConfigAddOptions(prefix string, f *flag.FlagSet) {
	f.Bool(prefix+".enable", DefaultReaderConfig.Enable, "enable base chain connection")
	f.Bool(prefix+".poll-only", DefaultReaderConfig.PollOnly, "do not attempt to subscribe to base chain heads")
	f.Duration(prefix+".poll-interval", DefaultReaderConfig.PollInterval, "interval when polling the base chain")
}

// Reader broadcasts new base chain heads to its subscribers. Slow
// subscribers are skipped and get the latest head once they catch up.
type Reader struct {
	stopwaiter.StopWaiter
	config              ReaderConfig
	client              Client
	outChannels         map[chan<- *types.Header]struct{}
	outChannelsBehind   map[chan<- *types.Header]struct{}
	chanMutex           sync.Mutex
	lastBroadcastHash   common.Hash
	lastBroadcastHeader *types.Header
	errHandler          *util.EphemeralErrorHandler
}

func NewReader(client Client, config ReaderConfig) *Reader {
	return &Reader{
		client:            client,
		config:            config,
		outChannels:       make(map[chan<- *types.Header]struct{}),
		outChannelsBehind: make(map[chan<- *types.Header]struct{}),
		errHandler:        util.NewEphemeralErrorHandler(time.Minute, "", 0),
	}
}

func (r *Reader) Subscribe() (<-chan *types.Header, func()) {
	r.chanMutex.Lock()
	defer r.chanMutex.Unlock()

	result := make(chan *types.Header)
	outchannel := (chan<- *types.Header)(result)
	r.outChannelsBehind[outchannel] = struct{}{}
	return result, func() { r.unsubscribe(outchannel) }
}

func (r *Reader) unsubscribe(from chan<- *types.Header) {
	r.chanMutex.Lock()
	defer r.chanMutex.Unlock()
	if _, ok := r.outChannels[from]; ok {
		delete(r.outChannels, from)
		close(from)
	}
	if _, ok := r.outChannelsBehind[from]; ok {
		delete(r.outChannelsBehind, from)
		close(from)
	}
}

func (r *Reader) closeAll() {
	r.chanMutex.Lock()
	defer r.chanMutex.Unlock()
	for ch := range r.outChannels {
		delete(r.outChannels, ch)
		close(ch)
	}
	for ch := range r.outChannelsBehind {
		delete(r.outChannelsBehind, ch)
		close(ch)
	}
}

func (r *Reader) possiblyBroadcast(h *types.Header) {
	r.chanMutex.Lock()
	defer r.chanMutex.Unlock()

	headerHash := h.Hash()
	if headerHash != r.lastBroadcastHash {
		for ch := range r.outChannels {
			select {
			case ch <- h:
			default:
				delete(r.outChannels, ch)
				r.outChannelsBehind[ch] = struct{}{}
			}
		}
		r.lastBroadcastHash = headerHash
		r.lastBroadcastHeader = h
	}

	for ch := range r.outChannelsBehind {
		select {
		case ch <- r.lastBroadcastHeader:
			delete(r.outChannelsBehind, ch)
			r.outChannels[ch] = struct{}{}
		default:
		}
	}
}

func (r *Reader) pollHeader(ctx context.Context) time.Duration {
	header, err := r.client.HeaderByNumber(ctx, nil)
	if err != nil {
		r.errHandler.LogLevel(err, log.Error)("failed reading base chain header", "err", err)
		return r.config.PollInterval
	}
	r.errHandler.Reset()
	r.possiblyBroadcast(header)
	return r.config.PollInterval
}

func (r *Reader) subscribeLoop(ctx context.Context) {
	inputChannel := make(chan *types.Header)
	subscription, err := r.client.SubscribeNewHead(ctx, inputChannel)
	if err != nil {
		log.Warn("failed subscribing to base chain heads, polling instead", "err", err)
		_ = r.StopWaiterSafe.CallIteratively(r.pollHeader)
		return
	}
	ticker := time.NewTicker(r.config.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case h := <-inputChannel:
			r.possiblyBroadcast(h)
		case <-ticker.C:
			r.pollHeader(ctx)
		case err := <-subscription.Err():
			if ctx.Err() != nil {
				return
			}
			log.Warn("error in subscription to base chain heads", "err", err)
			for {
				subscription, err = r.client.SubscribeNewHead(ctx, inputChannel)
				if err == nil {
					break
				}
				log.Warn("error re-subscribing to base chain heads", "err", err)
				timer := time.NewTimer(r.pollHeader(ctx))
				select {
				case <-ctx.Done():
					timer.Stop()
					return
				case <-timer.C:
				}
			}
		case <-ctx.Done():
			subscription.Unsubscribe()
			return
		}
	}
}

// LastHeader returns the last broadcast head, or asks the client if nothing
// was broadcast yet.
func (r *Reader) LastHeader(ctx context.Context) (*types.Header, error) {
	r.chanMutex.Lock()
	stored := r.lastBroadcastHeader
	r.chanMutex.Unlock()
	if stored != nil {
		return stored, nil
	}
	return r.client.HeaderByNumber(ctx, nil)
}

func (r *Reader) Client() Client {
	return r.client
}

func (r *Reader) Start(ctxIn context.Context) {
	r.StopWaiter.Start(ctxIn, r)
	if r.config.PollOnly {
		r.CallIteratively(r.pollHeader)
	} else {
		r.LaunchThread(r.subscribeLoop)
	}
}

func (r *Reader) StopAndWait() {
	r.StopWaiter.StopAndWait()
	r.closeAll()
}
