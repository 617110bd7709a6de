// Package loop runs lankv's single cooperative event loop: the sole mutator
// of the Store and Trust DB. It multiplexes line-delimited user commands,
// Network events, and periodic timers into one select, the way the
// teacher's gossip.Node merges its readLoop and gossipLoop around a shared
// stop channel — generalized here to a single select over several sources
// instead of two independent goroutines racing on no shared state.
package loop

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/lankv/lankv/internal/identity"
	"github.com/lankv/lankv/internal/network"
	"github.com/lankv/lankv/internal/obs"
	"github.com/lankv/lankv/internal/protocol"
	"github.com/lankv/lankv/internal/security"
	"github.com/lankv/lankv/internal/signing"
	"github.com/lankv/lankv/internal/store"
	"github.com/lankv/lankv/internal/trust"
)

var log = obs.Logger("loop")

// Timers mirrors spec.md §4.7's T1/T2/T3 defaults.
type Timers struct {
	AnnounceKey        time.Duration // T1, default 60s
	RequestMissingKeys time.Duration // T2, default 30s
	Sweep              time.Duration // T3, default 1h
}

// DefaultTimers returns the spec-mandated defaults.
func DefaultTimers() Timers {
	return Timers{
		AnnounceKey:        60 * time.Second,
		RequestMissingKeys: 30 * time.Second,
		Sweep:              time.Hour,
	}
}

// Options bundles everything the loop needs to run.
type Options struct {
	Identity                identity.KeyPair
	Store                   *store.Store
	Trust                   *trust.DB
	Gate                    *security.Gate
	Net                     *network.Network
	Cache                   *protocol.MessageCache
	Timers                  Timers
	AutoShareKeys           bool
	AutoRequestKeys         bool
	AcceptWhitelistRequests bool
	MaxKeyLen               int
	MaxValueLen             int
	Commands                io.Reader // line-delimited user commands, e.g. stdin
	Output                  io.Writer // where command results/status are written
}

// Loop is lankv's single-threaded orchestrator.
type Loop struct {
	opts Options

	pendingMu sync.Mutex
	pending   map[identity.PeerID]struct{}

	stop chan struct{}
	done chan struct{}
}

// New constructs a Loop. Call Run to start it.
func New(opts Options) *Loop {
	if opts.Timers == (Timers{}) {
		opts.Timers = DefaultTimers()
	}
	return &Loop{
		opts:    opts,
		pending: make(map[identity.PeerID]struct{}),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Run blocks until ctx is canceled or Stop is called, processing events from
// every source in a single goroutine.
func (l *Loop) Run(ctx context.Context) error {
	defer close(l.done)

	lines := make(chan string)
	if l.opts.Commands != nil {
		go l.readCommands(lines)
	}

	announce := newTicker(l.opts.Timers.AnnounceKey, l.opts.AutoShareKeys)
	request := newTicker(l.opts.Timers.RequestMissingKeys, l.opts.AutoRequestKeys)
	sweep := newTicker(l.opts.Timers.Sweep, true)
	defer announce.Stop()
	defer request.Stop()
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-l.stop:
			return nil

		case line, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			l.handleCommand(ctx, line)

		case ev, ok := <-l.opts.Net.Events():
			if !ok {
				continue
			}
			l.handleNetworkEvent(ctx, ev)

		case <-announce.C:
			l.announceOwnKey(ctx)

		case <-request.C:
			l.requestPendingKeys(ctx)

		case <-sweep.C:
			if _, err := l.opts.Store.Sweep(ctx, store.DefaultSweepAge, time.Now()); err != nil {
				log.Error("sweep failed", "err", err)
			}
		}
	}
}

// Stop signals Run to return and waits for it to finish.
func (l *Loop) Stop() {
	close(l.stop)
	<-l.done
}

func newTicker(d time.Duration, enabled bool) *time.Ticker {
	if !enabled || d <= 0 {
		// A ticker that never fires, so the select arm is inert without an
		// extra nil-channel special case at each call site.
		return time.NewTicker(time.Hour * 24 * 365)
	}
	return time.NewTicker(d)
}

func (l *Loop) readCommands(out chan<- string) {
	defer close(out)
	scanner := bufio.NewScanner(l.opts.Commands)
	for scanner.Scan() {
		select {
		case out <- scanner.Text():
		case <-l.stop:
			return
		}
	}
}

func (l *Loop) printf(format string, args ...any) {
	if l.opts.Output == nil {
		return
	}
	fmt.Fprintf(l.opts.Output, format, args...)
}

// publish signs payload and floods it over the overlay.
func (l *Loop) publish(ctx context.Context, payload protocol.Payload) error {
	payloadBytes, err := protocol.EncodePayload(payload)
	if err != nil {
		return err
	}
	sig := signing.Sign(l.opts.Identity.Private, payloadBytes)
	env := protocol.Envelope{
		PayloadBytes: payloadBytes,
		Signature:    sig,
		Signer:       l.opts.Identity.ID(),
	}
	data, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	l.opts.Net.Publish(ctx, data)
	return nil
}

func (l *Loop) announceOwnKey(ctx context.Context) {
	err := l.publish(ctx, protocol.Payload{
		Kind: protocol.KindKeyAnnouncement,
		KeyAnnouncement: &protocol.KeyAnnouncement{
			PeerID:    l.opts.Identity.ID(),
			PublicKey: l.opts.Identity.Public,
			Timestamp: time.Now(),
			UID:       protocol.NewUID(),
		},
	})
	if err != nil {
		log.Error("announce_key failed", "err", err)
	}
}

func (l *Loop) requestPendingKeys(ctx context.Context) {
	l.pendingMu.Lock()
	targets := make([]identity.PeerID, 0, len(l.pending))
	for id := range l.pending {
		targets = append(targets, id)
	}
	l.pendingMu.Unlock()

	for _, target := range targets {
		err := l.publish(ctx, protocol.Payload{
			Kind: protocol.KindKeyRequest,
			KeyRequest: &protocol.KeyRequest{
				Requestor: l.opts.Identity.ID(),
				Target:    target,
				Timestamp: time.Now(),
				UID:       protocol.NewUID(),
			},
		})
		if err != nil {
			log.Error("request_missing_keys failed", "target", target, "err", err)
		}
	}
}

func (l *Loop) wantKeyFor(peerID identity.PeerID) {
	l.pendingMu.Lock()
	l.pending[peerID] = struct{}{}
	l.pendingMu.Unlock()
}

func (l *Loop) gotKeyFor(peerID identity.PeerID) {
	l.pendingMu.Lock()
	delete(l.pending, peerID)
	l.pendingMu.Unlock()
}
