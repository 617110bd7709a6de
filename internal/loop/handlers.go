package loop

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/lankv/lankv/internal/identity"
	"github.com/lankv/lankv/internal/network"
	"github.com/lankv/lankv/internal/protocol"
	"github.com/lankv/lankv/internal/security"
	"github.com/lankv/lankv/internal/store"
)

func (l *Loop) handleNetworkEvent(ctx context.Context, ev network.Event) {
	switch ev.Kind {
	case network.EventPeerDiscovered:
		if l.opts.Trust.IsAdmitted(ev.PeerID, time.Now()) || ev.PeerID == "" {
			if err := l.opts.Net.Dial(ev.Addr, ev.PeerID); err != nil {
				log.Debug("dial discovered peer failed", "peer", ev.PeerID, "addr", ev.Addr, "err", err)
			}
		}

	case network.EventConnectionEstablished:
		log.Info("connection established", "peer", ev.PeerID, "addr", ev.Addr)
		if _, ok := l.opts.Trust.PublicKey(ev.PeerID); !ok && l.opts.Trust.IsAdmitted(ev.PeerID, time.Now()) {
			l.wantKeyFor(ev.PeerID)
		}

	case network.EventConnectionClosed:
		log.Info("connection closed", "peer", ev.PeerID, "err", ev.Err)

	case network.EventMessageReceived:
		l.handleInboundMessage(ctx, ev.PeerID, ev.Payload)
	}
}

// handleInboundMessage runs the §4.6 security gate pipeline, then dispatches
// to the §4.4 handler rules. Every step that drops a message logs and
// returns; nothing here ever panics on attacker-controlled input.
func (l *Loop) handleInboundMessage(ctx context.Context, from identity.PeerID, raw []byte) {
	if err := l.opts.Gate.CheckSize(len(raw)); err != nil {
		log.Warn("dropping oversized message", "peer", from, "err", err)
		return
	}

	env, err := protocol.Decode(raw)
	if err != nil {
		log.Warn("dropping malformed envelope", "peer", from, "err", err)
		return
	}
	payload, err := protocol.DecodePayload(env.PayloadBytes)
	if err != nil {
		log.Warn("dropping malformed payload", "peer", from, "signer", env.Signer, "err", err)
		return
	}

	now := time.Now()
	if err := l.opts.Gate.Admit(from, env, payload, now); err != nil {
		if errors.Is(err, security.ErrUnknownSignerKey) {
			l.wantKeyFor(from)
		}
		log.Warn("message rejected by gate", "peer", from, "kind", payload.Kind, "err", err)
		return
	}

	switch payload.Kind {
	case protocol.KindPut:
		l.handlePut(ctx, *payload.Put)
	case protocol.KindDelete:
		l.handleDelete(ctx, *payload.Delete)
	case protocol.KindKeyRequest:
		l.handleKeyRequest(ctx, from, *payload.KeyRequest)
	case protocol.KindKeyResponse:
		l.handleKeyResponse(ctx, *payload.KeyResponse)
	case protocol.KindKeyAnnouncement:
		l.handleKeyAnnouncement(ctx, env.Signer, *payload.KeyAnnouncement)
	case protocol.KindWhitelistRequest:
		l.handleWhitelistRequest(*payload.WhitelistRequest)
	case protocol.KindTrustRecommendation:
		l.handleTrustRecommendation(ctx, env.Signer, *payload.TrustRecommendation)
	}
}

func (l *Loop) handlePut(ctx context.Context, msg protocol.Put) {
	if err := store.ValidateKeyValue(msg.Key, msg.Value, l.opts.MaxKeyLen, l.opts.MaxValueLen); err != nil {
		log.Warn("dropping invalid remote put", "key", msg.Key, "err", err)
		return
	}
	applied, err := l.opts.Store.PutRemote(ctx, msg.Key, msg.Value, msg.Timestamp)
	if err != nil {
		log.Error("put_remote failed", "key", msg.Key, "err", err)
		return
	}
	log.Debug("remote put", "key", msg.Key, "applied", applied)
}

func (l *Loop) handleDelete(ctx context.Context, msg protocol.Delete) {
	applied, err := l.opts.Store.DeleteRemote(ctx, msg.Key, msg.Timestamp)
	if err != nil {
		log.Error("delete_remote failed", "key", msg.Key, "err", err)
		return
	}
	log.Debug("remote delete", "key", msg.Key, "applied", applied)
}

// handleKeyRequest replies with a KeyResponse iff we hold a key for target
// and the requestor is admitted, per spec.md §4.4.
func (l *Loop) handleKeyRequest(ctx context.Context, from identity.PeerID, msg protocol.KeyRequest) {
	if !l.opts.Trust.IsAdmitted(from, time.Now()) {
		return
	}
	var pub []byte
	if msg.Target == l.opts.Identity.ID() {
		pub = l.opts.Identity.Public
	} else if key, ok := l.opts.Trust.PublicKey(msg.Target); ok {
		pub = key
	} else {
		return
	}
	err := l.publish(ctx, protocol.Payload{
		Kind: protocol.KindKeyResponse,
		KeyResponse: &protocol.KeyResponse{
			Target:    msg.Target,
			PublicKey: pub,
			Timestamp: time.Now(),
			UID:       protocol.NewUID(),
		},
	})
	if err != nil {
		log.Error("key_response publish failed", "err", err)
	}
}

// handleKeyResponse accepts iff derive_peer_id(public_key) == target, and
// only upserts onto an entry that already exists, per spec.md §4.4.
func (l *Loop) handleKeyResponse(ctx context.Context, msg protocol.KeyResponse) {
	if identity.DerivePeerID(msg.PublicKey) != msg.Target {
		log.Warn("dropping key_response with mismatched target", "target", msg.Target)
		return
	}
	updated, err := l.opts.Trust.SetPublicKeyIfPresent(ctx, msg.Target, msg.PublicKey)
	if err != nil {
		log.Error("key_response apply failed", "target", msg.Target, "err", err)
		return
	}
	if updated {
		l.gotKeyFor(msg.Target)
	}
}

// handleKeyAnnouncement accepts iff derive_peer_id(public_key) == peer_id ==
// signer, and only upserts an already-present entry, per spec.md §4.4.
func (l *Loop) handleKeyAnnouncement(ctx context.Context, signer identity.PeerID, msg protocol.KeyAnnouncement) {
	if msg.PeerID != signer || identity.DerivePeerID(msg.PublicKey) != msg.PeerID {
		log.Warn("dropping key_announcement with mismatched identity", "claimed", msg.PeerID, "signer", signer)
		return
	}
	updated, err := l.opts.Trust.SetPublicKeyIfPresent(ctx, msg.PeerID, msg.PublicKey)
	if err != nil {
		log.Error("key_announcement apply failed", "peer", msg.PeerID, "err", err)
		return
	}
	if updated {
		l.gotKeyFor(msg.PeerID)
	}
}

// handleWhitelistRequest never auto-admits; that is always an operator
// decision (spec.md §4.4). AcceptWhitelistRequests only controls whether the
// request is surfaced to the operator at all: when false (the default) it
// is rejected silently, resolving the open question of spec.md §9 in favor
// of "logs only, and only when the operator opted in."
func (l *Loop) handleWhitelistRequest(msg protocol.WhitelistRequest) {
	if !l.opts.AcceptWhitelistRequests {
		return
	}
	log.Info("whitelist request received", "requestor", msg.Requestor, "name", msg.Name)
	l.printf("whitelist request from %s (name=%q); run `lankv whitelist add --peer %s --key <key>` to admit\n", msg.Requestor, msg.Name, msg.Requestor)
}

// handleTrustRecommendation requires signer == recommender before invoking
// the Trust DB, per spec.md §4.4.
func (l *Loop) handleTrustRecommendation(ctx context.Context, signer identity.PeerID, msg protocol.TrustRecommendation) {
	if signer != msg.Recommender {
		log.Warn("dropping trust_recommendation with mismatched signer", "signer", signer, "recommender", msg.Recommender)
		return
	}
	if err := l.opts.Trust.AddRecommendation(ctx, msg.Recommender, msg.Recommended, msg.Name, time.Now()); err != nil {
		log.Warn("add_recommendation rejected", "recommender", msg.Recommender, "recommended", msg.Recommended, "err", err)
	}
}

// handleCommand parses one line of user input. Verbs mirror the interactive
// shell spec.md §6 describes as an external collaborator; this loop only
// needs to expose the operations that mutate or read Store/Trust.
func (l *Loop) handleCommand(ctx context.Context, line string) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return
	}
	verb, args := fields[0], fields[1:]

	switch verb {
	case "add", "put":
		l.cmdPut(ctx, args)
	case "get":
		l.cmdGet(ctx, args)
	case "delete", "del":
		l.cmdDelete(ctx, args)
	case "list":
		l.cmdList(ctx)
	case "status":
		l.cmdStatus()
	case "announce-key":
		l.announceOwnKey(ctx)
	case "request-keys":
		l.requestPendingKeys(ctx)
	case "recommend-peer":
		l.cmdRecommendPeer(ctx, args)
	case "request-whitelist":
		l.cmdRequestWhitelist(ctx, args)
	case "reload-cache":
		l.cmdReloadCache(ctx)
	case "cleanup":
		if n, err := l.opts.Store.Sweep(ctx, store.DefaultSweepAge, time.Now()); err != nil {
			l.printf("error: %v\n", err)
		} else {
			l.printf("swept %d tombstones\n", n)
		}
	default:
		l.printf("unknown command: %s\n", verb)
	}
}

func (l *Loop) cmdPut(ctx context.Context, args []string) {
	if len(args) < 2 {
		l.printf("usage: add <key> <value>\n")
		return
	}
	key, value := args[0], strings.Join(args[1:], " ")
	rec, err := l.opts.Store.PutLocal(ctx, key, value, l.opts.MaxKeyLen, l.opts.MaxValueLen, time.Now())
	if err != nil {
		l.printf("error: %v\n", err)
		return
	}
	if err := l.publish(ctx, protocol.Payload{
		Kind: protocol.KindPut,
		Put:  &protocol.Put{Key: rec.Key, Value: rec.Value, Timestamp: rec.Timestamp},
	}); err != nil {
		l.printf("warning: put stored locally but publish failed: %v\n", err)
		return
	}
	l.printf("ok\n")
}

func (l *Loop) cmdGet(ctx context.Context, args []string) {
	if len(args) != 1 {
		l.printf("usage: get <key>\n")
		return
	}
	value, err := l.opts.Store.Get(ctx, args[0])
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			l.printf("not found\n")
			return
		}
		l.printf("error: %v\n", err)
		return
	}
	l.printf("%s\n", value)
}

func (l *Loop) cmdDelete(ctx context.Context, args []string) {
	if len(args) != 1 {
		l.printf("usage: delete <key>\n")
		return
	}
	rec, err := l.opts.Store.DeleteLocal(ctx, args[0], time.Now())
	if err != nil {
		l.printf("error: %v\n", err)
		return
	}
	if err := l.publish(ctx, protocol.Payload{
		Kind:   protocol.KindDelete,
		Delete: &protocol.Delete{Key: rec.Key, Timestamp: rec.Timestamp},
	}); err != nil {
		l.printf("warning: delete stored locally but publish failed: %v\n", err)
		return
	}
	l.printf("ok\n")
}

func (l *Loop) cmdList(ctx context.Context) {
	records, err := l.opts.Store.List(ctx)
	if err != nil {
		l.printf("error: %v\n", err)
		return
	}
	for _, rec := range records {
		l.printf("%s=%s\n", rec.Key, rec.Value)
	}
}

func (l *Loop) cmdStatus() {
	l.printf("peer_id=%s peers=%d\n", l.opts.Identity.ID(), l.opts.Net.PeerCount())
}

func (l *Loop) cmdRecommendPeer(ctx context.Context, args []string) {
	if len(args) < 1 {
		l.printf("usage: recommend-peer <peer-id> [name]\n")
		return
	}
	target := identity.PeerID(args[0])
	name := ""
	if len(args) > 1 {
		name = strings.Join(args[1:], " ")
	}
	err := l.publish(ctx, protocol.Payload{
		Kind: protocol.KindTrustRecommendation,
		TrustRecommendation: &protocol.TrustRecommendation{
			Recommender: l.opts.Identity.ID(),
			Recommended: target,
			Name:        name,
			Timestamp:   time.Now(),
			UID:         protocol.NewUID(),
		},
	})
	if err != nil {
		l.printf("error: %v\n", err)
		return
	}
	l.printf("ok\n")
}

// cmdRequestWhitelist floods a WhitelistRequest for this peer's own identity,
// the construct/publish side of handleWhitelistRequest. The optional name
// argument is advisory, same as TrustRecommendation's.
func (l *Loop) cmdRequestWhitelist(ctx context.Context, args []string) {
	name := ""
	if len(args) > 0 {
		name = strings.Join(args, " ")
	}
	err := l.publish(ctx, protocol.Payload{
		Kind: protocol.KindWhitelistRequest,
		WhitelistRequest: &protocol.WhitelistRequest{
			Requestor: l.opts.Identity.ID(),
			Name:      name,
			Timestamp: time.Now(),
			UID:       protocol.NewUID(),
		},
	})
	if err != nil {
		l.printf("error: %v\n", err)
		return
	}
	l.printf("ok\n")
}

// cmdReloadCache rebuilds the trust DB's in-memory cache from its persistent
// table, surfacing edits made directly via `lankv whitelist` while this node
// is already running.
func (l *Loop) cmdReloadCache(ctx context.Context) {
	if err := l.opts.Trust.Reload(ctx); err != nil {
		l.printf("error: %v\n", err)
		return
	}
	l.printf("ok\n")
}
