// Package lankv provides a decentralized, trust-gated key-value store that
// synchronizes state across mutually-trusting peers on a local-area
// network without any central coordinator.
//
// # Overview
//
// Each node maintains a local SQLite-backed replica, accepts user writes,
// and disseminates them to every other admitted peer over an encrypted
// flood-based overlay. Concurrent writes to the same key converge via
// last-writer-wins on physical timestamps.
//
// # Trust
//
// Peers are only admitted once whitelisted, directly or through a
// one-hop recommendation chain, in the internal/trust package. Every
// synchronized message is signed with the sender's long-lived Ed25519
// identity and verified before it reaches the store.
//
// # Networking
//
// Peers are discovered via mDNS and connect pairwise over a Noise-XX
// encrypted channel; see internal/network. A single event loop
// (internal/loop) is the sole mutator of the store and trust database.
//
// Example
//
//	node, err := lankv.New(cfg)
//	if err != nil {
//		// handle error
//	}
//	defer node.Close()
//	if err := node.Start(context.Background(), ":7946", os.Stdin, os.Stdout); err != nil {
//		// handle error
//	}
package lankv
