// Package license implements the license lifecycle for ViralDesk premium
// features: key minting, activation, expiry sweeping, and the cached
// verification path that gates premium surfaces.
//
// # Architecture Overview
//
// The lifecycle consists of several components:
//
//	- Manager: server-authoritative state machine over license records
//	- KeyGenerator: batch minting of unique scratch-card style keys
//	- SweepTrigger: process-wide, rate-limited expiration sweep invoker
//	- Verifier: session-scoped cached status checks for gating logic
//	- CacheSlot: persisted single-slot status cache with a TTL
//
// # State Machine
//
// A record is minted inactive, activated exactly once (binding it to an
// owner and starting its validity clock), and expired terminally by the
// batch sweep:
//
//	inactive --Activate--> active --Sweep--> expired
//
// Activation is serialized at the data layer with a conditional
// single-row update keyed by record ID and prior status, so two racing
// activation attempts resolve deterministically: one wins, the loser
// re-reads and receives a taxonomy failure.
//
// # Verification Flow
//
// Verifier.Verify is the read path used by route gates. It consults, in
// order: the in-flight guard, the live-check rate limit, the persisted
// cache slot, and finally a sweep trigger plus live store refresh. On
// any refresh failure it fails closed and reports no license.
package license
