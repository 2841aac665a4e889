// Package api hosts the HTTP handlers that front the media pipeline.
//
// The handlers assembled by Handler coordinate request validation and
// response shaping while delegating all lifecycle work to the
// pipeline.Pipeline injected at construction time. The package does not
// reach for globals or singletons and expects callers to supply fully
// configured dependencies.
//
// Upload endpoints speak the resumable chunk contract: metadata
// registration, chunk presence probes, chunk uploads, and finalization.
// Background failures never surface on these endpoints; clients observe
// them through the status endpoint instead. The internal completion
// callback is gated by a derived-secret token verifier so only the encoder
// fleet can signal rendition outcomes.
package api
