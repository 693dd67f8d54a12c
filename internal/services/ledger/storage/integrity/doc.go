// Package integrity seals and verifies the per-scope event hash chain.
//
// Every event carries a content hash, the chain hash of its predecessor, its
// own chain hash, and an HMAC signature of that chain hash. Signing keys are
// derived per scope from a root key so a leaked scope key cannot forge another
// scope's history.
package integrity
