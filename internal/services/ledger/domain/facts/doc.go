// Package facts defines the compliance event types recorded by the ledger and
// their payload contracts.
//
// Each payload names the entity it is about (a control, a resource, an
// evidence artifact) so the registry can address events without callers
// repeating the id in the envelope.
package facts
