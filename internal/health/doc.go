// Package health holds the liveness and readiness probes of the gateway and
// the plain-text handlers that serve them on the ops listener.
//
// Probes compose with [All] and [Timeout]. [ShutdownGate] is flipped first on
// shutdown so readiness fails before the listeners stop.
package health
