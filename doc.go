// Package nxpc is the cross-process communication substrate that lets a
// host process exchange typed calls, responses, and large data streams
// with independently spawned plugin processes using only OS pipe
// primitives.
//
// The layering, bottom up:
//
//   - pipe: direction-typed OS pipe handles, their wire tokens, and
//     buffered/compressed stream adapters.
//   - protocol: the NXPC duplex request/response protocol with framed
//     messages, plus a fixed-frame command protocol for serving byte
//     sources.
//   - nxpc (this package): the plugin transport that spawns a child,
//     negotiates a wire codec through the encoding handshake, exchanges
//     one call/response cycle without deadlocking, and streams large
//     payloads through a side pipe; and the child-side Runtime that
//     answers it.
package nxpc
