// Package message defines the values exchanged between the client, the middleware pipeline
// and the server.
//
// RPCMessage is the "envelope" for every RPC call. It gets serialized by the codec layer
// and wrapped in a protocol frame for transmission over TCP. Method, Request and Response
// are the in-process descriptions of one call; they are immutable and every With* method
// returns a modified copy. InvokingMethod is the mutable form the server fills in while
// dispatching.
package message

// RPCMessage carries the data for a single RPC request or response.
//
//   - On request:  ServiceMethod is set, Payload contains the serialized args, Error is empty.
//   - On response: Payload contains the serialized result tuple, Error is non-empty if the call failed.
//
// Metadata carries request/response headers across the wire.
type RPCMessage struct {
	ServiceMethod string            // Format: "ServiceName.MethodName", e.g., "Arith.Add"
	Error         string            // Non-empty if the server-side handler returned an error
	Payload       []byte            // Serialized args (request) or result (response) as JSON bytes
	Metadata      map[string]string `json:",omitempty"`
}
