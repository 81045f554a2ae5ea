// Package wire defines the types shared by any encoder/decoder that needs to
// move values across the RPC boundary without losing precision — currently
// just the arbitrary-precision Decimal tuple (spec.md §6 "BigDecimal on the
// wire"). The request/response envelope itself is defined once, in the
// server package (server.RPCRequest / server.RPCResponse), and mirrored by
// the client package for JSON compatibility rather than shared by import,
// following the teacher's pattern of each side of the RPC owning its own
// small DTOs instead of a third package gluing client and server together.
package wire

// Decimal is the wire encoding for arbitrary-precision decimals: a base-10 scale and
// the unscaled value as a big-endian two's-complement integer, so non-Go clients can
// round-trip full precision (spec.md §6 "BigDecimal on the wire").
type Decimal struct {
	Scale         int32  `json:"scale"`
	UnscaledValue []byte `json:"unscaledValue"`
}
