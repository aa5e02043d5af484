// Package limits provides centralized size constants and validation functions
// for untrusted network input handled by the DHT and tracker clients.
//
// # Size Hierarchy
//
//   - MaxDatagramSize (1500 bytes): the largest KRPC datagram accepted from
//     the network. Anything larger cannot be a valid DHT message and is dropped
//     before decoding.
//
//   - MaxTrackerResponse (1MB default): the largest HTTP tracker body read
//     into memory. Callers may lower or raise it per tracker.
//
//   - MaxNestingDepth (64): the deepest list/dictionary nesting the bencode
//     decoder will follow, which bounds recursion on hostile input.
//
// # Validation Functions
//
//	if err := limits.ValidateDatagram(packet); err != nil {
//	    // drop the packet
//	}
//
// For custom limits use ValidateMessageSize:
//
//	err := limits.ValidateMessageSize(body, 4096)
//
// # Error Types
//
//   - ErrMessageEmpty: returned when an empty or nil message is provided
//   - ErrMessageTooLarge: returned when a message exceeds the specified limit
package limits
