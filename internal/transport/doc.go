// Package transport frames stream-socket packets over the two kinds of
// underlying connection.
//
// The reliable path ([ReliableSender], [ReliableReceiver]) runs over any
// ordered byte stream ([StreamConn]: TCP, a QUIC stream). Frames carry a
// 10-byte prefix (stream id, packet index, payload size) and are
// reassembled from partial reads by a per-connection state machine.
//
// The unreliable path ([UnreliableSender], [UnreliableReceiver]) runs over
// a datagram socket ([DatagramConn]: UDP, QUIC datagrams, a WebRTC data
// channel). Datagrams carry only the 2-byte stream id; the datagram
// boundary delimits the message. Sends may be throttled by a token-bucket
// [RateLimiter] sized from the configured video bitrate.
//
// Both receivers pull buffers from a bufpool.Pool and push completed
// packets to it. A timeout while waiting for data or a free buffer is
// reported as protocol.ErrTryAgain; any other I/O error is fatal for the
// connection.
package transport
