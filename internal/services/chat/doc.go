// Package chat implements real-time trip and experience chat.
//
// Messages are appended to a durable per-room log (storage) before the room
// multiplexer (hub) fans them out to live connections. The gateway owns
// connection lifecycle and membership, the history service serves ordered
// snapshots of the log, and the client package merges both views into one
// feed without gaps or duplicates.
package chat
