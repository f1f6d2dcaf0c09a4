// Package main starts the chat real-time service and handles termination.
//
// The process serves trip and experience rooms over a WebSocket push channel
// and an HTTP history endpoint; trips and bookings stay owned by the
// directory service.
package main

import (
	chatcmd "github.com/louisbranch/wayfarer/internal/cmd/chat"
	entrypoint "github.com/louisbranch/wayfarer/internal/platform/cmd"
)

func main() {
	entrypoint.Main(entrypoint.ServiceChat, chatcmd.ParseConfig, chatcmd.Run)
}
