// Package main runs an interactive terminal session against the chat server.
package main

import (
	chatclientcmd "github.com/louisbranch/wayfarer/internal/cmd/chatclient"
	entrypoint "github.com/louisbranch/wayfarer/internal/platform/cmd"
)

func main() {
	entrypoint.Main(entrypoint.ServiceChatClient, chatclientcmd.ParseConfig, chatclientcmd.Run)
}
