package main

import (
	"flag"
	"os"

	"github.com/louisbranch/wayfarer/internal/platform/config"
	"github.com/louisbranch/wayfarer/internal/tools/chatgrant"
)

func main() {
	cfg, err := chatgrant.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		config.Exitf("parse flags: %v", err)
	}
	if err := chatgrant.Run(cfg, os.Stdout, nil); err != nil {
		config.Exitf("chatgrant: %v", err)
	}
}
