package main

import "github.com/tbourn/go-chat-sync/internal/cli"

func main() {
	cli.Execute()
}
