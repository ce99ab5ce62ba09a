package main

import "relay/cmd/internal/cli"

func main() {
	cli.Execute()
}
