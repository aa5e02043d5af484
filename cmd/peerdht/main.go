package main

import "github.com/opd-ai/peerdht/cmd/peerdht/commands"

func main() {
	commands.Execute()
}
