package main

import "github.com/knightbot/knightbot/cmd"

func main() {
	cmd.Execute()
}
