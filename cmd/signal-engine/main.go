package main

import "signal-engine/internal/cli"

func main() {
	cli.Execute()
}
