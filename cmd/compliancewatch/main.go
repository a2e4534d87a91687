package main

import "compliance-watch/internal/cli"

func main() {
	cli.Execute()
}
