package main

import "github.com/atelierops/pipewatch/internal/cli"

func main() {
	cli.Execute()
}
