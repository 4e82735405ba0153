package main

import "github.com/provara/provara/internal/cli"

func main() {
	cli.Execute()
}
