package main

import "github.com/msgbridge/msgbridge/internal/cli"

func main() {
	cli.Execute()
}
