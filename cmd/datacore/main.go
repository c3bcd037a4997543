package main

import "github.com/contentpulse/datacore/internal/cli"

func main() {
	cli.Execute()
}
