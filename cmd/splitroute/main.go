package main

import "splitroute/internal/cli"

func main() {
	cli.Execute()
}
