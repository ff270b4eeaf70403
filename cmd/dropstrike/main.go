package main

import (
	"dropstrike/internal/cli"
)

func main() {
	cli.Execute()
}
