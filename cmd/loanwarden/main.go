package main

import (
	"loanwarden/internal/cli"
)

func main() {
	cli.Execute()
}
