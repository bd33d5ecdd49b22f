package main

import (
	"position-rescue-alerts/internal/cli"
)

func main() {
	cli.Execute()
}
