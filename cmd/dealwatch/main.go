package main

import "route-deal-alerts/internal/cli"

func main() {
	cli.Execute()
}
