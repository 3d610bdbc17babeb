package main

import "bmscode-go/cmd/bms-sim/cmd"

func main() {
	cmd.Execute()
}
