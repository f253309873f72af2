package main

import "github.com/mrs-federation/server/cmd/server/cmd"

func main() {
	cmd.Execute()
}
