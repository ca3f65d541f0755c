package main

import "github.com/pkisouverain/caengine/cmd/caengine/cmd"

func main() {
	cmd.Execute()
}
