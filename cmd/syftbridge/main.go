package main

import "github.com/openmined/syftbridge/cmd/syftbridge/cmd"

func main() {
	cmd.Execute()
}
