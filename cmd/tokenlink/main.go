package main

import "github.com/jmcleod/tokenlink/cmd/tokenlink/cmd"

func main() {
	cmd.Execute()
}
