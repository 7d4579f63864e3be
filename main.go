package main

import "github.com/alimasry/collab-getaway/cmd"

func main() {
	cmd.Execute()
}
