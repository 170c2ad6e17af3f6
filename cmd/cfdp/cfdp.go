/*
CLI for a CFDP entity
*/
package main

import (
	"avaneesh/cfdp-go/cmd/cfdp/commands"
)

func main() {
	commands.Execute()
}
