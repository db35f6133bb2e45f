package main

import "github.com/malunal/mbuild/cmd"

func main() {
	cmd.Execute()
}
