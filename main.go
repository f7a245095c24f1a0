package main

import "github.com/nextlevelbuilder/parley/cmd"

func main() {
	cmd.Execute()
}
