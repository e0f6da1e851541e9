package main

import "github.com/nextlevelbuilder/omnibridge/cmd"

func main() {
	cmd.Execute()
}
