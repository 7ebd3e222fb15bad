package main

import "github.com/OpenTraceLab/orbtrace/cmd/orbtrace/cmd"

func main() {
	cmd.Execute()
}
