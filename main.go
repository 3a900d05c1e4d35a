package main

import "github.com/audiolibrelab/clapcount/cmd"

func main() {
	cmd.Execute()
}
