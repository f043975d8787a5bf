package main

import "github.com/Starry-Night-Fantasy-Pavilion/starrynight-engine/cmd"

func main() {
	cmd.Execute()
}
