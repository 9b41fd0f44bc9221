package main

import "github.com/bobarin/storyforge/internal/cli"

func main() {
	cli.Main()
}
