package main

import (
	"gust/cmd"
)

func main() {
	cmd.Execute()
}
