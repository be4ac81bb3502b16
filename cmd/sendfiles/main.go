package main

import "github.com/sendfiles-dev/sendfiles/internal/cmd"

func main() {
	cmd.Execute()
}
