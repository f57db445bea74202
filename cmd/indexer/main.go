package main

import "github.com/CoBuilders-xyz/stylus-cm-backend-sub002/internal/cli"

func main() {
	cli.Execute()
}
