package main

import "github.com/katasec/dstream-ingester-capture/cmd"

func main() {
	cmd.Execute()
}
