package main

import (
	"github.com/katasec/dstream-ingester-capture/connector"
)

func main() {
	// One-liner publishes the plugin over the go-plugin handshake.
	connector.Serve(&connector.Plugin{})
}
