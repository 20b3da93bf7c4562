package main

import "github.com/LumeraProtocol/ledgernode/node/cmd"

func main() {
	cmd.Execute()
}
