// Command gonolith-harness launches local Gonolith clusters and deploys services to them
package main

import "github.com/Noahdw/Gonolith/cmd/gonolith-harness/cmd"

func main() {
	cmd.Execute()
}
