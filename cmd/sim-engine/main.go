// Command sim-engine runs simulation trees.
package main

import "yqhp/sim-engine/cmd"

func main() {
	cmd.Execute()
}
