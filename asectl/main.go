// Command asectl runs and inspects application-side simulation sessions.
package main

import "github.com/sarchlab/ase/asectl/cmd"

func main() {
	cmd.Execute()
}
