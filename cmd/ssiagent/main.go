// Command ssiagent is the command line front end of the agent.
package main

import "os"

func main() {
	os.Exit(Execute())
}
