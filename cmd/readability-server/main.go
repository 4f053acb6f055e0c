// The main package for the readability-server executable.
package main

// main defers all execution to the Cobra CLI.
func main() {
	Execute()
}
