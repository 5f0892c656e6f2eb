// fleetd serves RPC services from a pool of worker processes and calls them.
package main

func init() {
	addSubcommand(serveCmd)
	addSubcommand(callCmd)
	addSubcommand(benchCmd)
	addSubcommand(configCmd)
}

func main() {
	run()
}
