// Command tangramd runs the Tangram server: the object store, indexer,
// process engine, resolver, and tag cache behind the JSON-over-HTTP
// wire protocol, over TCP and/or a UNIX-domain socket.
package main

import "os"

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
