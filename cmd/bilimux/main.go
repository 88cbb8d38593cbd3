// bilimux is a media acquisition engine for Bilibili DASH streams: it
// downloads fragmented MP4 tracks across competing mirrors, stores them in a
// sandboxed working directory, and emits raw segments or a single flat MP4
// through a virtual download endpoint.
package main

import (
	"os"

	"github.com/bilimux/bilimux/cmd/bilimux/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
