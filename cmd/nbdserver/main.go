package main

import (
	"fmt"
	"os"

	"github.com/marmos91/nbdserver/cmd/nbdserver/commands"

	// Backend packages register their URI schemes with objectstore.Open.
	_ "github.com/marmos91/nbdserver/pkg/objectstore/cache"
	_ "github.com/marmos91/nbdserver/pkg/objectstore/file"
	_ "github.com/marmos91/nbdserver/pkg/objectstore/s3"
)

// Build-time variables injected via ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	commands.Version = version
	commands.Commit = commit
	commands.Date = date

	if err := commands.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
