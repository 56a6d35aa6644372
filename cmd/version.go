package cmd

import "fmt"

// set with -ldflags "-X github.com/fzft/go-reactor/cmd.gitSHA1=..."
var (
	version   = "0.1.0"
	gitSHA1   = "unknown"
	buildDate = "unknown"
)

func Version() string {
	return fmt.Sprintf("v%s (git:%s, built %s)", version, gitSHA1, buildDate)
}
