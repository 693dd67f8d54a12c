// Package main prints freshly generated ledger secrets as env assignments.
package main

import (
	"flag"
	"os"

	"github.com/louisbranch/evidence.space/internal/platform/config"
	"github.com/louisbranch/evidence.space/internal/tools/keygen"
)

func main() {
	cfg, err := keygen.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		config.Exitf("parse flags: %v", err)
	}
	if err := keygen.Run(cfg, os.Stdout, nil); err != nil {
		config.Exitf("generate keys: %v", err)
	}
}
