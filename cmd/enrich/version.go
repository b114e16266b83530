package main

import (
	"fmt"

	"github.com/ternarybob/enrich/internal/common"
)

func printVersion() {
	info := common.CurrentBuild()
	fmt.Printf("Enrich version %s\n", info.Version)
	fmt.Printf("Build: %s\n", info.Build)
	fmt.Printf("Commit: %s\n", info.GitCommit)
}
