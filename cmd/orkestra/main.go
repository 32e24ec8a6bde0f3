package main

import (
	"fmt"
	"log/slog"
	"os"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "version":
		fmt.Printf("orkestra %s\n", version)
	case "serve":
		if err := runServe(); err != nil {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	case "backup":
		if err := runBackup(os.Args[2:]); err != nil {
			slog.Error("backup failed", "error", err)
			os.Exit(1)
		}
	case "restore":
		if err := runRestore(os.Args[2:]); err != nil {
			slog.Error("restore failed", "error", err)
			os.Exit(1)
		}
	default:
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: orkestra <command>

Commands:
  serve      Start the orchestration server
  backup     Archive the data directory (-f <out.tar.zst>)
  restore    Restore the data directory (-f <in.tar.zst> [-overwrite])
  version    Print version
`)
}
