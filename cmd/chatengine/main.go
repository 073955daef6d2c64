package main

import (
	"fmt"
	"os"
	"strings"

	"chatengine/internal/infra/config"
)

func main() {
	cfgPath, args := splitConfigFlag(os.Args[1:])
	if len(args) == 0 {
		args = []string{"chat"}
	}

	cmd, rest := args[0], args[1:]
	switch cmd {
	case "--help", "-h", "help":
		showUsage()
		return
	case "doctor":
		exitOn(cmd, runDoctor(cfgPath, os.Stdout))
		return
	case "encrypt":
		exitOn(cmd, runEncrypt(rest))
		return
	}

	run, ok := commands[cmd]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\nRun 'chatengine --help' for usage information.\n", cmd)
		os.Exit(1)
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		exitOn("config", err)
	}
	exitOn(cmd, run(cfg, rest))
}

var commands = map[string]func(*config.Config, []string) error{
	"chat":   runChat,
	"ask":    runAsk,
	"list":   runList,
	"show":   runShow,
	"runs":   runRuns,
	"delete": runDelete,
}

func exitOn(cmd string, err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", cmd, err)
		os.Exit(1)
	}
}

// splitConfigFlag pulls --config out of args. Without it the path comes
// from CHATENGINE_CONFIG, then ./config.yaml.
func splitConfigFlag(args []string) (string, []string) {
	path := ""
	rest := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		switch {
		case (args[i] == "--config" || args[i] == "-config") && i+1 < len(args):
			path = args[i+1]
			i++
		case strings.HasPrefix(args[i], "--config="):
			path = strings.TrimPrefix(args[i], "--config=")
		default:
			rest = append(rest, args[i])
		}
	}
	if path == "" {
		path = os.Getenv("CHATENGINE_CONFIG")
	}
	if path == "" {
		path = "config.yaml"
	}
	return path, rest
}

func showUsage() {
	fmt.Println(`chatengine - conversation generation engine

USAGE:
    chatengine [--config PATH] [COMMAND] [FLAGS]

COMMANDS:
    chat        Interactive chat (default)
                Flags: -id ID, -model M, -tools a,b, -v
    ask         One-shot prompt in a new conversation
                Flags: -model M, -tools a,b
    list        List stored conversations
    show ID     Print a conversation (-json for raw)
    runs ID     Print a conversation grouped into runs
    delete ID   Delete conversations
    doctor      Run health checks on your setup
    encrypt V   Encrypt a secret with CHATENGINE_CONFIG_KEY

CONFIGURATION:
    Config file: ./config.yaml (or --config, or CHATENGINE_CONFIG)
    Environment: CHATENGINE_* variables override config

TOOLS:
    web_search, generate_image, remember, search_calendar, search_files`)
}
