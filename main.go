package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	_ "time/tzdata"

	flag "github.com/spf13/pflag"

	"github.com/petervdpas/msgdrop/internal/app"
	"github.com/petervdpas/msgdrop/internal/config"
)

var (
	showHelp = flag.BoolP("help", "h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
	logLevel = flag.String("log-level", "", "Override log.level")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("msgdrop v%s\n", appVersion)
		return
	}
	args := flag.Args()
	if *showHelp || len(args) == 0 {
		showUsage()
		return
	}

	switch args[0] {
	case "client":
		run(app.ModeClient, args)
	case "hub":
		run(app.ModeHub, args)
	case "token":
		issueToken(args)
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command '%s'\n\n", args[0])
		showUsage()
		os.Exit(1)
	}
}

// resolveDir returns the absolute directory and config path for args[1].
func resolveDir(args []string) (string, string) {
	if len(args) < 2 {
		fmt.Fprintf(os.Stderr, "Error: %s command requires directory path\n", args[0])
		fmt.Fprintf(os.Stderr, "Usage: msgdrop %s <directory>\n", args[0])
		os.Exit(1)
	}
	absDir, err := filepath.Abs(args[1])
	if err != nil {
		fatalf("Invalid directory: %v", err)
	}
	if stat, err := os.Stat(absDir); err != nil || !stat.IsDir() {
		fatalf("Directory does not exist: %s", absDir)
	}
	return absDir, filepath.Join(absDir, config.FileName)
}

func run(mode app.Mode, args []string) {
	dir, cfgPath := resolveDir(args)

	cfg, created, err := config.Ensure(cfgPath)
	if err != nil {
		fatalf("Failed to load config: %v", err)
	}
	if created {
		fmt.Printf("Created default config at %s\n", cfgPath)
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "\nShutting down gracefully...")
		cancel()
	}()

	if err := app.Run(ctx, app.Options{
		Mode:    mode,
		Dir:     dir,
		CfgPath: cfgPath,
		Cfg:     cfg,
	}); err != nil {
		fatalf("%s failed: %v", mode, err)
	}
}

func issueToken(args []string) {
	dir, cfgPath := resolveDir(args)
	participant := ""
	if len(args) > 2 {
		participant = args[2]
	}
	tok, path, err := app.IssueToken(dir, cfgPath, participant)
	if err != nil {
		fatalf("Failed to issue token: %v", err)
	}
	fmt.Fprintf(os.Stderr, "Wrote %s\n", path)
	fmt.Println(tok)
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

func showUsage() {
	fmt.Println("msgdrop - two-party realtime drop")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  msgdrop client <directory>               Connect to a hub as the configured participant")
	fmt.Println("  msgdrop hub <directory>                  Run the hub (socket, media broker, chat store)")
	fmt.Println("  msgdrop token <directory> [participant]  Issue a session token with the hub secret")
	fmt.Println()
	fmt.Println("The directory holds msgdrop.json; a default one is created if missing.")
	fmt.Println()
	fmt.Println("Options:")
	flag.PrintDefaults()
	fmt.Println()
	fmt.Println("Client commands:")
	fmt.Println("  /call /accept /decline /end   video call control")
	fmt.Println("  /edit N text /delete N         change your own message #N")
	fmt.Println("  /react N emoji /unreact N emoji")
	fmt.Println("  /history                      page back through older messages")
	fmt.Println("  /typing /games /who /quit")
	fmt.Println("  anything else is sent as a chat message")
}
