package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/lankv/lankv"
	"github.com/lankv/lankv/internal/autostart"
	"github.com/lankv/lankv/internal/config"
	"github.com/lankv/lankv/internal/identity"
	"github.com/lankv/lankv/internal/obs"
	"github.com/lankv/lankv/internal/signing"
	"github.com/lankv/lankv/internal/trust"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, out, errOut io.Writer) int {
	if len(args) == 0 {
		printUsage(errOut)
		return 2
	}

	switch args[0] {
	case "start":
		return cmdStart(args[1:], out, errOut)
	case "install":
		return cmdInstall(args[1:], out, errOut)
	case "whitelist":
		return cmdWhitelist(args[1:], out, errOut)
	case "help", "-h", "--help":
		printUsage(out)
		return 0
	default:
		fmt.Fprintf(errOut, "unknown command: %s\n\n", args[0])
		printUsage(errOut)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "lankv: decentralized, trust-gated key-value store")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  lankv start [--port N] [--dial addr ...] [--data-dir path] [--config path] [--verbose] [--log-file path]")
	fmt.Fprintln(w, "  lankv install")
	fmt.Fprintln(w, "  lankv whitelist add --peer <id> [--name <name>] [--expires <dur>]")
	fmt.Fprintln(w, "  lankv whitelist add-key --peer <id> --key <hex|base64>")
	fmt.Fprintln(w, "  lankv whitelist remove --peer <id>")
	fmt.Fprintln(w, "  lankv whitelist list")
	fmt.Fprintln(w, "  lankv whitelist check <peer_id>")
}

func cmdStart(args []string, out, errOut io.Writer) int {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	fs.SetOutput(errOut)
	port := fs.Int("port", 0, "bind port (0 = random)")
	dataDir := fs.String("data-dir", defaultDataDir(), "data directory")
	configPath := fs.String("config", "", "path to config.toml")
	verbose := fs.Bool("verbose", false, "log at debug level")
	logFile := fs.String("log-file", "", "write logs to this file instead of stderr")
	var dials stringList
	fs.Var(&dials, "dial", "address to dial on start (repeatable)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	closeLog, err := configureLogging(*verbose, *logFile)
	if err != nil {
		fmt.Fprintf(errOut, "open log file: %v\n", err)
		return 1
	}
	defer closeLog()

	cfgPath := *configPath
	if cfgPath == "" {
		cfgPath = filepath.Join(*dataDir, "config.toml")
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(errOut, "load config: %v\n", err)
		return 1
	}
	cfg.DataDir = *dataDir
	if *port != 0 {
		cfg.Port = uint16(*port)
	}
	cfg.BootstrapPeers = append(cfg.BootstrapPeers, dials...)

	node, err := lankv.New(cfg)
	if err != nil {
		fmt.Fprintf(errOut, "create node: %v\n", err)
		return 1
	}
	defer node.Close()

	bindAddr := fmt.Sprintf(":%d", cfg.Port)
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := node.Start(ctx, bindAddr, os.Stdin, out); err != nil {
		fmt.Fprintf(errOut, "start node: %v\n", err)
		return 1
	}
	fmt.Fprintf(out, "lankv started, peer_id=%s\n", node.ID())

	<-ctx.Done()
	fmt.Fprintln(out, "shutting down")
	return 0
}

// configureLogging applies --verbose/--log-file to the process-wide logger
// and returns a cleanup func that closes the log file, if one was opened.
// Pulled out of cmdStart so the flag-to-obs wiring is testable without
// starting a node.
func configureLogging(verbose bool, logFile string) (func(), error) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	if logFile == "" {
		if verbose {
			obs.SetLevel(level)
		}
		return func() {}, nil
	}
	f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, err
	}
	obs.SetOutput(f, level)
	return func() { _ = f.Close() }, nil
}

func cmdInstall(args []string, out, errOut io.Writer) int {
	fs := flag.NewFlagSet("install", flag.ContinueOnError)
	fs.SetOutput(errOut)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	installer, err := autostart.New()
	if err != nil {
		fmt.Fprintf(errOut, "install: %v\n", err)
		return 1
	}
	execPath, err := os.Executable()
	if err != nil {
		fmt.Fprintf(errOut, "install: resolve executable: %v\n", err)
		return 1
	}
	if err := installer.Install(execPath, []string{"start"}); err != nil {
		fmt.Fprintf(errOut, "install: %v\n", err)
		return 1
	}
	fmt.Fprintln(out, "ok")
	return 0
}

func cmdWhitelist(args []string, out, errOut io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(errOut, "usage: lankv whitelist <add|add-key|remove|list|check> ...")
		return 2
	}

	dataDir := defaultDataDir()
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		fmt.Fprintf(errOut, "create data dir: %v\n", err)
		return 1
	}
	db, err := trust.Open(filepath.Join(dataDir, "whitelist.db"))
	if err != nil {
		fmt.Fprintf(errOut, "open whitelist: %v\n", err)
		return 1
	}
	defer db.Close()

	switch args[0] {
	case "add":
		return whitelistAdd(db, args[1:], out, errOut)
	case "add-key":
		return whitelistAddKey(db, args[1:], out, errOut)
	case "remove":
		return whitelistRemove(db, args[1:], out, errOut)
	case "list":
		return whitelistList(db, out)
	case "check":
		return whitelistCheck(db, args[1:], out, errOut)
	default:
		fmt.Fprintf(errOut, "unknown whitelist subcommand: %s\n", args[0])
		return 2
	}
}

func whitelistAdd(db *trust.DB, args []string, out, errOut io.Writer) int {
	fs := flag.NewFlagSet("whitelist add", flag.ContinueOnError)
	fs.SetOutput(errOut)
	peer := fs.String("peer", "", "peer id")
	name := fs.String("name", "", "display name")
	key := fs.String("key", "", "public key (hex|base64|raw), optional")
	expires := fs.Duration("expires", 0, "expiry duration from now, 0 = never")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *peer == "" {
		fmt.Fprintln(errOut, "usage: lankv whitelist add --peer <id> [--name <name>] [--key <key>] [--expires <dur>]")
		return 2
	}
	var pub []byte
	if *key != "" {
		decoded, err := signing.DecodePublicKey([]byte(*key))
		if err != nil {
			fmt.Fprintf(errOut, "decode key: %v\n", err)
			return 1
		}
		pub = decoded
	}
	var expiresAt *time.Time
	if *expires > 0 {
		t := time.Now().Add(*expires)
		expiresAt = &t
	}
	if err := db.Add(context.Background(), identity.PeerID(*peer), *name, pub, expiresAt, time.Now()); err != nil {
		fmt.Fprintf(errOut, "add: %v\n", err)
		return 1
	}
	fmt.Fprintln(out, "ok")
	return 0
}

func whitelistAddKey(db *trust.DB, args []string, out, errOut io.Writer) int {
	fs := flag.NewFlagSet("whitelist add-key", flag.ContinueOnError)
	fs.SetOutput(errOut)
	peer := fs.String("peer", "", "peer id")
	key := fs.String("key", "", "public key (hex|base64|raw)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *peer == "" || *key == "" {
		fmt.Fprintln(errOut, "usage: lankv whitelist add-key --peer <id> --key <key>")
		return 2
	}
	pub, err := signing.DecodePublicKey([]byte(*key))
	if err != nil {
		fmt.Fprintf(errOut, "decode key: %v\n", err)
		return 1
	}
	if err := db.AddKey(context.Background(), identity.PeerID(*peer), pub, time.Now()); err != nil {
		fmt.Fprintf(errOut, "add-key: %v\n", err)
		return 1
	}
	fmt.Fprintln(out, "ok")
	return 0
}

func whitelistRemove(db *trust.DB, args []string, out, errOut io.Writer) int {
	fs := flag.NewFlagSet("whitelist remove", flag.ContinueOnError)
	fs.SetOutput(errOut)
	peer := fs.String("peer", "", "peer id")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *peer == "" {
		fmt.Fprintln(errOut, "usage: lankv whitelist remove --peer <id>")
		return 2
	}
	if err := db.Remove(context.Background(), identity.PeerID(*peer)); err != nil {
		fmt.Fprintf(errOut, "remove: %v\n", err)
		return 1
	}
	fmt.Fprintln(out, "ok")
	return 0
}

func whitelistCheck(db *trust.DB, args []string, out, errOut io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(errOut, "usage: lankv whitelist check <peer_id>")
		return 2
	}
	peerID := identity.PeerID(args[0])
	if db.IsAdmitted(peerID, time.Now()) {
		fmt.Fprintln(out, "admitted")
		return 0
	}
	fmt.Fprintln(out, "not admitted")
	return 1
}

func whitelistList(db *trust.DB, out io.Writer) int {
	for _, e := range db.List() {
		trusted := "untrusted"
		if len(e.PublicKey) > 0 {
			trusted = "full"
		} else if len(e.RecommendedBy) > 0 {
			trusted = "transitive"
		}
		fmt.Fprintf(out, "%s\tname=%q\ttrust=%s\trecommendations=%d\n", e.PeerID, e.Name, trusted, e.RecommendationCount)
	}
	return 0
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".lankv"
	}
	return filepath.Join(home, ".lankv")
}

// stringList implements flag.Value to collect repeated --dial flags.
type stringList []string

func (s *stringList) String() string { return fmt.Sprint(*s) }

func (s *stringList) Set(value string) error {
	*s = append(*s, value)
	return nil
}
