// main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	logging "github.com/ipfs/go-log/v2"

	"github.com/echo-im/echoclient/internal/session"
)

var log = logging.Logger("main")

var (
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
	dataDir  = flag.String("dir", ".", "Client data directory (config, database)")
	username = flag.String("user", "", "Username to log in with (password read from ECHO_PASSWORD)")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("echoclient v%s\n", appVersion)
		return
	}
	if *showHelp {
		showUsage()
		return
	}

	absDir, err := filepath.Abs(*dataDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid data directory: %v\n", err)
		os.Exit(1)
	}
	if err := os.MkdirAll(absDir, 0755); err != nil {
		fmt.Fprintf(os.Stderr, "Create data directory: %v\n", err)
		os.Exit(1)
	}

	app, err := NewApp(absDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Startup failed: %v\n", err)
		os.Exit(1)
	}
	defer app.Shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\nShutting down...")
		cancel()
	}()

	if err := signIn(ctx, app); err != nil {
		fmt.Fprintf(os.Stderr, "Sign-in failed: %v\n", err)
		os.Exit(1)
	}

	ctl := app.Controller()
	self := ctl.Self()
	fmt.Printf("Signed in as %s (id %d). Press Ctrl+C to quit.\n", self.Username, self.ID)

	runEventLoop(ctx, ctl)
	ctl.Logout()
}

// signIn restores the saved session when possible, falling back to an
// explicit -user login.
func signIn(ctx context.Context, app *App) error {
	if *username != "" {
		password := os.Getenv("ECHO_PASSWORD")
		if password == "" {
			return fmt.Errorf("ECHO_PASSWORD not set")
		}
		return app.Login(ctx, *username, password)
	}
	if err := app.Restore(ctx); err != nil {
		accounts, _ := app.RecentAccounts()
		if len(accounts) > 0 {
			fmt.Println("Known accounts:")
			for _, a := range accounts {
				fmt.Printf("  %s (id %d, last login %s)\n", a.Username, a.UserID, a.LastLogin)
			}
		}
		return fmt.Errorf("%w; pass -user to log in", err)
	}
	return nil
}

// runEventLoop prints toasts, messages, and call state changes until the
// context is cancelled.
func runEventLoop(ctx context.Context, ctl *session.Controller) {
	toasts := ctl.SubscribeToasts()
	defer ctl.UnsubscribeToasts(toasts)
	calls := ctl.SubscribeCallState()
	defer ctl.UnsubscribeCallState(calls)

	for {
		select {
		case <-ctx.Done():
			return
		case t, ok := <-toasts:
			if !ok {
				return
			}
			fmt.Printf("[%s] %s\n", t.Title, t.Message)
		case s, ok := <-calls:
			if !ok {
				return
			}
			switch s.Mode {
			case session.ModeIncoming:
				fmt.Printf("Incoming call from user %d\n", s.PeerID)
			case session.ModeOutgoing:
				fmt.Printf("Calling user %d...\n", s.PeerID)
			case session.ModeActive:
				fmt.Printf("Call with user %d active\n", s.PeerID)
			case session.ModeIdle:
				fmt.Println("Call ended")
			}
		}
	}
}

func showUsage() {
	fmt.Println("echoclient - headless Echo messenger client")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  echoclient [-dir <directory>] [-user <username>]")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -dir       Client data directory (default \".\")")
	fmt.Println("  -user      Log in as this user; password comes from ECHO_PASSWORD")
	fmt.Println("  -h         Show this help message")
	fmt.Println("  -version   Show version information")
	fmt.Println()
	fmt.Println("With no -user, the previously saved session is restored.")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  # First login")
	fmt.Println("  ECHO_PASSWORD=secret echoclient -dir ~/.echo -user alice")
	fmt.Println()
	fmt.Println("  # Subsequent runs reuse the saved session")
	fmt.Println("  echoclient -dir ~/.echo")
}
