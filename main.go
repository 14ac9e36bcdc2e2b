package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/term"

	"github.com/zsprackett/agent-mascot/internal/applog"
	"github.com/zsprackett/agent-mascot/internal/broadcast"
	"github.com/zsprackett/agent-mascot/internal/config"
	"github.com/zsprackett/agent-mascot/internal/db"
	"github.com/zsprackett/agent-mascot/internal/ingest"
	"github.com/zsprackett/agent-mascot/internal/monitor"
	"github.com/zsprackett/agent-mascot/internal/notify"
	"github.com/zsprackett/agent-mascot/internal/retention"
	"github.com/zsprackett/agent-mascot/internal/session"
	"github.com/zsprackett/agent-mascot/internal/webserver"
)

// staleAfter marks sessions in the listing that have not been seen for a while.
const staleAfter = 30 * 24 * time.Hour

func configPath() string {
	if p := os.Getenv("AGENT_MASCOT_CONFIG"); p != "" {
		return p
	}
	return config.DefaultPath()
}

func loadConfig() config.Config {
	cfg, err := config.Load(configPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: could not load config: %v\n", err)
		cfg = config.Defaults()
	}
	return cfg
}

func openDB(path string) (*db.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, err
	}
	store, err := db.Open(path)
	if err != nil {
		return nil, err
	}
	if err := store.Migrate(); err != nil {
		store.Close()
		return nil, err
	}
	return store, nil
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "hash-secret":
			hashSecret()
			return
		case "create-session":
			createSession(strings.Join(os.Args[2:], " "))
			return
		case "sessions":
			listSessions()
			return
		case "help", "-h", "--help":
			usage()
			return
		default:
			usage()
			os.Exit(2)
		}
	}
	serve()
}

func usage() {
	fmt.Fprintf(os.Stderr, `usage: agent-mascot [command]

With no command, runs the server.

commands:
  hash-secret            print a bcrypt hash for legacy.secretHash
  create-session [name]  create a session and print its token
  sessions               list sessions
`)
}

func hashSecret() {
	fmt.Print("Shared secret: ")
	secret, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		fatal("%v", err)
	}
	if len(secret) == 0 {
		fatal("secret must not be empty")
	}
	hash, err := bcrypt.GenerateFromPassword(secret, bcrypt.DefaultCost)
	if err != nil {
		fatal("%v", err)
	}
	fmt.Println(string(hash))
}

func createSession(name string) {
	cfg := loadConfig()
	store, err := openDB(cfg.DBPath)
	if err != nil {
		fatal("could not open database: %v", err)
	}
	defer store.Close()

	sess, err := session.NewRegistry(store).Create(name)
	if err != nil {
		fatal("creating session: %v", err)
	}
	base := cfg.Webserver.BaseURL
	if base == "" {
		base = "http://localhost:" + strconv.Itoa(cfg.Webserver.Port)
	}
	fmt.Printf("Session created\n  token:   %s\n  install: curl -fsSL %s/install/%s | bash\n", sess.Token, base, sess.Token)
}

func listSessions() {
	cfg := loadConfig()
	store, err := openDB(cfg.DBPath)
	if err != nil {
		fatal("could not open database: %v", err)
	}
	defer store.Close()

	sessions, err := session.NewRegistry(store).List()
	if err != nil {
		fatal("listing sessions: %v", err)
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TOKEN\tNAME\tSTATE\tLAST SEEN\tCREATED")
	for _, s := range sessions {
		seen := "never"
		if !s.LastSeenAt.IsZero() {
			seen = humanize.Time(s.LastSeenAt)
			if time.Since(s.LastSeenAt) > staleAfter {
				seen += " (stale)"
			}
		}
		name := s.Name
		if s.Legacy {
			name = "(legacy)"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", s.Token, name, s.State, seen, humanize.Time(s.CreatedAt))
	}
	tw.Flush()
}

func serve() {
	cfg := loadConfig()
	if err := cfg.Validate(); err != nil {
		fatal("invalid config %s: %v", configPath(), err)
	}

	logger, logCloser, err := applog.Init(applog.InitConfig{
		LogDir:   cfg.LogDir,
		LogLevel: cfg.LogLevel,
		Format:   cfg.LogFormat,
		KeepDays: cfg.LogKeepDays,
		Echo:     true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: could not init log file: %v\n", err)
		logger = slog.Default() // falls back to default (stderr)
	} else {
		defer logCloser.Close()
	}

	store, err := openDB(cfg.DBPath)
	if err != nil {
		fatal("could not open database: %v", err)
	}
	defer store.Close()

	reg := session.NewRegistry(store)
	router := broadcast.NewRouter(logger)
	notifier := notify.New(notify.Config{
		Enabled: cfg.Notifications.Enabled,
		Webhook: cfg.Notifications.Webhook,
		NtfyURL: cfg.Notifications.NtfyURL,
	}, logger)

	auth := ingest.NewMultiTenant(reg)
	if cfg.Mode == config.ModeLegacy {
		auth = ingest.NewLegacy(reg, cfg.Legacy.SecretHash)
	}
	ing := ingest.New(reg, router, notifier, logger)

	tlsCacheDir := cfg.Webserver.TLS.CacheDir
	if tlsCacheDir == "" {
		tlsCacheDir = filepath.Join(config.Dir(), "certs")
	}
	srv := webserver.New(reg, router, ing, auth, webserver.Config{
		Port:    cfg.Webserver.Port,
		Host:    cfg.Webserver.Host,
		BaseURL: cfg.Webserver.BaseURL,
		TLS: webserver.TLSConfig{
			Mode:     cfg.Webserver.TLS.Mode,
			Domain:   cfg.Webserver.TLS.Domain,
			CertFile: cfg.Webserver.TLS.CertFile,
			KeyFile:  cfg.Webserver.TLS.KeyFile,
			CacheDir: tlsCacheDir,
		},
	}, logger)

	mon := monitor.New(reg, router, monitor.SystemProber(), notifier, cfg.Monitor.Interval.Std(), logger)
	ret := retention.New(reg, cfg.Retention.EventMaxAge.Std(), logger)

	if err := srv.Start(); err != nil {
		fatal("%v", err)
	}
	mon.Start()
	ret.Start()
	logger.Info("agent-mascot: started", "mode", cfg.Mode, "addr", srv.Addr())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	logger.Info("agent-mascot: shutting down")
	mon.Stop()
	ret.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("agent-mascot: shutdown", "err", err)
	}
	notifier.Close()
}
