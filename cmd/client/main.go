package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/dgraph-io/badger/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/hooke003/sidekick/internal/client/archive"
	"github.com/hooke003/sidekick/internal/client/config"
	"github.com/hooke003/sidekick/internal/client/conn"
	"github.com/hooke003/sidekick/internal/client/debug"
	"github.com/hooke003/sidekick/internal/client/identity"
	"github.com/hooke003/sidekick/internal/client/media"
	"github.com/hooke003/sidekick/internal/client/messenger"
	"github.com/hooke003/sidekick/internal/client/store"
)

var version = "dev"

var flags struct {
	server  string
	profile string
	debug   bool
}

var rootCmd = &cobra.Command{
	Use:          "sidekick",
	Short:        "Terminal chat client",
	Version:      version,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context())
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Forget the saved session of the profile",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		identity.SessionFile{Dir: cfg.DataDir}.Clear()
		fmt.Println("Logged out.")
		return nil
	},
}

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Print the signed-in user of the profile",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		session := identity.SessionFile{Dir: cfg.DataDir}.Load()
		if session == nil {
			return messenger.ErrSignedOut
		}
		fmt.Printf("%s (%s) on %s\n", session.Username, session.UserID, session.ServerURL)
		return nil
	},
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.PersistentFlags().StringVarP(&flags.server, "server", "s", "", "relay WebSocket URL (overrides SIDEKICK_SERVER_URL)")
	rootCmd.PersistentFlags().StringVarP(&flags.profile, "profile", "p", "", "profile name (overrides SIDEKICK_PROFILE)")
	rootCmd.PersistentFlags().BoolVar(&flags.debug, "debug", false, "write debug logs to ./debug.log")
	rootCmd.AddCommand(logoutCmd, whoamiCmd)
}

func loadConfig() (config.Config, error) {
	if flags.server != "" {
		os.Setenv("SIDEKICK_SERVER_URL", flags.server)
	}
	if flags.profile != "" {
		os.Setenv("SIDEKICK_PROFILE", flags.profile)
	}
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, err
	}
	debug.Enabled = cfg.Debug || flags.debug
	return cfg, nil
}

// app is everything the UI talks to.
type app struct {
	cfg       config.Config
	sessions  identity.SessionFile
	directory *identity.Directory
	messenger *messenger.Messenger
	log       logrus.FieldLogger
}

func run(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log, logFile, err := debug.Setup(cfg.DataDir, cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logFile.Close()
	log.WithFields(logrus.Fields{"server": cfg.ServerURL, "profile": cfg.Profile}).Info("Starting sidekick")

	db, err := archive.Open(cfg.DataDir, log)
	if err != nil {
		return err
	}
	defer db.Close()

	directory, err := identity.NewDirectory(cfg.ServerURL)
	if err != nil {
		return err
	}
	sessions := identity.SessionFile{Dir: cfg.DataDir}

	reg := prometheus.NewRegistry()
	if cfg.MetricsAddr != "" {
		go serveMetrics(cfg.MetricsAddr, reg, log)
	}

	m := messenger.New(sessions, messenger.Options{
		Dialer: conn.WSDialer{
			URL:    cfg.ServerURL,
			Header: credentialsHeader(sessions),
		},
		Resolver:   media.NewFileResolver(),
		Journal:    journalFor(db, log),
		Conn:       cfg.ConnOptions(),
		Delivery:   cfg.DeliveryOptions(),
		Registerer: reg,
	}, log)

	a := &app{cfg: cfg, sessions: sessions, directory: directory, messenger: m, log: log}
	p := tea.NewProgram(newModel(ctx, a), tea.WithAltScreen(), tea.WithContext(ctx))
	_, err = p.Run()

	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	m.Close(closeCtx)
	if errors.Is(err, tea.ErrProgramKilled) {
		return nil
	}
	return err
}

// credentialsHeader authenticates the WebSocket handshake with the saved
// session's password.
func credentialsHeader(sessions identity.SessionFile) func(identity.Identity) http.Header {
	return func(id identity.Identity) http.Header {
		session := sessions.Load()
		if session == nil || session.UserID != id.ID {
			return nil
		}
		req, _ := http.NewRequest(http.MethodGet, "/", nil)
		req.SetBasicAuth(session.Username, session.Password)
		return http.Header{"Authorization": req.Header["Authorization"]}
	}
}

func journalFor(db *badger.DB, log logrus.FieldLogger) func(identity.Identity) store.Journal {
	return func(id identity.Identity) store.Journal {
		return archive.New(db, id.ID, log)
	}
}

func serveMetrics(addr string, reg *prometheus.Registry, log logrus.FieldLogger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.WithField("error", err.Error()).Error("Metrics server stopped")
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
