package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/siohaza/blocksmith/internal/mapmeta"
	"github.com/siohaza/blocksmith/internal/rank"
	"github.com/siohaza/blocksmith/internal/server"
	"github.com/siohaza/blocksmith/internal/world"
	"github.com/siohaza/blocksmith/pkg/config"

	"github.com/spf13/cobra"
)

var (
	configPath string
	logLevel   string
	version    = "0.1.0"
)

var rootCmd = &cobra.Command{
	Use:   "blocksmith",
	Short: "Blocksmith - Minecraft Classic server",
	Long: `Blocksmith is a Minecraft Classic (protocol 7) server with ranks, zones,
anti-grief protection, server list heartbeats and Lua plugins.`,
	Version: version,
	Run:     runServer,
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the server",
	Long:  "Start the Blocksmith server with the specified configuration",
	Run:   runServer,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Blocksmith v%s\n", version)
		fmt.Println("Minecraft Classic protocol 7 server")
	},
}

var ranksCmd = &cobra.Command{
	Use:   "ranks",
	Short: "Inspect rank definitions",
}

var ranksCheckCmd = &cobra.Command{
	Use:   "check <file>",
	Short: "Validate a ranks file and print the resulting hierarchy",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(logLevel)}))
		set, err := rank.LoadFile(args[0], logger)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		for _, r := range set.Ranks() {
			marker := ""
			if r == set.Default() {
				marker = " (default)"
			}
			fmt.Fprintf(out, "%2d  %-16s %s%s\n", r.Position, r.Name, strings.Join(r.Capabilities().Names(), ","), marker)
		}
		return nil
	},
}

var worldCmd = &cobra.Command{
	Use:   "world",
	Short: "Inspect saved worlds",
}

var worldInfoCmd = &cobra.Command{
	Use:   "info <map file>",
	Short: "Print the size, spawn and zones of a saved world",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := args[0]
		m, err := world.LoadMap(path)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		spawn := m.Spawn()
		fmt.Fprintf(out, "size:  %dx%dx%d\n", m.Width(), m.Length(), m.Height())
		fmt.Fprintf(out, "spawn: %s\n", spawn)

		metaPath := strings.TrimSuffix(path, filepath.Ext(path)) + mapmeta.Extension
		meta, err := mapmeta.Load(metaPath)
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintln(out, "no metadata file")
			return nil
		}
		if err != nil {
			return err
		}

		fmt.Fprintf(out, "name:  %s (saved %s)\n", meta.Metadata.Name, meta.Metadata.SavedAt.Format(time.RFC3339))
		fmt.Fprintf(out, "locked: %t\n", meta.Locked)
		for _, z := range meta.Zones {
			fmt.Fprintf(out, "zone %-16s %v-%v by %s\n", z.Name, z.Min, z.Max, z.CreatedBy)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "configs/config.toml", "path to configuration file")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "info", "log level (debug, info, warn, error)")

	ranksCmd.AddCommand(ranksCheckCmd)
	worldCmd.AddCommand(worldInfoCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(ranksCmd)
	rootCmd.AddCommand(worldCmd)
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(configPath)
	if errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "config file %s not found, using defaults\n", configPath)
		return config.Default(), nil
	}
	return cfg, err
}

func runServer(cmd *cobra.Command, args []string) {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	var logWriter io.Writer = os.Stdout
	var logFile *os.File

	if cfg.Server.LogToFile {
		logDir := "logs"
		if err := os.MkdirAll(logDir, 0755); err != nil {
			fmt.Fprintf(os.Stderr, "failed to create log directory: %v\n", err)
			os.Exit(1)
		}

		timestamp := time.Now().Unix()
		logPath := filepath.Join(logDir, fmt.Sprintf("blocksmith_%d.log", timestamp))

		logFile, err = os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to open log file: %v\n", err)
			os.Exit(1)
		}
		defer logFile.Close()

		logWriter = io.MultiWriter(os.Stdout, logFile)
	}

	logger := slog.New(slog.NewTextHandler(logWriter, &slog.HandlerOptions{
		Level: parseLevel(logLevel),
	}))
	slog.SetDefault(logger)

	logger.Info("starting blocksmith server", "version", version)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	srv, err := server.New(cfg, logger)
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	if err := srv.Start(); err != nil {
		logger.Error("failed to start server", "error", err)
		os.Exit(1)
	}

	logger.Info("server running",
		"name", cfg.Server.Name,
		"address", srv.Addr(),
		"max_players", cfg.Server.MaxPlayers,
		"public", cfg.Server.Public,
	)

	go readConsole(srv, logger)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	<-sigChan
	logger.Info("shutting down server")

	srv.Stop()
	logger.Info("server stopped successfully")
}

// readConsole feeds lines typed at the terminal to the server as console
// commands or chat.
func readConsole(srv *server.Server, logger *slog.Logger) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		srv.ExecuteConsole(scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		logger.Warn("console input closed", "error", err)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
