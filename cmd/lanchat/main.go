package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"lanchat/internal/api"
	"lanchat/internal/config"
	"lanchat/internal/console"
	"lanchat/internal/network"
	"lanchat/internal/session"
	"lanchat/internal/storage"
	"lanchat/pkg/utils"
	"lanchat/web"
)

func main() {
	cfg := config.Default()

	nick := flag.String("nick", getEnv("LANCHAT_NICK", ""), "Nickname (defaults to one derived from the session code)")
	iface := flag.String("iface", getEnv("LANCHAT_IFACE", ""), "Network interface to use")
	dir := flag.String("dir", "", "Directory for received files (defaults to ~/Downloads)")
	webPort := flag.Int("web", 0, "Serve the web UI on this port instead of the terminal UI")
	logPath := flag.String("log", "lanchat.log", "Log file")
	dbConn := flag.String("db", getEnv("DATABASE_URL", ""), "PostgreSQL DSN for transfer history (empty keeps it in memory)")
	color := flag.String("color", "000000", "Nick color as RRGGBB hex")
	flag.Parse()

	// Downloads dir → user's ~/Downloads
	downloadDir := *dir
	if downloadDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			homeDir = "."
		}
		downloadDir = homeDir + "/Downloads"
	}
	if err := os.MkdirAll(downloadDir, 0755); err != nil {
		fmt.Fprintf(os.Stderr, "Cannot create %s: %v\n", downloadDir, err)
		os.Exit(1)
	}

	rgb, err := strconv.ParseInt(*color, 16, 32)
	if err != nil || rgb < 0 || rgb > 0xFFFFFF {
		fmt.Fprintf(os.Stderr, "Invalid color %q, want RRGGBB\n", *color)
		os.Exit(2)
	}

	cfg.Nick = *nick
	cfg.Interface = *iface
	cfg.ReceiveDir = downloadDir
	cfg.WebPort = *webPort
	cfg.DBConnStr = *dbConn
	cfg.Color = int(rgb)

	logFile, err := os.OpenFile(*logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Cannot open log %s: %v\n", *logPath, err)
		os.Exit(1)
	}
	defer logFile.Close()
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	if cfg.WebPort > 0 {
		log.SetOutput(io.MultiWriter(os.Stdout, logFile))
	} else {
		// The terminal belongs to the UI.
		log.SetOutput(logFile)
	}

	// Storage
	var store storage.History = storage.NewMemoryStore()
	if cfg.DBConnStr != "" {
		pg, err := storage.NewPostgresStore(cfg.DBConnStr)
		if err != nil {
			log.Fatalf("Cannot connect to database: %v\n  Tip: unset DATABASE_URL to keep history in memory.", err)
		}
		defer pg.Close()
		store = pg
		log.Println("Connected to PostgreSQL database ✓")
	}

	transport, err := network.NewTransport(cfg)
	if err != nil {
		log.Fatalf("Network setup: %v", err)
	}

	localIP := utils.GetLocalIP()
	if localIP == "" {
		localIP = "127.0.0.1"
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.WebPort > 0 {
		runWeb(ctx, cfg, transport, store, localIP)
		return
	}
	runConsole(ctx, cfg, transport, store)
}

func runWeb(ctx context.Context, cfg config.Config, n network.Network, store storage.History, localIP string) {
	// API server created first so the session can report to it
	apiServer := api.NewServer(cfg, localIP, web.FS)
	ctrl := session.New(cfg, n, store, apiServer)
	apiServer.SetController(ctrl)

	if err := ctrl.LogOn(ctx); err != nil {
		log.Fatalf("Log on: %v", err)
	}
	defer ctrl.LogOff(false)

	printBanner(cfg, ctrl.Me().Nick(), localIP)
	if err := apiServer.Start(ctx); err != nil {
		log.Printf("[API] %v", err)
	}
}

func runConsole(ctx context.Context, cfg config.Config, n network.Network, store storage.History) {
	front := console.NewFrontend()
	ctrl := session.New(cfg, n, store, front)

	if err := ctrl.LogOn(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Log on failed: %v\n", err)
		os.Exit(1)
	}
	defer ctrl.LogOff(false)

	if err := console.Run(ctrl, front); err != nil {
		fmt.Fprintf(os.Stderr, "Alas, there's been an error: %v\n", err)
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func printBanner(cfg config.Config, nick, localIP string) {
	fmt.Printf("\n")
	fmt.Printf("╔══════════════════════════════════════════════════════╗\n")
	fmt.Printf("║                 lanchat  — Ready!                    ║\n")
	fmt.Printf("╠══════════════════════════════════════════════════════╣\n")
	fmt.Printf("║  Nick     : %-40s║\n", nick)
	fmt.Printf("║  Local IP : %-40s║\n", localIP)
	fmt.Printf("║  Group    : %-40s║\n", fmt.Sprintf("%s:%d", cfg.MulticastGroup, cfg.MainPort))
	fmt.Printf("║  Web UI   : http://localhost:%-25d║\n", cfg.WebPort)
	fmt.Printf("║  Downloads: %-40s║\n", cfg.ReceiveDir)
	fmt.Printf("╚══════════════════════════════════════════════════════╝\n\n")
}
