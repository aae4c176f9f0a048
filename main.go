package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/mdp/qrterminal/v3"
	"go.uber.org/zap"

	"georelay.dev/client"
	"georelay.dev/config"
	"georelay.dev/data"
	"georelay.dev/geocode"
	"georelay.dev/logger"
	"georelay.dev/relay"
)

var (
	watch      = flag.Bool("watch", false, "follow a session in the terminal instead of serving")
	sessionID  = flag.String("session", "", "session id for watch mode (defaults to the stored one)")
	newSession = flag.Bool("new-session", false, "mint a fresh session id before watching")
)

func main() {
	flag.Parse()

	cfg := config.Load()
	logger.Init(cfg.LogFile, cfg.Debug)
	defer logger.Logger.Sync()

	data.SetDataDir(cfg.DataDir)

	if *watch {
		runWatch(cfg)
		return
	}

	runServer(cfg)
}

func runServer(cfg config.Config) {
	r := relay.New()
	go r.Run(context.Background())

	h := relay.NewHandler(r, cfg.Origin)

	logger.Logger.Info("relay listening", zap.String("address", cfg.Address))
	if err := http.ListenAndServe(cfg.Address, h.Routes()); err != nil {
		logger.Logger.Fatal("server exited", zap.Error(err))
	}
}

func runWatch(cfg config.Config) {
	session := *sessionID
	if *newSession {
		session = data.Session().Reset()
	}
	if len(session) == 0 {
		session = data.Session().ID()
	}

	// pair a dashboard by scanning the QR
	link := cfg.DashboardURL + "?session=" + session
	qrterminal.GenerateHalfBlock(link, qrterminal.L, os.Stdout)
	fmt.Println("Session:", session)
	fmt.Println("Dashboard:", link)

	history, err := data.OpenHistory(filepath.Join(cfg.DataDir, "track.db"))
	if err != nil {
		logger.Logger.Warn("track log unavailable", zap.Error(err))
		history = nil
	}

	resolver := geocode.NewResolver()

	sub := client.NewSubscriber(cfg.SocketURL)
	sub.OnState = func(st client.State, attempt int) {
		switch st {
		case client.Open:
			fmt.Println("🟢 live")
		case client.Reconnecting:
			fmt.Printf("🟡 connection lost, retrying (attempt %d/%d)\n", attempt, client.MaxAttempts)
		case client.Failed:
			fmt.Println("🔴 connection lost, run again to reconnect")
		}
	}
	sub.OnUpdate = func(u *relay.Update) {
		line := fmt.Sprintf("📍 %.5f, %.5f", u.Lat, u.Lng)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if addr, err := resolver.Reverse(ctx, u.Lat, u.Lng); err == nil {
			line += " · " + addr.String()
		}
		cancel()

		fmt.Println(line)

		if history != nil {
			if err := history.Append(u); err != nil {
				logger.Logger.Warn("track append failed", zap.Error(err))
			}
		}
	}

	if err := sub.Connect(session); err != nil {
		logger.Logger.Fatal("connect failed", zap.Error(err))
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	sub.Disconnect()
	if history != nil {
		history.Close()
	}
}
