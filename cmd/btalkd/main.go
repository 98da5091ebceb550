package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/btalk/btalk-go/internal/client"
	"github.com/btalk/btalk-go/internal/config"
	"github.com/btalk/btalk-go/internal/storage"
	"github.com/btalk/btalk-go/internal/util"
)

var (
	cfgPath  = flag.String("config", "btalk.json", "Path to the config file")
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("btalkd v%s\n", appVersion)
		return
	}
	if *showHelp {
		showUsage()
		return
	}

	absCfg, err := filepath.Abs(*cfgPath)
	if err != nil {
		logrus.WithError(err).Fatal("invalid config path")
	}

	cfg, created, err := config.Ensure(absCfg)
	if err != nil {
		logrus.WithError(err).Fatal("load config")
	}
	if created {
		logrus.WithField("path", absCfg).Info("wrote default config, edit it and restart")
		return
	}

	level, err := logrus.ParseLevel(cfg.Log.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)

	db, err := storage.Open(util.ResolvePath(filepath.Dir(absCfg), cfg.Paths.DataDir))
	if err != nil {
		logrus.WithError(err).Fatal("open local database")
	}
	defer db.Close()

	c, err := client.New(cfg, db)
	if err != nil {
		logrus.WithError(err).Fatal("build client")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logrus.Info("shutting down gracefully")
		cancel()
	}()

	if err := c.Start(ctx); err != nil {
		logrus.WithError(err).Fatal("start client")
	}
	defer c.Close()

	// Live config reload keeps ICE servers current without a restart.
	watcher, err := config.Watch(absCfg, cfg)
	if err != nil {
		logrus.WithError(err).Warn("config watch unavailable")
	} else {
		defer watcher.Close()
		updates, cancelUpdates := watcher.Updates()
		defer cancelUpdates()
		go func() {
			for next := range updates {
				c.SetICEServers(next.ICE.Servers)
			}
		}()
	}

	<-ctx.Done()
}

func showUsage() {
	fmt.Println("btalkd - btalk client daemon")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  btalkd [-config btalk.json]")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -config   Path to the JSON config file (created with defaults if missing)")
	fmt.Println("  -h        Show this help message")
	fmt.Println("  -version  Show version information")
}
