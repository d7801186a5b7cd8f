// Command tproxy runs the transparent TCP proxy: it loads a JSON config
// (spec section 6), binds a listener, and serves connections until
// SIGINT/SIGTERM, at which point internal/server.Server drains in-flight
// connections before exiting.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/Dmitry19794/tproxy/internal/config"
	"github.com/Dmitry19794/tproxy/internal/server"
)

func main() {
	var (
		configPath = pflag.StringP("config", "c", "", "path to JSON config file (defaults to the built-in iOS Safari profile)")
		listenAddr = pflag.StringP("listen", "l", "", "override the config file's listen_addr")
		profile    = pflag.StringP("profile", "p", "", "fingerprint profile name to use (defaults to default_profile)")
		verbose    = pflag.BoolP("verbose", "v", false, "enable debug logging")
	)
	pflag.Parse()
	if *configPath == "" && pflag.NArg() > 0 {
		*configPath = pflag.Arg(0)
	}

	log := logrus.StandardLogger()
	if *verbose {
		log.SetLevel(logrus.DebugLevel)
	}

	var cfg *config.Config
	if *configPath != "" {
		cfg = config.Load(*configPath)
	} else {
		cfg = config.Default()
	}

	addr := cfg.ListenAddr
	if *listenAddr != "" {
		addr = *listenAddr
	}

	profileName := cfg.DefaultProfile
	if *profile != "" {
		profileName = *profile
	}
	log.WithField("profile", cfg.Profile(profileName).Name).Info("fingerprint profile selected")

	srv, err := server.New(addr, cfg.ProxySettings, cfg.JitterStddev)
	if err != nil {
		log.WithError(err).Fatal("failed to bind listener")
	}
	log.WithField("addr", srv.Addr().String()).Info("tproxy listening")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := srv.Serve(ctx); err != nil {
		log.WithError(err).Fatal("server exited with error")
	}
	log.Info("tproxy shut down cleanly")
	os.Exit(0)
}
