package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/arrowctl/modelgate/event"
	"github.com/arrowctl/modelgate/proxy"
	"github.com/arrowctl/modelgate/proxy/config"
)

var (
	version string = "0"
	commit  string = "abcd1234"
	date    string = "unknown"
)

func main() {
	// Define a command-line flag for the port
	configPath := flag.String("config", "config.yaml", "config file name")
	listenStr := flag.String("listen", "", "listen ip/port")
	certFile := flag.String("tls-cert-file", "", "TLS certificate file")
	keyFile := flag.String("tls-key-file", "", "TLS key file")
	showVersion := flag.Bool("version", false, "show version of build")
	watchConfig := flag.Bool("watch-config", false, "Automatically reload config file on change")
	stateLogPath := flag.String("state-log", "", "optional path to append a CBOR audit trail of process state changes")

	flag.Parse() // Parse the command-line flags

	if *showVersion {
		fmt.Printf("version: %s (%s), built at %s\n", version, commit, date)
		os.Exit(0)
	}

	conf, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}

	if mode := os.Getenv("GIN_MODE"); mode != "" {
		gin.SetMode(mode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	// Validate TLS flags.
	var useTLS = (*certFile != "" && *keyFile != "")
	if (*certFile != "" && *keyFile == "") ||
		(*certFile == "" && *keyFile != "") {
		fmt.Println("Error: Both --tls-cert-file and --tls-key-file must be provided for TLS.")
		os.Exit(1)
	}

	// Set default ports.
	if *listenStr == "" {
		defaultPort := ":8080"
		if useTLS {
			defaultPort = ":8443"
		}
		listenStr = &defaultPort
	}

	shutdownTracing, err := proxy.InitTracing(context.Background(), version)
	if err != nil {
		fmt.Printf("Warning, tracing init failed, continuing without it: %v\n", err)
		shutdownTracing = func(context.Context) error { return nil }
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = shutdownTracing(ctx)
	}()

	var stateLog *proxy.StateAuditLog
	if *stateLogPath != "" {
		stateLog, err = proxy.OpenStateAuditLog(*stateLogPath)
		if err != nil {
			fmt.Printf("Warning, unable to open state log %s: %v\n", *stateLogPath, err)
		} else {
			defer stateLog.Close()
		}
	}

	// Setup channels for server management
	exitChan := make(chan struct{})
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Create server with initial handler
	srv := &http.Server{
		Addr: *listenStr,
	}

	pm := proxy.New(conf)
	pm.SetVersion(date, commit, version)
	pm.SetConfigPath(*configPath)
	srv.Handler = pm

	// Support for watching config and reloading when it changes. Unlike a
	// full restart, ReloadConfig only restarts the individual model
	// processes whose restart-sensitive fields actually changed.
	if *watchConfig {
		watcher, err := proxy.WatchConfigFile(*configPath, time.Second, func(path string) {
			newConf, err := config.LoadConfig(path)
			if err != nil {
				fmt.Printf("Warning, unable to reload configuration: %v\n", err)
				event.Emit(proxy.ConfigFileChangedEvent{Path: path, Err: err})
				return
			}
			fmt.Println("Configuration changed, reloading")
			pm.ReloadConfig(newConf)
			fmt.Println("Configuration reloaded")
			event.Emit(proxy.ConfigFileChangedEvent{Path: path})
		})
		if err != nil {
			fmt.Printf("Error watching config file: %v. File watching disabled.\n", err)
		} else {
			defer watcher.Stop()
			fmt.Println("Watching configuration for changes")
		}
	}

	// shutdown on signal. A second signal during an in-progress shutdown
	// forces immediate exit instead of waiting for in-flight requests to drain.
	go func() {
		sig := <-sigChan
		fmt.Printf("Received signal %v, shutting down...\n", sig)

		go func() {
			sig := <-sigChan
			fmt.Printf("Received second signal %v, forcing immediate exit\n", sig)
			os.Exit(1)
		}()

		ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
		defer cancel()

		pm.Shutdown()

		if err := srv.Shutdown(ctx); err != nil {
			fmt.Printf("Server shutdown error: %v\n", err)
		}
		close(exitChan)
	}()

	// Start server
	go func() {
		var err error
		if useTLS {
			fmt.Printf("modelgate listening with TLS on https://%s\n", *listenStr)
			err = srv.ListenAndServeTLS(*certFile, *keyFile)
		} else {
			fmt.Printf("modelgate listening on http://%s\n", *listenStr)
			err = srv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			log.Fatalf("Fatal server error: %v\n", err)
		}
	}()

	// Wait for exit signal
	<-exitChan
}
