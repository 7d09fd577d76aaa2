package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"tunneld/internal/config"
	"tunneld/internal/execx"
	"tunneld/internal/provider"
	"tunneld/internal/requester"
	"tunneld/internal/version"
	"tunneld/internal/wgx"
)

const usage = `tunneld - overlay tunnel control plane (provider + requester)

Usage:
  tunneld provider serve
  tunneld requester run [--providers <path>]
  tunneld requester down [--providers <path>]
  tunneld version

Configuration comes from the environment (optionally via .env); the
requester additionally reads a declarative providers file.
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	switch os.Args[1] {
	case "-h", "--help", "help":
		fmt.Print(usage)
	case "provider":
		handleProvider(os.Args[2:])
	case "requester":
		handleRequester(os.Args[2:])
	case "version":
		fmt.Println(version.Build)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", os.Args[1])
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
}

func handleProvider(args []string) {
	if len(args) == 0 || args[0] != "serve" {
		fmt.Fprint(os.Stderr, "provider subcommand required: serve\n")
		os.Exit(2)
	}

	cfg, err := config.LoadProvider()
	if err != nil {
		fatal(err)
	}

	driver := wgx.NewDriver(execx.NewOSRunner())
	mgr, err := provider.NewManager(cfg, driver)
	if err != nil {
		fatal(err)
	}

	srv := provider.NewServer(cfg, mgr)
	fatal(srv.ListenAndServe())
}

func handleRequester(args []string) {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, "requester subcommand required: run | down\n")
		os.Exit(2)
	}
	switch args[0] {
	case "run":
		requesterRun(args[1:])
	case "down":
		requesterDown(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown requester subcommand %q\n", args[0])
		os.Exit(2)
	}
}

func requesterRun(args []string) {
	fs := flag.NewFlagSet("requester run", flag.ExitOnError)
	providersPath := fs.String("providers", "", "providers file (overrides PROVIDERS_FILE)")
	_ = fs.Parse(args)

	cfg, err := config.LoadRequester()
	if err != nil {
		fatal(err)
	}
	if *providersPath != "" {
		cfg.ProvidersFile = *providersPath
	}

	providers, err := config.LoadProviders(cfg.ProvidersFile)
	if err != nil {
		fatal(err)
	}

	sup := requester.NewSupervisor(cfg, wgx.NewDriver(execx.NewOSRunner()), execx.NewOSRunner())
	sup.Reconcile(providers)
	log.Printf("requester supervising %d provider(s) from %s", len(providers), cfg.ProvidersFile)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)
	for sig := range sigs {
		switch sig {
		case syscall.SIGHUP:
			providers, err := config.LoadProviders(cfg.ProvidersFile)
			if err != nil {
				log.Printf("reload %s: %v", cfg.ProvidersFile, err)
				continue
			}
			log.Printf("reloading %d provider(s) from %s", len(providers), cfg.ProvidersFile)
			sup.Reconcile(providers)
		case syscall.SIGINT, syscall.SIGTERM:
			log.Printf("shutting down")
			sup.StopAll()
			return
		}
	}
}

func requesterDown(args []string) {
	fs := flag.NewFlagSet("requester down", flag.ExitOnError)
	providersPath := fs.String("providers", "", "providers file (overrides PROVIDERS_FILE)")
	_ = fs.Parse(args)

	cfg, err := config.LoadRequester()
	if err != nil {
		fatal(err)
	}
	if *providersPath != "" {
		cfg.ProvidersFile = *providersPath
	}

	providers, err := config.LoadProviders(cfg.ProvidersFile)
	if err != nil {
		fatal(err)
	}

	sup := requester.NewSupervisor(cfg, wgx.NewDriver(execx.NewOSRunner()), execx.NewOSRunner())
	for _, p := range providers {
		sup.Teardown(p)
	}
}

func fatal(err error) {
	if err != nil {
		log.Fatalf("tunneld: %v", err)
	}
}
