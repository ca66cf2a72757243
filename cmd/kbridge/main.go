package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"kafkabridge/engine"
	"kafkabridge/internal/app"
	"kafkabridge/internal/config"
)

func main() {
	fs := pflag.NewFlagSet("kbridge", pflag.ExitOnError)
	path := fs.StringP("config", "c", "kbridge.yml", "path to the YAML config (optional)")
	driver := fs.String("driver", "", "engine driver ("+fmt.Sprint(engine.Drivers())+")")
	brokers := fs.StringSlice("brokers", nil, "bootstrap brokers host:port")
	grpcPort := fs.Int("grpc-port", 0, "gRPC health port (0 disables)")
	metricsPort := fs.Int("metrics-port", 0, "Prometheus /metrics port (0 disables)")
	logLevel := fs.String("log-level", "", "debug|info|warn|error")
	demo := fs.Bool("demo", false, "run the demo consumer/producer")
	produce := fs.Int("produce", 0, "demo: records to produce at start")
	exit := fs.Bool("exit-when-done", false, "demo: exit once every produced record was consumed")
	printCfg := fs.Bool("print-config", false, "print the effective config and exit")
	_ = fs.Parse(os.Args[1:])

	cfg, err := config.Load(*path)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	// flags win over file and env
	if fs.Changed("driver") {
		cfg.Bridge.Driver = *driver
	}
	if fs.Changed("brokers") {
		cfg.Kafka.Brokers = *brokers
	}
	if fs.Changed("grpc-port") {
		cfg.GRPC.Port = *grpcPort
	}
	if fs.Changed("metrics-port") {
		cfg.Metrics.Port = *metricsPort
	}
	if fs.Changed("log-level") {
		cfg.Log.Level = *logLevel
	}
	if fs.Changed("demo") {
		cfg.Demo.Enabled = *demo
	}
	if fs.Changed("produce") {
		cfg.Demo.Produce = *produce
	}
	if fs.Changed("exit-when-done") {
		cfg.Demo.ExitWhenDone = *exit
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}
	if *printCfg {
		if err := config.Print(os.Stdout, cfg); err != nil {
			log.Fatalf("print: %v", err)
		}
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.Bootstrap(ctx, cfg, os.Stdout)
	if err != nil {
		log.Fatalf("bootstrap: %v", err)
	}
	if err := a.Run(ctx); err != nil {
		log.Fatalf("kbridge: %v", err)
	}
}
