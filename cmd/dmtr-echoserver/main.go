package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"golang.org/x/sys/unix"

	"github.com/geraldo-netto/demikernel/internal/config"
	"github.com/geraldo-netto/demikernel/internal/hoard"
	"github.com/geraldo-netto/demikernel/internal/queue"
	"github.com/geraldo-netto/demikernel/internal/rdmacm"
	"github.com/geraldo-netto/demikernel/internal/telemetry"
	"github.com/geraldo-netto/demikernel/pkg/dmtr"
	"github.com/geraldo-netto/demikernel/pkg/libos"
)

const serveTimeout = time.Hour

func main() {
	flagSet := pflag.NewFlagSet("dmtr-echoserver", pflag.ExitOnError)
	config.SetupFlags(flagSet)

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		os.Exit(1)
	}

	version, _ := flagSet.GetBool("version")
	if version {
		fmt.Println("dmtr-echoserver v0.1.0")
		os.Exit(0)
	}

	createConfig, _ := flagSet.GetBool("create-config")
	if createConfig {
		configOutput, _ := flagSet.GetString("config-output")
		if err := config.WriteDefaultConfig(configOutput); err != nil {
			fmt.Fprintf(os.Stderr, "Error creating default config: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Created default configuration at %s\n", configOutput)
		os.Exit(0)
	}

	cfg, err := config.LoadConfig(flagSet)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid log level %q: %v\n", cfg.LogLevel, err)
		os.Exit(1)
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Fabric != "rdma" {
		log.Fatal().Str("fabric", cfg.Fabric).Msg("The standalone server needs the rdma fabric; the mem fabric is in-process only (use dmtr-echoclient --fabric mem)")
	}

	provider, alloc, err := rdmacm.NewProvider()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create RDMA provider")
	}

	opts := []libos.Option{
		libos.WithHoard(hoard.NewWithAllocator(alloc)),
		libos.WithQueueConfig(queue.Config{
			RecvBufCount: cfg.RecvBufCount,
			RecvBufSize:  cfg.RecvBufSize,
		}),
	}
	if cfg.OtelEnabled {
		metrics, err := telemetry.New(context.Background(), "echoserver", cfg.OtelCollectorAddr)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create metrics exporter")
		}
		defer metrics.Shutdown(context.Background())
		opts = append(opts, libos.WithMetrics(metrics))
	}
	los := libos.New(provider, opts...)

	addr, err := net.ResolveTCPAddr("tcp", cfg.Addr)
	if err != nil {
		log.Fatal().Err(err).Str("addr", cfg.Addr).Msg("Invalid listen address")
	}

	qd, err := los.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		log.Fatal().Err(err).Msg("socket failed")
	}
	if err := los.Bind(qd, addr); err != nil {
		log.Fatal().Err(err).Msg("bind failed")
	}
	if err := los.Listen(qd, cfg.Backlog); err != nil {
		log.Fatal().Err(err).Msg("listen failed")
	}
	log.Info().Str("addr", addr.String()).Msg("Echo server listening")

	for {
		acceptQT, err := los.Accept(qd)
		if err != nil {
			log.Fatal().Err(err).Msg("accept failed")
		}
		qr, err := los.Wait(acceptQT, serveTimeout)
		if err != nil {
			log.Error().Err(err).Msg("waiting for connection failed")
			continue
		}
		los.Drop(acceptQT)
		log.Info().Int("qd", int(qr.Accepted)).Msg("Accepted connection")
		serve(los, qr.Accepted)
	}
}

// serve echoes framed messages back on one connection until the peer
// disconnects.
func serve(los *libos.LibOS, qd dmtr.QDesc) {
	for {
		popQT, err := los.Pop(qd)
		if err != nil {
			log.Info().Err(err).Int("qd", int(qd)).Msg("Connection no longer serviceable")
			return
		}
		qr, err := los.Wait(popQT, serveTimeout)
		if err != nil {
			if errors.Is(err, unix.ECONNABORTED) {
				log.Info().Int("qd", int(qd)).Msg("Peer disconnected")
			} else {
				log.Error().Err(err).Int("qd", int(qd)).Msg("pop failed")
			}
			return
		}
		los.Drop(popQT)
		if qr.Error != nil {
			log.Warn().Err(qr.Error).Int("qd", int(qd)).Msg("Discarding malformed message")
			continue
		}

		echo := qr.Sga
		pushQT, err := los.Push(qd, &echo)
		if err != nil {
			log.Error().Err(err).Int("qd", int(qd)).Msg("push failed")
			return
		}
		if _, err := los.Wait(pushQT, serveTimeout); err != nil {
			log.Error().Err(err).Int("qd", int(qd)).Msg("waiting for push failed")
			return
		}
		los.Drop(pushQT)
		if err := los.SgaFree(&echo); err != nil {
			log.Warn().Err(err).Msg("Failed to free echoed buffer")
		}
	}
}
