package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"go.uber.org/ratelimit"
	"golang.org/x/sys/unix"

	"github.com/geraldo-netto/demikernel/internal/config"
	"github.com/geraldo-netto/demikernel/internal/hoard"
	"github.com/geraldo-netto/demikernel/internal/memfabric"
	"github.com/geraldo-netto/demikernel/internal/queue"
	"github.com/geraldo-netto/demikernel/internal/rdmacm"
	"github.com/geraldo-netto/demikernel/internal/telemetry"
	"github.com/geraldo-netto/demikernel/pkg/dmtr"
	"github.com/geraldo-netto/demikernel/pkg/libos"
)

const opTimeout = 30 * time.Second

func main() {
	flagSet := pflag.NewFlagSet("dmtr-echoclient", pflag.ExitOnError)
	config.SetupFlags(flagSet)

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		os.Exit(1)
	}

	version, _ := flagSet.GetBool("version")
	if version {
		fmt.Println("dmtr-echoclient v0.1.0")
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

	opts := []libos.Option{
		libos.WithQueueConfig(queue.Config{
			RecvBufCount: cfg.RecvBufCount,
			RecvBufSize:  cfg.RecvBufSize,
		}),
	}

	var los *libos.LibOS
	switch cfg.Fabric {
	case "mem":
		los = libos.New(memfabric.New(), buildOpts(cfg, opts)...)
	case "rdma":
		provider, alloc, err := rdmacm.NewProvider()
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create RDMA provider")
		}
		opts = append(opts, libos.WithHoard(hoard.NewWithAllocator(alloc)))
		los = libos.New(provider, buildOpts(cfg, opts)...)
	default:
		log.Fatal().Str("fabric", cfg.Fabric).Msg("Unknown fabric (want mem or rdma)")
	}

	addr, err := net.ResolveTCPAddr("tcp", cfg.Addr)
	if err != nil {
		log.Fatal().Err(err).Str("addr", cfg.Addr).Msg("Invalid address")
	}

	// The mem fabric lives inside this process, so loopback mode brings up
	// its own echo peer and drives both ends cooperatively.
	var peer *echoPeer
	if cfg.Fabric == "mem" {
		peer, err = newEchoPeer(los, addr, cfg.Backlog)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to start in-process echo peer")
		}
	}

	qd, err := los.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		log.Fatal().Err(err).Msg("socket failed")
	}
	if err := los.Connect(qd, addr); err != nil {
		log.Fatal().Err(err).Str("addr", addr.String()).Msg("connect failed")
	}
	if peer != nil {
		if err := peer.finishAccept(); err != nil {
			log.Fatal().Err(err).Msg("In-process echo peer accept failed")
		}
	}
	log.Info().Str("addr", addr.String()).Msg("Connected")

	limiter := ratelimit.New(cfg.RatePerSec)
	start := time.Now()
	for i := 0; i < cfg.MessageCount; i++ {
		limiter.Take()
		if err := echoOnce(los, peer, qd, cfg.MessageSize, byte(i)); err != nil {
			log.Fatal().Err(err).Int("message", i).Msg("Echo round failed")
		}
	}
	elapsed := time.Since(start)

	log.Info().
		Int("messages", cfg.MessageCount).
		Int("message_size", cfg.MessageSize).
		Dur("elapsed", elapsed).
		Msg("Echo run complete")

	if err := los.Close(qd); err != nil {
		log.Warn().Err(err).Msg("close failed")
	}
}

func buildOpts(cfg *config.Config, opts []libos.Option) []libos.Option {
	if !cfg.OtelEnabled {
		return opts
	}
	metrics, err := telemetry.New(context.Background(), "echoclient", cfg.OtelCollectorAddr)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create metrics exporter")
	}
	return append(opts, libos.WithMetrics(metrics))
}

// echoOnce pushes one patterned message, lets the in-process peer (if any)
// echo it, and verifies the response byte for byte.
func echoOnce(los *libos.LibOS, peer *echoPeer, qd dmtr.QDesc, size int, pattern byte) error {
	sga, err := los.SgaAlloc(size)
	if err != nil {
		return err
	}
	payload := sga.Segs[0].Bytes()
	for i := range payload {
		payload[i] = pattern
	}

	pushQT, err := los.Push(qd, &sga)
	if err != nil {
		return err
	}
	if _, err := los.Wait(pushQT, opTimeout); err != nil {
		return err
	}
	if err := los.Drop(pushQT); err != nil {
		return err
	}
	if err := los.SgaFree(&sga); err != nil {
		return err
	}

	if peer != nil {
		if err := peer.echoOne(); err != nil {
			return err
		}
	}

	popQT, err := los.Pop(qd)
	if err != nil {
		return err
	}
	qr, err := los.Wait(popQT, opTimeout)
	if err != nil {
		return err
	}
	if err := los.Drop(popQT); err != nil {
		return err
	}
	if qr.Error != nil {
		return qr.Error
	}

	echoed := qr.Sga
	defer los.SgaFree(&echoed)
	if echoed.NumSegs != 1 || int(echoed.Segs[0].Len) != size {
		return fmt.Errorf("echo shape mismatch: %d segments, %d bytes", echoed.NumSegs, echoed.Segs[0].Len)
	}
	for _, b := range echoed.Segs[0].Bytes() {
		if b != pattern {
			return fmt.Errorf("echo payload mismatch: got 0x%02x want 0x%02x", b, pattern)
		}
	}
	return nil
}

// echoPeer is the server half of loopback mode, driven from the same thread
// as the client.
type echoPeer struct {
	los      *libos.LibOS
	acceptQT dmtr.QToken
	qd       dmtr.QDesc
}

func newEchoPeer(los *libos.LibOS, addr *net.TCPAddr, backlog int) (*echoPeer, error) {
	qd, err := los.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, err
	}
	if err := los.Bind(qd, addr); err != nil {
		return nil, err
	}
	if err := los.Listen(qd, backlog); err != nil {
		return nil, err
	}
	acceptQT, err := los.Accept(qd)
	if err != nil {
		return nil, err
	}
	return &echoPeer{los: los, acceptQT: acceptQT}, nil
}

func (p *echoPeer) finishAccept() error {
	qr, err := p.los.Wait(p.acceptQT, opTimeout)
	if err != nil {
		return err
	}
	if err := p.los.Drop(p.acceptQT); err != nil {
		return err
	}
	p.qd = qr.Accepted
	return nil
}

func (p *echoPeer) echoOne() error {
	popQT, err := p.los.Pop(p.qd)
	if err != nil {
		return err
	}
	qr, err := p.los.Wait(popQT, opTimeout)
	if err != nil {
		return err
	}
	if err := p.los.Drop(popQT); err != nil {
		return err
	}
	if qr.Error != nil {
		return qr.Error
	}

	echo := qr.Sga
	pushQT, err := p.los.Push(p.qd, &echo)
	if err != nil {
		return err
	}
	if _, err := p.los.Wait(pushQT, opTimeout); err != nil {
		return err
	}
	if err := p.los.Drop(pushQT); err != nil {
		return err
	}
	return p.los.SgaFree(&echo)
}
