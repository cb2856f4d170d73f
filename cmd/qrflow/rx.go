package main

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/netip"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/qrflow/qrflow/relay"
	"github.com/qrflow/qrflow/session"
)

// rxConfig mirrors the rx flags so defaults can live in a YAML file.
type rxConfig struct {
	OutputDir string `yaml:"output_dir"`
	Connect   string `yaml:"connect"`
	Stream    bool   `yaml:"stream"`
	QueueSize int    `yaml:"queue_size"`
	DedupTTL  string `yaml:"dedup_ttl"`
}

var (
	rxConfigPath string
	rxOutputDir  string
	rxConnect    string
	rxStream     bool
	rxQueueSize  int
	rxDedupTTL   time.Duration
)

func NewRxCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rx [options]",
		Short: "decode a droplet stream back into files",
		Long: `Consumes droplet lines from stdin (or from a relay with --connect) and
writes every reconstructed file into the output directory. Garbage lines,
duplicates and losses are tolerated; rx exits once the announced file count
has been recovered, or on interrupt.`,
		Args: cobra.NoArgs,
		RunE: rxCmdFunc,
	}

	cmd.Flags().StringVar(&rxConfigPath, "config", "", "YAML file with flag defaults")
	cmd.Flags().StringVar(&rxOutputDir, "output-dir", ".", "directory for reconstructed files")
	cmd.Flags().StringVar(&rxConnect, "connect", "", "receive droplets from the relay at this addr:port instead of stdin")
	cmd.Flags().BoolVar(&rxStream, "stream", false, "use reliable relay streams instead of datagrams")
	cmd.Flags().IntVar(&rxQueueSize, "queue-size", session.DefaultQueueSize, "arrival queue capacity")
	cmd.Flags().DurationVar(&rxDedupTTL, "dedup-ttl", 0, "expire seen droplet seeds after this long, 0 keeps them forever")

	return cmd
}

func rxCmdFunc(cmd *cobra.Command, args []string) error {
	if rxConfigPath != "" {
		if err := loadRxConfig(cmd, rxConfigPath); err != nil {
			return err
		}
	}
	if err := os.MkdirAll(rxOutputDir, 0o755); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sess, err := session.NewSession(session.WithDedup(rxDedupTTL))
	if err != nil {
		return err
	}
	defer sess.Close()

	intake, err := session.NewIntake(sess, session.WithQueueSize(rxQueueSize))
	if err != nil {
		return err
	}
	defer intake.Close()

	if rxConnect != "" {
		closeRelay, err := rxConnectRelay(ctx, intake)
		if err != nil {
			return err
		}
		defer closeRelay()
	} else {
		go rxReadStdin(intake)
	}

	if _, err := drainFiles(ctx, sess, rxOutputDir); err != nil {
		return err
	}

	stats := sess.Stats()
	fmt.Fprintf(os.Stderr, "%d files, %d droplets, %d duplicates, %d malformed, %d dropped\n",
		stats.Retired, stats.Received, stats.Duplicates, stats.Malformed, intake.Dropped())
	return nil
}

func loadRxConfig(cmd *cobra.Command, path string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	cfg := rxConfig{
		OutputDir: rxOutputDir,
		QueueSize: rxQueueSize,
	}
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}

	// Flags given on the command line still win over the file.
	if !cmd.Flags().Changed("output-dir") {
		rxOutputDir = cfg.OutputDir
	}
	if !cmd.Flags().Changed("connect") {
		rxConnect = cfg.Connect
	}
	if !cmd.Flags().Changed("stream") {
		rxStream = cfg.Stream
	}
	if !cmd.Flags().Changed("queue-size") {
		rxQueueSize = cfg.QueueSize
	}
	if !cmd.Flags().Changed("dedup-ttl") && cfg.DedupTTL != "" {
		ttl, err := time.ParseDuration(cfg.DedupTTL)
		if err != nil {
			return fmt.Errorf("%s: bad dedup_ttl: %w", path, err)
		}
		rxDedupTTL = ttl
	}
	return nil
}

func rxConnectRelay(ctx context.Context, intake *session.Intake) (func(), error) {
	ep, err := netip.ParseAddrPort(rxConnect)
	if err != nil {
		return nil, fmt.Errorf("bad --connect address: %w", err)
	}
	mode := relay.ModeDatagram
	if rxStream {
		mode = relay.ModeStream
	}
	r, err := relay.NewRelay(
		relay.WithListenAddr(netip.MustParseAddrPort("0.0.0.0:0")),
		relay.WithMode(mode),
	)
	if err != nil {
		return nil, err
	}
	r.SetFrameHandler(func(_ peer.ID, frame string) {
		intake.Offer(frame)
	})
	if err := r.Connect(ctx, net.UDPAddrFromAddrPort(ep)); err != nil {
		r.Close()
		return nil, err
	}
	return func() { r.Close() }, nil
}

// drainFiles writes completed files into dir as the session emits them. The
// session retires files concurrently with this loop, so Done alone is not a
// stopping condition: files the session already counted as retired may still
// sit in its output queue, and every one of them must be written before the
// loop ends. It returns on cancellation, or once the announced file count has
// been both retired and written.
func drainFiles(ctx context.Context, sess *session.Session, dir string) (int, error) {
	written := 0
	for {
		if sess.Done() && written >= sess.Stats().Retired {
			return written, nil
		}
		f, err := sess.Next(ctx)
		if err != nil {
			return written, nil // interrupted
		}
		path, err := writeFile(dir, f.Name, f.Data)
		if err != nil {
			return written, err
		}
		written++
		fmt.Fprintf(os.Stderr, "wrote %s (%d bytes, file %d/%d)\n", path, len(f.Data), f.Index+1, f.Total)
	}
}

func rxReadStdin(intake *session.Intake) {
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		intake.Offer(scanner.Text())
	}
}

// writeFile stores data under dir without clobbering an existing file of the
// same name.
func writeFile(dir, name string, data []byte) (string, error) {
	name = filepath.Base(name)
	path := filepath.Join(dir, name)
	for n := 1; ; n++ {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			break
		}
		path = filepath.Join(dir, fmt.Sprintf("%s.%d", name, n))
	}
	return path, os.WriteFile(path, data, 0o644)
}
