package main

import (
	"fmt"
	"math"
	"net/netip"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/qrflow/qrflow/fountain"
	"github.com/qrflow/qrflow/relay"
	"github.com/qrflow/qrflow/session"
)

var (
	txInterval   time.Duration
	txChunkSize  int
	txExtra      float64
	txLive       bool
	txNoCompress bool
	txListen     string
	txStream     bool
)

func NewTxCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tx [options] FILE...",
		Short: "encode files into an endless droplet stream",
		Long: `Reads the given files and emits fountain-coded droplet lines, one per
interval, to stdout or to relay peers. A QR renderer (or anything else) can
consume the lines; any sufficiently large subset of them reconstructs the
files on the receiving side.`,
		Args: cobra.MinimumNArgs(1),
		RunE: txCmdFunc,
	}

	cmd.Flags().DurationVar(&txInterval, "interval", 100*time.Millisecond, "delay between droplets")
	cmd.Flags().IntVar(&txChunkSize, "chunk-size", fountain.DefaultChunkSize, "chunk size in bytes")
	cmd.Flags().Float64Var(&txExtra, "extra", 0.5, "redundancy ratio for the pre-generated droplet budget")
	cmd.Flags().BoolVar(&txLive, "live", false, "stream droplets forever instead of a pre-generated budget")
	cmd.Flags().BoolVar(&txNoCompress, "no-compress", false, "never compress payloads")
	cmd.Flags().StringVar(&txListen, "listen", "", "serve droplets to relay peers on this addr:port instead of stdout")
	cmd.Flags().BoolVar(&txStream, "stream", false, "use reliable relay streams instead of datagrams")

	return cmd
}

func txCmdFunc(cmd *cobra.Command, args []string) error {
	if txExtra < 0 {
		return fmt.Errorf("--extra must not be negative")
	}

	fountains := make([]*fountain.Fountain, 0, len(args))
	for i, path := range args {
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if !txNoCompress {
			data, _ = session.Compress(data)
		}
		payload := session.EncodePayload(filepath.Base(path), i, len(args), data)

		f, err := fountain.NewFountain(payload, fountain.WithChunkSize(txChunkSize))
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		fountains = append(fountains, f)
		fmt.Fprintf(os.Stderr, "%s: %d chunks of %d bytes\n", path, f.NumChunks(), txChunkSize)
	}

	emit, closeEmit, err := txEmitter()
	if err != nil {
		return err
	}
	defer closeEmit()

	// The manifest announces the file count; repeat it so late joiners
	// still learn when the session is complete.
	manifest := fountain.NewManifest(len(args)).String()
	emit(manifest)

	budgets := make([]int, len(fountains))
	for i, f := range fountains {
		budgets[i] = f.NumChunks() + int(math.Ceil(txExtra*float64(f.NumChunks())))
	}

	ticker := time.NewTicker(txInterval)
	defer ticker.Stop()

	for sent := 0; ; {
		idle := true
		for i, f := range fountains {
			if !txLive && budgets[i] == 0 {
				continue
			}
			idle = false
			<-ticker.C
			emit(f.Droplet().String())
			budgets[i]--
			if sent++; sent%32 == 0 {
				emit(manifest)
			}
		}
		if idle {
			return nil
		}
	}
}

// txEmitter picks where droplet lines go: stdout by default, relay peers
// when --listen is set.
func txEmitter() (emit func(string), closeEmit func(), err error) {
	if txListen == "" {
		return func(line string) { fmt.Println(line) }, func() {}, nil
	}

	ep, err := netip.ParseAddrPort(txListen)
	if err != nil {
		return nil, nil, fmt.Errorf("bad --listen address: %w", err)
	}
	mode := relay.ModeDatagram
	if txStream {
		mode = relay.ModeStream
	}
	r, err := relay.NewRelay(relay.WithListenAddr(ep), relay.WithMode(mode))
	if err != nil {
		return nil, nil, err
	}
	fmt.Fprintf(os.Stderr, "relay %s listening on %s\n", r.ID(), r.LocalAddr())
	return r.Broadcast, func() { r.Close() }, nil
}
