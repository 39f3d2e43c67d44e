// Command warren-verify is a minimal, illustrative entrypoint wiring the
// config, logging, metainfo, and piece-checker layers together: given a
// .torrent file and the directory its payload lives in, it runs the startup
// piece check and reports how many pieces are already Good.
//
// It is not a BitTorrent client. Dialing peers, performing the handshake,
// and driving the wire engine over real sockets are collaborator concerns
// (see internal/wire.Driver for a reference loop over one already-accepted
// connection).
package main

import (
	"flag"
	"log/slog"
	"os"

	"github.com/dorhq/warren/internal/checker"
	"github.com/dorhq/warren/internal/config"
	"github.com/dorhq/warren/internal/logging"
	"github.com/dorhq/warren/internal/meta"
	"github.com/dorhq/warren/internal/piece"
	"github.com/dorhq/warren/internal/vfs"
)

func main() {
	torrentPath := flag.String("torrent", "", "path to a .torrent file")
	dataDir := flag.String("data", ".", "directory the torrent's payload lives under")
	flag.Parse()

	config.Init()
	setupLogger()

	if *torrentPath == "" {
		slog.Error("missing -torrent")
		os.Exit(2)
	}

	raw, err := os.ReadFile(*torrentPath)
	if err != nil {
		slog.Error("reading torrent file", "error", err)
		os.Exit(1)
	}

	info, hash, err := meta.ParseInfoDictionary(raw)
	if err != nil {
		slog.Error("parsing metainfo", "error", err)
		os.Exit(1)
	}
	info.Dir = *dataDir

	chk, err := checker.New(vfs.OS{}, info)
	if err != nil {
		slog.Error("preparing piece checker", "error", err)
		os.Exit(1)
	}

	state, err := chk.Run()
	if err != nil {
		slog.Error("running initial piece check", "error", err)
		os.Exit(1)
	}

	good, bad := 0, 0
	state.RunWithDiff(func(entry piece.StateEntry) {
		if entry.State == piece.Good {
			good++
		} else {
			bad++
		}
	})

	slog.Info("initial check complete",
		"info_hash", hash,
		"name", info.Name,
		"pieces", len(info.Pieces),
		"good", good,
		"bad", bad,
	)
}

func setupLogger() {
	opts := logging.DefaultOptions()
	opts.SlogOpts.Level = config.Load().LogLevel

	slog.SetDefault(slog.New(logging.NewPrettyHandler(os.Stdout, &opts)))
}
