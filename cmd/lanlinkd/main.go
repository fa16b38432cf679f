// lanlinkd runs a headless node: it answers discovery, accepts every
// file transfer into its temp directory, and logs what happens.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/afero"

	"github.com/bjarneo/lanlink/internal/filetransfer"
	"github.com/bjarneo/lanlink/internal/object"
	"github.com/bjarneo/lanlink/internal/protocol"
	"github.com/bjarneo/lanlink/internal/transport"
	"github.com/bjarneo/lanlink/internal/util"
)

func main() {
	listenAddr := flag.String("listen", fmt.Sprintf(":%d", transport.DefaultPort), "host:port to bind TCP and UDP on")
	tempDir := flag.String("temp-dir", filetransfer.DefaultTempDir, "Directory received files are written to")
	bufferSize := flag.Uint("buffer-size", filetransfer.DefaultBufferSize, "Bytes per file part")
	forwardAll := flag.Bool("forward-all", false, "Deliver our own broadcasts back to us")
	quiet := flag.Bool("quiet", false, "Do not log peer, chat or progress events")
	flag.Parse()

	registry := protocol.NewRegistry()
	protocol.RegisterAll(registry)

	tr := transport.New(transport.Opts{
		ListenAddr: *listenAddr,
		ForwardAll: *forwardAll,
	})
	exchange := object.NewExchange(tr, registry)
	files := filetransfer.NewService(exchange, registry, filetransfer.Opts{
		Fs:         afero.NewOsFs(),
		TempDir:    *tempDir,
		BufferSize: uint32(*bufferSize),
	})

	if !*quiet {
		exchange.SubscribePeers(func(p transport.Peer, becameActive bool) {
			state := "inactive"
			if becameActive {
				state = "active"
			}
			log.Printf("peer %s is now %s", p.Addr, state)
		})
		exchange.Subscribe(func(meta object.Meta, obj protocol.Object) {
			if t, ok := obj.(*protocol.TextMsg); ok {
				log.Printf("<%s@%s> %s", t.Nickname, meta.Source, t.Body)
			}
		})
		files.OnProgress = func(p filetransfer.Progress) {
			log.Printf("%s %s: %s of %s (%.0f%%)", p.Direction, p.FileName,
				util.FormatBytes(p.BytesProcessed), util.FormatBytes(p.FileLength), p.Percent()*100)
		}
	}
	files.OnReceived = func(r filetransfer.Received) {
		log.Printf("received %s from %s -> %s", r.FileName, r.Sender, r.Path)
	}

	if err := files.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "start: %v\n", err)
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Println("shutting down")
	files.Stop()
}
