package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/afero"

	"github.com/bjarneo/lanlink/internal/filetransfer"
	"github.com/bjarneo/lanlink/internal/object"
	"github.com/bjarneo/lanlink/internal/protocol"
	"github.com/bjarneo/lanlink/internal/transport"
	"github.com/bjarneo/lanlink/internal/ui"
	"github.com/bjarneo/lanlink/internal/util"
)

func main() {
	listenAddr := flag.String("listen", fmt.Sprintf(":%d", transport.DefaultPort), "host:port to bind TCP and UDP on")
	tempDir := flag.String("temp-dir", filetransfer.DefaultTempDir, "Directory received files are written to")
	bufferSize := flag.Uint("buffer-size", filetransfer.DefaultBufferSize, "Bytes per file part")
	forwardAll := flag.Bool("forward-all", false, "Deliver our own broadcasts back to us")
	nickname := flag.String("nickname", "", "Chat nickname (random if empty)")
	flag.Parse()

	nick := *nickname
	if nick == "" {
		nick = util.GenerateRandomNickname()
	}

	// The TUI owns the terminal; keep library logging out of it.
	logFile, err := tea.LogToFile("lanlink.log", "lanlink")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logFile.Close()

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

	model := ui.NewModel(exchange, files, nick)
	p := tea.NewProgram(model, tea.WithAltScreen())
	model.Bind(p)

	if err := files.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "start: %v\n", err)
		os.Exit(1)
	}
	defer files.Stop()

	if _, err := p.Run(); err != nil {
		log.Fatal(err)
	}
}
