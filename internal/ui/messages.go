package ui

import (
	"github.com/bjarneo/lanlink/internal/filetransfer"
	"github.com/bjarneo/lanlink/internal/transport"
)

// --- Bubbletea Messages ---

type (
	PeerChangeMsg struct {
		Peer         transport.Peer
		BecameActive bool
	}
	ChatMsg struct {
		Sender   string
		Nickname string
		Body     string
	}
	TransferProgressMsg struct{ Progress filetransfer.Progress }
	FileReceivedMsg     struct{ File filetransfer.Received }
	TransferErrorMsg    struct {
		Peer string
		Err  error
	}
	InfoMsg  struct{ Info string }
	ErrorMsg struct{ Err error }
)
