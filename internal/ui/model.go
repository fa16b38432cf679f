package ui

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/bjarneo/lanlink/internal/filetransfer"
	"github.com/bjarneo/lanlink/internal/object"
	"github.com/bjarneo/lanlink/internal/protocol"
	"github.com/bjarneo/lanlink/internal/transport"
	"github.com/bjarneo/lanlink/internal/util"
)

// Line is one entry in the activity log.
type Line struct {
	Timestamp time.Time
	Sender    string
	Content   string
}

// Model is the bubbletea UI for a lanlink node.
type Model struct {
	Program *tea.Program

	exchange *object.Exchange
	files    *filetransfer.Service
	nickname string
	localIP  string

	input       textinput.Model
	prog        progress.Model
	peers       map[string]transport.Peer
	lines       []Line
	width       int
	height      int
	transfering bool
	currentFile string
	err         error
}

func NewModel(ex *object.Exchange, files *filetransfer.Service, nickname string) *Model {
	input := textinput.New()
	input.Placeholder = "message, or /send <ip> <path>..."
	input.Focus()

	local, _ := ex.Transport().LocalIP()

	return &Model{
		exchange: ex,
		files:    files,
		nickname: nickname,
		localIP:  local,
		input:    input,
		prog:     progress.New(progress.WithDefaultGradient()),
		peers:    make(map[string]transport.Peer),
		lines: []Line{{
			Timestamp: time.Now(),
			Sender:    "System",
			Content:   fmt.Sprintf("listening as %s (%s)", nickname, local),
		}},
	}
}

// Bind wires the library callbacks into the program's message loop.
// Call it after tea.NewProgram, before the stack starts.
func (m *Model) Bind(p *tea.Program) {
	m.Program = p
	m.exchange.SubscribePeers(func(peer transport.Peer, becameActive bool) {
		p.Send(PeerChangeMsg{Peer: peer, BecameActive: becameActive})
	})
	m.exchange.Subscribe(func(meta object.Meta, obj protocol.Object) {
		if t, ok := obj.(*protocol.TextMsg); ok {
			p.Send(ChatMsg{Sender: meta.Source, Nickname: t.Nickname, Body: t.Body})
		}
	})
	m.files.OnProgress = func(pr filetransfer.Progress) {
		p.Send(TransferProgressMsg{Progress: pr})
	}
	m.files.OnReceived = func(r filetransfer.Received) {
		p.Send(FileReceivedMsg{File: r})
	}
	m.files.OnError = func(peer string, err error) {
		p.Send(TransferErrorMsg{Peer: peer, Err: err})
	}
}

func (m *Model) Init() tea.Cmd {
	return textinput.Blink
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	var inputCmd tea.Cmd
	m.input, inputCmd = m.input.Update(msg)
	if inputCmd != nil {
		cmds = append(cmds, inputCmd)
	}

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			m.files.Stop()
			return m, tea.Quit
		case tea.KeyEnter:
			if cmd := m.submit(strings.TrimSpace(m.input.Value())); cmd != nil {
				cmds = append(cmds, cmd)
			}
			m.input.SetValue("")
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.prog.Width = msg.Width - 4

	case progress.FrameMsg:
		updated, cmd := m.prog.Update(msg)
		if pm, ok := updated.(progress.Model); ok {
			m.prog = pm
		}
		if cmd != nil {
			cmds = append(cmds, cmd)
		}

	case PeerChangeMsg:
		m.peers[msg.Peer.Addr] = msg.Peer
		state := "inactive"
		if msg.BecameActive {
			state = "active"
		}
		m.system(fmt.Sprintf("peer %s is now %s", msg.Peer.Addr, state))

	case ChatMsg:
		m.lines = append(m.lines, Line{
			Timestamp: time.Now(),
			Sender:    fmt.Sprintf("%s@%s", msg.Nickname, msg.Sender),
			Content:   msg.Body,
		})

	case TransferProgressMsg:
		m.transfering = true
		m.currentFile = fmt.Sprintf("%s %s (%s of %s)",
			msg.Progress.Direction,
			msg.Progress.FileName,
			util.FormatBytes(msg.Progress.BytesProcessed),
			util.FormatBytes(msg.Progress.FileLength))
		cmds = append(cmds, m.prog.SetPercent(msg.Progress.Percent()))
		if msg.Progress.BytesProcessed >= msg.Progress.FileLength {
			m.transfering = false
		}

	case FileReceivedMsg:
		m.transfering = false
		m.system(fmt.Sprintf("received %s from %s -> %s",
			msg.File.FileName, msg.File.Sender, msg.File.Path))

	case TransferErrorMsg:
		m.transfering = false
		m.lines = append(m.lines, Line{
			Timestamp: time.Now(),
			Sender:    "Error",
			Content:   msg.Err.Error(),
		})

	case InfoMsg:
		m.system(msg.Info)

	case ErrorMsg:
		m.err = msg.Err
		return m, tea.Quit
	}

	return m, tea.Batch(cmds...)
}

// submit interprets one input line: a slash command or a chat
// message for every known peer.
func (m *Model) submit(text string) tea.Cmd {
	if text == "" {
		return nil
	}

	switch {
	case strings.HasPrefix(text, "/send "):
		fields := strings.Fields(strings.TrimPrefix(text, "/send "))
		if len(fields) < 2 {
			m.system("usage: /send <ip> <path>...")
			return nil
		}
		target, paths := fields[0], fields[1:]
		m.system(fmt.Sprintf("offering %d file(s) to %s", len(paths), target))
		return func() tea.Msg {
			if err := m.files.SendFiles(target, paths, 0); err != nil {
				return TransferErrorMsg{Peer: target, Err: err}
			}
			return nil
		}

	case text == "/peers":
		addrs := make([]string, 0, len(m.peers))
		for addr := range m.peers {
			addrs = append(addrs, addr)
		}
		sort.Strings(addrs)
		if len(addrs) == 0 {
			m.system("no peers yet")
		}
		for _, addr := range addrs {
			p := m.peers[addr]
			state := "inactive"
			if p.Active {
				state = "active"
			}
			m.system(fmt.Sprintf("%s (%s, last seen %s)", addr, state, p.LastSeen.Format("15:04:05")))
		}
		return nil

	case text == "/help":
		m.system("/send <ip> <path>... | /peers | /help | plain text chats to every peer")
		return nil

	default:
		m.lines = append(m.lines, Line{Timestamp: time.Now(), Sender: m.nickname, Content: text})
		return func() tea.Msg {
			msg := &protocol.TextMsg{Nickname: m.nickname, Body: text}
			if err := m.exchange.SendTCPAll(msg); err != nil {
				return InfoMsg{Info: fmt.Sprintf("some sends failed: %v", err)}
			}
			return nil
		}
	}
}

func (m *Model) system(content string) {
	m.lines = append(m.lines, Line{Timestamp: time.Now(), Sender: "System", Content: content})
}

func (m *Model) View() string {
	if m.err != nil {
		return fmt.Sprintf("An error occurred: %v\n\nPress Ctrl+C to quit.", m.err)
	}

	header := StatusStyle.Render(fmt.Sprintf("lanlink | %s | %d peer(s)", m.localIP, m.activePeers()))

	visible := m.lines
	maxLines := m.height - 6
	if maxLines > 0 && len(visible) > maxLines {
		visible = visible[len(visible)-maxLines:]
	}
	var body strings.Builder
	for _, l := range visible {
		style := ChatStyle
		switch l.Sender {
		case "System":
			style = SystemStyle
		case "Error":
			style = ErrorStyle
		case m.nickname:
			style = PeerStyle
		}
		body.WriteString(fmt.Sprintf("%s %s: %s\n",
			TimestampStyle.Render(l.Timestamp.Format("15:04:05")),
			style.Render(l.Sender),
			l.Content))
	}

	footer := m.input.View()
	if m.transfering {
		footer = lipgloss.JoinVertical(lipgloss.Left,
			StatusStyle.Render(m.currentFile),
			m.prog.View(),
			footer)
	}

	return fmt.Sprintf("%s\n%s\n%s", header, body.String(), footer)
}

func (m *Model) activePeers() int {
	n := 0
	for _, p := range m.peers {
		if p.Active {
			n++
		}
	}
	return n
}
