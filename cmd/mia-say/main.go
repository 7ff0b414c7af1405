package main

import (
	"bufio"
	"encoding/base64"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/mia-core/internal/protocol"
)

var version = "0.1.0-dev"

type options struct {
	url     string
	audio   string
	timeout time.Duration
}

func main() {
	var opts options
	say := flag.NewFlagSet("say", flag.ExitOnError)
	chat := flag.NewFlagSet("chat", flag.ExitOnError)
	for _, fs := range []*flag.FlagSet{say, chat} {
		fs.StringVar(&opts.url, "url", "ws://localhost:8080/client-ws", "Client WebSocket endpoint")
		fs.StringVar(&opts.audio, "audio-dir", "", "Write received audio segments to this directory")
		fs.DurationVar(&opts.timeout, "timeout", 60*time.Second, "Maximum time to wait for a turn")
	}

	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "expected 'say', 'chat' or 'version'")
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "say":
		say.Parse(os.Args[2:])
		text := strings.Join(say.Args(), " ")
		err = runSay(opts, text)
	case "chat":
		chat.Parse(os.Args[2:])
		err = runChat(opts)
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// runSay sends one text turn, or asks the assistant to speak first when text
// is empty.
func runSay(opts options, text string) error {
	conn, _, err := websocket.DefaultDialer.Dial(opts.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", opts.url, err)
	}
	defer conn.Close()

	msg := protocol.Message{Type: protocol.TypeAISpeakSignal}
	if text != "" {
		msg = protocol.Message{Type: protocol.TypeTextInput, Text: text}
	}
	if err := conn.WriteJSON(msg); err != nil {
		return err
	}
	return followTurn(conn, opts)
}

// runChat reads one turn per line from stdin. A line of "/interrupt" is sent
// as an interrupt request before the next turn.
func runChat(opts options) error {
	conn, _, err := websocket.DefaultDialer.Dial(opts.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", opts.url, err)
	}
	defer conn.Close()

	scanner := bufio.NewScanner(os.Stdin)
	fmt.Print("> ")
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
		case "/interrupt":
			if err := conn.WriteJSON(protocol.Message{Type: protocol.TypeInterrupt}); err != nil {
				return err
			}
		default:
			if err := conn.WriteJSON(protocol.Message{Type: protocol.TypeTextInput, Text: line}); err != nil {
				return err
			}
			if err := followTurn(conn, opts); err != nil {
				return err
			}
		}
		fmt.Print("> ")
	}
	return scanner.Err()
}

// followTurn prints frames until the turn ends and acknowledges playback as
// soon as synthesis completes.
func followTurn(conn *websocket.Conn, opts options) error {
	deadline := time.Now().Add(opts.timeout)
	for {
		if err := conn.SetReadDeadline(deadline); err != nil {
			return err
		}
		var msg protocol.Message
		if err := conn.ReadJSON(&msg); err != nil {
			return fmt.Errorf("read: %w", err)
		}
		switch msg.Type {
		case protocol.TypeTranscription:
			fmt.Printf("you: %s\n", msg.Text)
		case protocol.TypeFullText:
			fmt.Printf("... %s\n", msg.Text)
		case protocol.TypeAudioResponse:
			fmt.Printf("mia[%d]: %s\n", msg.SequenceNumber(), msg.DisplayText)
			if err := saveAudio(opts.audio, msg); err != nil {
				return err
			}
		case protocol.TypeSynthComplete:
			if err := conn.WriteJSON(protocol.PlaybackComplete("")); err != nil {
				return err
			}
		case protocol.TypeInterruptSignal:
			fmt.Println("(interrupted)")
		case protocol.TypeError:
			return errors.New(msg.Message)
		case protocol.TypeControl:
			if msg.Action == protocol.ActionChainEnd {
				return nil
			}
		}
	}
}

func saveAudio(dir string, msg protocol.Message) error {
	if dir == "" || msg.Audio == "" {
		return nil
	}
	data, err := base64.StdEncoding.DecodeString(msg.Audio)
	if err != nil {
		return fmt.Errorf("decode audio segment: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	name := fmt.Sprintf("segment-%s-%03d.wav", time.Now().Format("150405"), msg.SequenceNumber())
	return os.WriteFile(filepath.Join(dir, name), data, 0o644)
}
