package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/cockroachdb/errors"
	"github.com/gookit/color"
	"github.com/olekukonko/tablewriter"
	"go.uber.org/zap"

	"codeground/internal/client"
	"codeground/internal/config"
	"codeground/internal/logger"
	"codeground/internal/merr"
)

const usage = `commands:
  <text>        append a line to the shared document
  :lang <tag>   switch the session language
  :who          list participants
  :show         print the document
  :clear        empty the document
  :leave        step out of the session, keep editing locally
  :join         join again, sending local edits
  :quit         leave and exit
`

func main() {
	sessionID := flag.String("session", "", "Session id to join")
	username := flag.String("user", "", "Display name")
	relayURL := flag.String("relay", "", "Relay WebSocket URL (overrides RELAY_URL)")
	flag.Parse()

	if *sessionID == "" || *username == "" {
		fmt.Fprintln(os.Stderr, "usage: client -session <id> -user <name>")
		os.Exit(2)
	}

	cfg, err := config.LoadClient()
	if err != nil {
		panic(err)
	}
	if *relayURL != "" {
		cfg.RelayURL = *relayURL
	}
	color.Enable = cfg.Colours

	log, err := logger.New(cfg.Logger())
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	conn, err := client.Dial(ctx, cfg.RelayURL, cfg.Token)
	if err != nil {
		log.Fatal("cannot reach relay", zap.String("url", cfg.RelayURL), zap.Error(err))
	}

	editor := client.NewBuffer(printDocument)
	session := client.NewSession(conn, client.Options{
		SessionID:      *sessionID,
		Username:       *username,
		JoinTimeout:    cfg.JoinTimeout,
		CoalesceWindow: cfg.CoalesceWindow,
	}, editor, client.NotifierFunc(notify), log)

	done := make(chan error, 1)
	go func() {
		done <- client.Supervise(ctx, session, client.Dialer(cfg.RelayURL, cfg.Token), cfg.MaxReconnect)
	}()

	color.Info.Printf("joining %s as %s\n", *sessionID, *username)
	fmt.Print(usage)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case err := <-done:
			if err != nil {
				color.Error.Println(err.Error())
			}
			break loop
		case line, ok := <-lines:
			if !ok || !handleLine(session, line) {
				break loop
			}
		}
	}

	if err := session.Close(); err != nil {
		log.Debug("close failed", zap.Error(err))
	}
}

// handleLine applies one line of input and reports whether to keep going.
func handleLine(s *client.Session, line string) bool {
	var err error
	switch {
	case line == ":quit":
		return false
	case line == ":who":
		printMembers(s)
	case line == ":show":
		printDocument(s.Document(), s.Language())
	case line == ":clear":
		err = s.Edit("")
	case line == ":leave":
		err = s.Leave()
	case line == ":join":
		err = s.Join()
	case strings.HasPrefix(line, ":lang "):
		err = s.ChangeLanguage(strings.TrimSpace(strings.TrimPrefix(line, ":lang ")))
	default:
		err = s.Edit(s.Document() + line + "\n")
	}
	switch {
	case err == nil:
	case errors.Is(err, merr.ErrNotJoined):
		color.Comment.Println("not joined, kept locally and sent on the next join")
	default:
		color.Warn.Println("not sent:", err.Error())
	}
	return true
}

func printMembers(s *client.Session) {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Username", "Socket", "You"})
	table.SetBorder(false)
	table.SetAutoFormatHeaders(true)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	self := s.SocketID()
	for _, m := range s.Members() {
		you := ""
		if m.SocketID == self {
			you = "*"
		}
		table.Append([]string{m.Username, m.SocketID, you})
	}
	table.Render()
}

func printDocument(text, language string) {
	header := fmt.Sprintf("--- document [%s] ---", language)
	fmt.Println(color.New(color.BgBlack, color.FgGreen).Render(header))
	fmt.Print(text)
	if text != "" && !strings.HasSuffix(text, "\n") {
		fmt.Println()
	}
}

func notify(n client.Notification) {
	switch n.Kind {
	case client.NotifyJoined:
		color.Success.Printf("%s joined\n", n.Username)
	case client.NotifyLeft:
		color.Warn.Printf("%s left\n", n.Username)
	case client.NotifyLanguage:
		color.Info.Printf("language is now %s\n", n.Message)
	case client.NotifyJoinTimeout:
		color.Warn.Println("the relay has not confirmed the join yet")
	case client.NotifyReconnecting:
		color.Warn.Println("connection lost, reconnecting")
	case client.NotifyError:
		color.Error.Printf("%s: %s\n", n.Code, n.Message)
	}
}
