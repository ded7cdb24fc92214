package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"marketplace-chat/internal/chatclient"
	"marketplace-chat/internal/domain"
	"marketplace-chat/internal/eventbus"
)

const helpText = `commands:
  /list                 show the conversation list
  /hide                 hide the conversation list
  /open <userId> [name] open a chat with a user
  /chat <n>             open the n-th conversation of the list
  /min <id>             minimize a window
  /expand <id>          expand a window
  /close <id>           close a window
  /windows              show open windows
  /search <text>        find people to chat with
  /layout narrow|wide   switch window layout
  /quit                 exit
anything else is sent to the active window`

var errQuit = errors.New("quit")

type command struct {
	name string
	args []string
	text string
}

// parseCommand splits a slash command into name and arguments. Lines without
// a leading slash are message text.
func parseCommand(line string) (command, error) {
	line = strings.TrimRight(line, "\r\n")
	if !strings.HasPrefix(line, "/") {
		return command{text: line}, nil
	}
	fields := strings.Fields(line[1:])
	if len(fields) == 0 {
		return command{}, errors.New("empty command, try /help")
	}
	cmd := command{name: strings.ToLower(fields[0]), args: fields[1:]}

	want := map[string]int{
		"help": 0, "list": 0, "hide": 0, "windows": 0, "quit": 0,
		"open": 1, "chat": 1, "min": 1, "expand": 1, "close": 1, "search": 1, "layout": 1,
	}
	n, ok := want[cmd.name]
	if !ok {
		return command{}, fmt.Errorf("unknown command /%s, try /help", cmd.name)
	}
	if len(cmd.args) < n {
		return command{}, fmt.Errorf("/%s needs an argument", cmd.name)
	}
	return cmd, nil
}

type session struct {
	ctrl *chatclient.Controller
	bus  *eventbus.Bus[domain.OpenChatRequest]
	in   *prompter
	out  *renderer

	mu      sync.Mutex
	results []domain.UserResult
}

func (s *session) run(ctx context.Context) error {
	s.out.printf("%s\n", helpText)
	for {
		if ctx.Err() != nil {
			return nil
		}
		line, ok := s.in.next()
		if !ok {
			return s.in.err()
		}
		cmd, err := parseCommand(line)
		if err != nil {
			s.out.printf("%v\n", err)
			continue
		}
		if err := s.exec(ctx, cmd); err != nil {
			if errors.Is(err, errQuit) {
				return nil
			}
			s.out.printf("error: %v\n", err)
		}
	}
}

func (s *session) exec(ctx context.Context, cmd command) error {
	switch cmd.name {
	case "":
		return s.send(ctx, cmd.text)
	case "help":
		s.out.printf("%s\n", helpText)
	case "quit":
		return errQuit
	case "list":
		s.ctrl.ShowList(true)
		s.out.printConversations(s.ctrl.Snapshot().Conversations)
	case "hide":
		s.ctrl.ShowList(false)
	case "open":
		req := domain.OpenChatRequest{UserID: cmd.args[0], DisplayName: strings.Join(cmd.args[1:], " ")}
		if r, ok := s.searchResult(req.UserID); ok {
			req.ExternalID = r.ExternalID
			req.AvatarURL = r.AvatarURL
			if req.DisplayName == "" {
				req.DisplayName = r.Name
			}
		}
		s.bus.Emit(req)
	case "chat":
		var n int
		if _, err := fmt.Sscan(cmd.args[0], &n); err != nil {
			return fmt.Errorf("/chat wants a list number: %w", err)
		}
		convs := s.ctrl.Snapshot().Conversations
		if n < 1 || n > len(convs) {
			return fmt.Errorf("no conversation %d", n)
		}
		return s.ctrl.OpenConversation(ctx, convs[n-1].ID)
	case "min":
		return s.ctrl.Minimize(cmd.args[0])
	case "expand":
		return s.ctrl.Expand(ctx, cmd.args[0])
	case "close":
		closed, err := s.ctrl.CloseWindow(cmd.args[0])
		if err != nil {
			return err
		}
		if !closed {
			s.out.printf("kept %s\n", cmd.args[0])
		}
	case "windows":
		s.out.printWindows(s.ctrl.Snapshot().State)
	case "search":
		query := strings.Join(cmd.args, " ")
		s.ctrl.Search(query, func(users []domain.UserResult, err error) {
			if err != nil {
				s.out.printf("search failed: %v\n", err)
				return
			}
			s.mu.Lock()
			s.results = users
			s.mu.Unlock()
			s.out.printUsers(users)
		})
	case "layout":
		layout, ok := chatclient.ParseLayout(cmd.args[0])
		if !ok {
			return fmt.Errorf("unknown layout %q", cmd.args[0])
		}
		s.ctrl.SetLayout(layout)
	}
	return nil
}

func (s *session) send(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	w, ok := s.ctrl.Snapshot().State.Active()
	if !ok {
		return errors.New("no active window, /open someone first")
	}
	if err := s.ctrl.SetDraft(w.ID, text); err != nil {
		return err
	}
	_, err := s.ctrl.Send(ctx, w.ID)
	return err
}

func (s *session) searchResult(userID string) (domain.UserResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.results {
		if r.UserID == userID {
			return r, true
		}
	}
	return domain.UserResult{}, false
}

// prompter reads input lines. It is only used from the session goroutine.
type prompter struct {
	scanner *bufio.Scanner
	out     io.Writer
}

func newPrompter(r io.Reader, w io.Writer) *prompter {
	return &prompter{scanner: bufio.NewScanner(r), out: w}
}

func (p *prompter) next() (string, bool) {
	if !p.scanner.Scan() {
		return "", false
	}
	return p.scanner.Text(), true
}

func (p *prompter) err() error {
	return p.scanner.Err()
}

func (p *prompter) confirmDiscard(w chatclient.Window) bool {
	fmt.Fprintf(p.out, "discard draft %q in %s? [y/N] ", w.Draft, w.ID)
	line, ok := p.next()
	if !ok {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}
