package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/mattn/go-isatty"
	"github.com/npezzotti/blyss-chat/internal/database"
	"github.com/npezzotti/blyss-chat/internal/types"
)

const helpText = `commands:
  /threads                 list threads
  /open <id|number>        select a thread
  /close                   clear the selection
  /search <query>          search users
  /dm <userId>             open a direct chat
  /group <title> <id,id>   create a group chat
  /unread                  refresh unread counts
  /history [n]             show archived messages of the selected thread
  /quit                    exit
anything else is sent to the selected thread`

var errQuit = errors.New("quit")

// chatView is the part of chat.Syncer the console drives.
type chatView interface {
	Threads() []types.Thread
	Thread(id string) (types.Thread, bool)
	SelectedThread() (types.Thread, bool)
	Messages() []types.Message
	UnreadCounts() types.UnreadCounts
	TotalUnread() int
	SearchResults() []types.User
	Updates() <-chan struct{}
	ThreadDisplayName(thread types.Thread) string
	SelectThread(ctx context.Context, thread types.Thread)
	ClearSelection()
	SearchUsers(ctx context.Context, query string)
	StartDirectChat(ctx context.Context, user types.User) *types.Thread
	CreateGroupChat(ctx context.Context, title string, userIds []string) *types.Thread
	FetchUnreadCounts(ctx context.Context)
	SendMessage(ctx context.Context, content string) bool
}

type command struct {
	name string
	args []string
	text string
}

// parseCommand splits a console line. Lines not starting with "/" are
// messages and keep their original text.
func parseCommand(line string) command {
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, "/") {
		return command{text: line}
	}

	fields := strings.Fields(trimmed)
	return command{name: strings.TrimPrefix(fields[0], "/"), args: fields[1:]}
}

type console struct {
	in      io.Reader
	out     io.Writer
	chat    chatView
	archive database.Archive

	mu       sync.Mutex
	shownFor string
	shown    int
}

func newConsole(in io.Reader, out io.Writer, chat chatView, archive database.Archive) *console {
	return &console{
		in:      in,
		out:     out,
		chat:    chat,
		archive: archive,
	}
}

// run reads commands until EOF, /quit or ctx is done. It returns io.EOF when
// the input ends.
func (c *console) run(ctx context.Context) error {
	go c.renderLoop(ctx)

	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
	}()

	c.printf("%s\n", helpText)
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			if err == nil {
				return io.EOF
			}
			return err
		case line := <-lines:
			if err := c.handle(ctx, line); err != nil {
				if errors.Is(err, errQuit) {
					return nil
				}
				c.printf("error: %v\n", err)
			}
		}
	}
}

// interactive reports whether f is a terminal. Without one the process keeps
// running after its input ends.
func interactive(f *os.File) bool {
	fd := f.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

func (c *console) renderLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.chat.Updates():
			c.render()
		}
	}
}

// render prints the selected thread's messages that were not shown yet.
func (c *console) render() {
	thread, ok := c.chat.SelectedThread()
	messages := c.chat.Messages()

	c.mu.Lock()
	defer c.mu.Unlock()

	if !ok {
		c.shownFor, c.shown = "", 0
		return
	}
	if thread.Id != c.shownFor || len(messages) < c.shown {
		c.shownFor, c.shown = thread.Id, 0
	}
	for _, m := range messages[c.shown:] {
		fmt.Fprintf(c.out, "[%s] %s: %s\n", m.CreatedAt.Local().Format("15:04"), senderName(m), m.Content)
	}
	c.shown = len(messages)
}

func (c *console) printf(format string, a ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format, a...)
}

func (c *console) handle(ctx context.Context, line string) error {
	cmd := parseCommand(line)
	switch cmd.name {
	case "":
		if strings.TrimSpace(cmd.text) == "" {
			return nil
		}
		if !c.chat.SendMessage(ctx, cmd.text) {
			return errors.New("message not sent")
		}
	case "threads":
		c.listThreads()
	case "open":
		if len(cmd.args) != 1 {
			return errors.New("usage: /open <id|number>")
		}
		thread, ok := c.findThread(cmd.args[0])
		if !ok {
			return fmt.Errorf("no thread %q", cmd.args[0])
		}
		c.printf("-- %s --\n", c.chat.ThreadDisplayName(thread))
		c.chat.SelectThread(ctx, thread)
	case "close":
		c.chat.ClearSelection()
	case "search":
		c.chat.SearchUsers(ctx, strings.Join(cmd.args, " "))
		for _, u := range c.chat.SearchResults() {
			c.printf("%s\t%s\n", u.Id, u.Username)
		}
	case "dm":
		if len(cmd.args) != 1 {
			return errors.New("usage: /dm <userId>")
		}
		thread := c.chat.StartDirectChat(ctx, c.findUser(cmd.args[0]))
		if thread == nil {
			return errors.New("could not start chat")
		}
		c.printf("-- %s --\n", c.chat.ThreadDisplayName(*thread))
	case "group":
		if len(cmd.args) < 2 {
			return errors.New("usage: /group <title> <id,id>")
		}
		title := strings.Join(cmd.args[:len(cmd.args)-1], " ")
		ids := splitIds(cmd.args[len(cmd.args)-1])
		thread := c.chat.CreateGroupChat(ctx, title, ids)
		if thread == nil {
			return errors.New("could not create group")
		}
		c.printf("-- %s --\n", c.chat.ThreadDisplayName(*thread))
	case "unread":
		c.chat.FetchUnreadCounts(ctx)
		c.listUnread()
	case "history":
		return c.history(ctx, cmd.args)
	case "help":
		c.printf("%s\n", helpText)
	case "quit", "exit":
		return errQuit
	default:
		return fmt.Errorf("unknown command /%s", cmd.name)
	}
	return nil
}

func (c *console) listThreads() {
	unread := c.chat.UnreadCounts()
	for i, t := range c.chat.Threads() {
		line := fmt.Sprintf("%2d. %s", i+1, c.chat.ThreadDisplayName(t))
		if n := unread[t.Id]; n > 0 {
			line += fmt.Sprintf(" (%d)", n)
		}
		c.printf("%s\t%s\n", line, t.Id)
	}
}

func (c *console) listUnread() {
	counts := c.chat.UnreadCounts()
	ids := make([]string, 0, len(counts))
	for id := range counts {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	c.printf("total unread: %d\n", c.chat.TotalUnread())
	for _, id := range ids {
		name := id
		if t, ok := c.chat.Thread(id); ok {
			name = c.chat.ThreadDisplayName(t)
		}
		c.printf("  %s: %d\n", name, counts[id])
	}
}

func (c *console) history(ctx context.Context, args []string) error {
	if c.archive == nil {
		return errors.New("archive not configured")
	}
	thread, ok := c.chat.SelectedThread()
	if !ok {
		return errors.New("no thread selected")
	}

	limit := database.DefaultHistoryLimit
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n < 1 {
			return fmt.Errorf("invalid count %q", args[0])
		}
		limit = n
	}

	messages, err := c.archive.ListMessages(ctx, thread.Id, limit)
	if err != nil {
		return fmt.Errorf("archive: %w", err)
	}
	for _, m := range messages {
		c.printf("[%s] %s: %s\n", m.CreatedAt.Local().Format("2006-01-02 15:04"), senderName(m), m.Content)
	}
	return nil
}

// findThread accepts a thread id or a 1-based position in the thread list.
func (c *console) findThread(ref string) (types.Thread, bool) {
	if t, ok := c.chat.Thread(ref); ok {
		return t, true
	}
	n, err := strconv.Atoi(ref)
	if err != nil {
		return types.Thread{}, false
	}
	threads := c.chat.Threads()
	if n < 1 || n > len(threads) {
		return types.Thread{}, false
	}
	return threads[n-1], true
}

func (c *console) findUser(id string) types.User {
	for _, u := range c.chat.SearchResults() {
		if u.Id == id {
			return u
		}
	}
	return types.User{Id: id}
}

func splitIds(s string) []string {
	var ids []string
	for _, id := range strings.Split(s, ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

func senderName(m types.Message) string {
	if m.Sender.Username != "" {
		return m.Sender.Username
	}
	return m.SenderId
}
