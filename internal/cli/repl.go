package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/tastyrock/negotiator/internal/domain"
	"github.com/tastyrock/negotiator/internal/negotiation"
)

const actionTimeout = 15 * time.Second

var (
	errEmptyCommand   = errors.New("empty command")
	errUnknownCommand = errors.New("unknown command")
)

// command is one parsed REPL line.
type command struct {
	name  string
	key   string
	price string
	text  string
}

// usage lists the REPL commands.
const usage = `Commands:
  add <appid:contextid:assetid> <price> [name]   add an item to the offer
  rm <key>                                        remove an item
  price <key> <price>                             change an item's price
  send                                            send the offer
  accept                                          accept the offer (trader)
  pay                                             pay for the offer (buyer)
  chat <text>                                     send a chat message
  ask <key> <text>                                ask about one item
  status                                          show the offer
  connect                                         rejoin the room after a drop
  quit                                            leave the room`

// parseCommand splits a REPL line into a command. It checks arity only;
// keys and prices are validated by the session.
func parseCommand(line string) (command, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return command{}, errEmptyCommand
	}
	name, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)
	args := strings.Fields(rest)
	cmd := command{name: strings.ToLower(name)}

	switch cmd.name {
	case "send", "accept", "pay", "status", "connect", "quit", "help":
		if len(args) != 0 {
			return command{}, fmt.Errorf("%s takes no arguments", cmd.name)
		}
	case "add":
		if len(args) < 2 {
			return command{}, errors.New("usage: add <key> <price> [name]")
		}
		cmd.key, cmd.price = args[0], args[1]
		cmd.text = strings.Join(args[2:], " ")
	case "rm":
		if len(args) != 1 {
			return command{}, errors.New("usage: rm <key>")
		}
		cmd.key = args[0]
	case "price":
		if len(args) != 2 {
			return command{}, errors.New("usage: price <key> <price>")
		}
		cmd.key, cmd.price = args[0], args[1]
	case "chat":
		if rest == "" {
			return command{}, errors.New("usage: chat <text>")
		}
		cmd.text = rest
	case "ask":
		key, text, _ := strings.Cut(rest, " ")
		if key == "" || strings.TrimSpace(text) == "" {
			return command{}, errors.New("usage: ask <key> <text>")
		}
		cmd.key, cmd.text = key, strings.TrimSpace(text)
	default:
		return command{}, fmt.Errorf("%w %q", errUnknownCommand, name)
	}
	return cmd, nil
}

// session is the part of negotiation.Session the REPL drives.
type session interface {
	AddItem(it domain.Item) error
	RemoveItem(key string) error
	SetPrice(key, price string) error
	SendItems(ctx context.Context) error
	Accept(ctx context.Context) error
	Pay(ctx context.Context) error
	Chat(ctx context.Context, text string) error
	AskAboutItem(ctx context.Context, key, text string) error
	Connect(ctx context.Context) error
	Quit(ctx context.Context) error
	View() negotiation.View
}

type repl struct {
	sess session
	out  io.Writer
}

func newREPL(sess session, out io.Writer) *repl {
	return &repl{sess: sess, out: out}
}

// run reads commands until quit, end of input or ctx is done, then quits the
// session.
func (r *repl) run(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-stop:
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return r.quit()
		case line, ok := <-lines:
			if !ok {
				return r.quit()
			}
			cmd, err := parseCommand(line)
			if errors.Is(err, errEmptyCommand) {
				continue
			}
			if err != nil {
				fmt.Fprintln(r.out, "error:", err)
				continue
			}
			if cmd.name == "quit" {
				return r.quit()
			}
			if err := r.exec(ctx, cmd); err != nil {
				fmt.Fprintln(r.out, "error:", err)
			}
		}
	}
}

func (r *repl) quit() error {
	ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
	defer cancel()
	return r.sess.Quit(ctx)
}

func (r *repl) exec(ctx context.Context, cmd command) error {
	ctx, cancel := context.WithTimeout(ctx, actionTimeout)
	defer cancel()

	switch cmd.name {
	case "add":
		return r.sess.AddItem(domain.Item{Key: cmd.key, Name: cmd.text, Price: cmd.price})
	case "rm":
		return r.sess.RemoveItem(cmd.key)
	case "price":
		return r.sess.SetPrice(cmd.key, cmd.price)
	case "send":
		return r.sess.SendItems(ctx)
	case "accept":
		return r.sess.Accept(ctx)
	case "pay":
		return r.sess.Pay(ctx)
	case "chat":
		return r.sess.Chat(ctx, cmd.text)
	case "ask":
		return r.sess.AskAboutItem(ctx, cmd.key, cmd.text)
	case "status":
		renderView(r.out, r.sess.View())
		return nil
	case "connect":
		if err := r.sess.Connect(ctx); err != nil {
			return err
		}
		fmt.Fprintln(r.out, "connected")
		return nil
	case "help":
		fmt.Fprintln(r.out, usage)
		return nil
	default:
		return fmt.Errorf("%w %q", errUnknownCommand, cmd.name)
	}
}
