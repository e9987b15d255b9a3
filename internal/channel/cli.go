package channel

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/user"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"randreply/internal/domain"
)

// CLI is an interactive terminal channel. Lines are group messages in a local
// room; "/dm <text>" sends a private message and "/at <text>" mentions the bot.
type CLI struct {
	logger   *slog.Logger
	in       io.Reader
	out      io.Writer
	outMu    sync.Mutex
	userID   string
	userName string
}

type CLIConfig struct {
	Logger   *slog.Logger
	In       io.Reader
	Out      io.Writer
	UserName string
}

func NewCLI(cfg CLIConfig) *CLI {
	if cfg.In == nil {
		cfg.In = os.Stdin
	}
	if cfg.Out == nil {
		cfg.Out = os.Stdout
	}
	if cfg.UserName == "" {
		cfg.UserName = "you"
		if u, err := user.Current(); err == nil && u.Username != "" {
			cfg.UserName = u.Username
		}
	}
	return &CLI{
		logger:   cfg.Logger,
		in:       cfg.In,
		out:      cfg.Out,
		userID:   "local",
		userName: cfg.UserName,
	}
}

func (c *CLI) Name() string { return "cli" }

// Start runs the REPL and blocks until EOF, /quit or ctx is cancelled.
func (c *CLI) Start(ctx context.Context, in Inbound, ready func()) error {
	ready()
	c.printf("randreply CLI. Lines go to the room; /dm for private, /at to mention the bot, /quit to exit.\n> ")

	lines := make(chan string)
	errCh := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		errCh <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errCh:
			return err
		case line := <-lines:
			line = strings.TrimSpace(line)
			switch {
			case line == "":
			case line == "/quit" || line == "/exit" || line == "/q":
				c.logger.Info("user requested quit")
				return nil
			default:
				in(ctx, c.message(line))
			}
			c.printf("> ")
		}
	}
}

func (c *CLI) message(line string) domain.IncomingMessage {
	msg := domain.IncomingMessage{
		Channel:     "cli",
		MessageID:   uuid.NewString(),
		IsGroup:     true,
		ContentType: domain.ContentText,
		Content:     line,
		GroupID:     "cli-room",
		GroupName:   "terminal",
		UserID:      c.userID,
		UserName:    c.userName,
		Timestamp:   time.Now(),
	}
	if rest, ok := strings.CutPrefix(line, "/dm "); ok {
		msg.IsGroup = false
		msg.Content = rest
		msg.GroupID = c.userID
		msg.GroupName = c.userName
	} else if rest, ok := strings.CutPrefix(line, "/at "); ok {
		msg.Mentioned = true
		msg.Content = rest
	}
	return msg
}

// Send prints the reply.
func (c *CLI) Send(ctx context.Context, reply domain.OutgoingReply, req domain.OutboundRequest) error {
	tag := "bot"
	if req.EngineOriginated {
		tag = "bot (unprompted)"
	}
	return c.printf("\r[%s] %s\n> ", tag, reply.Content)
}

func (c *CLI) printf(format string, args ...any) error {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	_, err := fmt.Fprintf(c.out, format, args...)
	return err
}
