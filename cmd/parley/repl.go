package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/fatih/color"
	"github.com/pkg/errors"

	"github.com/go-go-golems/parley/pkg/events"
	"github.com/go-go-golems/parley/pkg/session"
	"github.com/go-go-golems/parley/pkg/threads"
)

var (
	promptColor    = color.New(color.FgGreen, color.Bold)
	assistantColor = color.New(color.FgCyan)
	noticeColor    = color.New(color.FgYellow)
)

type repl struct {
	session   *session.Session
	syncer    *threads.Syncer
	publisher message.Publisher
}

func newREPL(sess *session.Session, syncer *threads.Syncer, publisher message.Publisher) *repl {
	return &repl{
		session:   sess,
		syncer:    syncer,
		publisher: publisher,
	}
}

// registerPrinter subscribes a handler that paints streamed deltas as they
// arrive.
func (r *repl) registerPrinter(router *events.Router) {
	router.AddHandler("repl-printer", events.TopicChat, func(msg *message.Message) error {
		e, err := events.NewEventFromJson(msg.Payload)
		if err != nil {
			return nil
		}
		switch ev := e.(type) {
		case *events.EventPartial:
			assistantColor.Print(ev.Delta)
		case *events.EventFinal:
			fmt.Println()
		case *events.EventInterrupt:
			fmt.Println()
			noticeColor.Println("[cancelled]")
		case *events.EventError:
			fmt.Println()
			noticeColor.Printf("[error: %s]\n", ev.ErrorString)
		}
		return nil
	})
}

func (r *repl) loop(ctx context.Context) error {
	noticeColor.Println("parley — /help for commands, /quit to exit")
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for {
		promptColor.Print("> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "/") {
			quit, err := r.command(ctx, line)
			if err != nil {
				noticeColor.Printf("%s\n", err)
			}
			if quit {
				return nil
			}
			continue
		}

		if err := r.submit(ctx, func() (*session.Execution, error) {
			return r.session.SubmitNew(ctx, line)
		}); err != nil {
			noticeColor.Printf("%s\n", err)
		}
	}
}

func (r *repl) command(ctx context.Context, line string) (bool, error) {
	fields := strings.Fields(line)
	cmd, args := fields[0], fields[1:]

	switch cmd {
	case "/quit", "/exit":
		return true, nil

	case "/help":
		fmt.Println(`  <text>            send a message
  /edit <seq> <text>  replace a past turn and regenerate
  /reload [seq]       regenerate a reply
  /cancel             cancel the in-flight generation
  /threads            list threads
  /switch <id>        switch to a thread
  /new                start a new chat
  /rename <id> <t>    rename a thread
  /delete <id>        delete a thread
  /log                print the conversation
  /quit               exit`)
		return false, nil

	case "/cancel":
		r.session.Cancel()
		return false, nil

	case "/edit":
		if len(args) < 2 {
			return false, errors.New("usage: /edit <seq> <text>")
		}
		seq, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return false, errors.Wrap(err, "invalid seq")
		}
		text := strings.Join(args[1:], " ")
		return false, r.submit(ctx, func() (*session.Execution, error) {
			return r.session.SubmitEdit(ctx, seq, text)
		})

	case "/reload":
		var seq int64
		if len(args) > 0 {
			var err error
			seq, err = strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return false, errors.Wrap(err, "invalid seq")
			}
		}
		return false, r.submit(ctx, func() (*session.Execution, error) {
			return r.session.SubmitReload(ctx, seq)
		})

	case "/threads":
		for _, t := range r.syncer.Threads() {
			marker := " "
			if t.ID == r.syncer.CurrentThreadID() {
				marker = "*"
			}
			fmt.Printf("%s %s  %s (%d messages)\n", marker, t.ID, t.Title, t.MessageCount)
		}
		return false, nil

	case "/switch":
		if len(args) != 1 {
			return false, errors.New("usage: /switch <id>")
		}
		return false, events.PublishEvent(r.publisher, events.TopicThreadSelection,
			events.NewThreadSelectedEvent(args[0]))

	case "/new":
		return false, events.PublishEvent(r.publisher, events.TopicThreadSelection,
			events.NewThreadSelectedEvent(""))

	case "/rename":
		if len(args) < 2 {
			return false, errors.New("usage: /rename <id> <title>")
		}
		return false, r.syncer.RenameThread(ctx, args[0], strings.Join(args[1:], " "))

	case "/delete":
		if len(args) != 1 {
			return false, errors.New("usage: /delete <id>")
		}
		return false, r.syncer.DeleteThread(ctx, args[0])

	case "/log":
		for _, m := range r.session.Messages() {
			fmt.Printf("%4d [%s]: %s\n", m.Seq, m.Role, m.Text())
		}
		return false, nil
	}

	return false, errors.Errorf("unknown command %s", cmd)
}

// submit runs one generation to completion. The wait is interruptible from
// another line only via /cancel, matching the single-in-flight model.
func (r *repl) submit(ctx context.Context, start func() (*session.Execution, error)) error {
	exec, err := start()
	if err != nil {
		return err
	}
	if exec == nil {
		noticeColor.Println("[nothing to regenerate]")
		return nil
	}

	// Ctrl-C while streaming cancels the generation, not the program.
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)
	done := make(chan struct{})
	go func() {
		select {
		case <-sig:
			r.session.Cancel()
		case <-done:
		}
	}()

	_ = exec.Wait()
	close(done)
	signal.Stop(sig)
	// failures are surfaced through the printer and the transcript holds
	// the apology reply; nothing more to report here
	return nil
}
