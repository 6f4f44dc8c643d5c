package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/Jorewin/planning-poker/go/internal/dispatch"
	"github.com/Jorewin/planning-poker/go/internal/engine"
	"github.com/Jorewin/planning-poker/go/internal/identity"
	"github.com/Jorewin/planning-poker/go/internal/models"
	"github.com/rs/zerolog/log"
)

var (
	errUsage   = errors.New("usage")
	errUnknown = errors.New("unknown command")
	errQuit    = errors.New("quit")
)

const helpText = `commands:
  create                       create a session and switch to it
  join <code>                  join a session by its code
  use <id|code>                switch to a tracked session
  games                        reload and list your sessions
  leave                        leave the active session
  vote <card>                  pick a card (1 2 3 5 8 13 21 34 55 89 144)
  clear                        withdraw your card
  story <summary> [| <desc>]   add a story
  rmstory <story>              delete a story
  task <story> <card> <text>   add a task to a story
  rmtask <story> <task>        delete a task
  force                        end the round with the cards cast so far
  reset                        start a new round
  login <name> | logout        change identity
  show                         print the active session
  quit`

type repl struct {
	engine *engine.Engine
	holder *identity.Holder
	out    io.Writer
}

// Run reads commands from in until EOF, quit or ctx ends.
func (r *repl) Run(ctx context.Context, in io.Reader) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	fmt.Fprintln(r.out, "type 'help' for commands")
	for {
		fmt.Fprint(r.out, r.prompt())
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			err := r.handle(ctx, line)
			switch {
			case errors.Is(err, errQuit):
				return nil
			case err != nil:
				fmt.Fprintf(r.out, "error: %v\n", err)
			}
		}
	}
}

func (r *repl) prompt() string {
	name := r.holder.Current().Username
	if name == "" {
		name = "guest"
	}
	if s := r.engine.Active(); s != nil {
		return fmt.Sprintf("%s@%s> ", name, s.Code)
	}
	return name + "> "
}

func (r *repl) handle(ctx context.Context, line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}

	switch fields[0] {
	case "help", "?":
		fmt.Fprintln(r.out, helpText)
		return nil
	case "quit", "exit":
		return errQuit
	case "login":
		if len(fields) != 2 {
			return fmt.Errorf("%w: login <name>", errUsage)
		}
		r.holder.Set(fields[1])
		return nil
	case "logout":
		r.holder.Clear()
		return nil
	case "show":
		render(r.out, r.engine.Active(), r.holder.Current())
		return nil
	}

	cmd, err := parseCommand(line)
	if err != nil {
		return err
	}
	res, err := r.engine.Execute(ctx, cmd)
	if err != nil {
		return err
	}
	log.Debug().Str("command", cmd.Name()).Str("session", res.Session.ID).Msg("command done")

	switch cmd.(type) {
	case dispatch.RefreshSessions:
		listSessions(r.out, r.engine.Tracked(), r.engine.Active())
	case dispatch.CreateSession, dispatch.JoinSession, dispatch.ActivateSession:
		fmt.Fprintf(r.out, "now in session %s\n", res.Session.Code)
	case dispatch.AddStory:
		fmt.Fprintf(r.out, "story %s added\n", res.StoryID)
	case dispatch.AddTask:
		fmt.Fprintf(r.out, "task %s added\n", res.TaskID)
	default:
		render(r.out, r.engine.Active(), r.holder.Current())
	}
	return nil
}

// parseCommand maps one input line to an engine command.
func parseCommand(line string) (dispatch.Command, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil, errUnknown
	}
	args := fields[1:]

	switch fields[0] {
	case "create":
		return dispatch.CreateSession{}, nil
	case "join":
		if len(args) != 1 {
			return nil, fmt.Errorf("%w: join <code>", errUsage)
		}
		return dispatch.JoinSession{Code: args[0]}, nil
	case "use":
		if len(args) != 1 {
			return nil, fmt.Errorf("%w: use <id|code>", errUsage)
		}
		return dispatch.ActivateSession{ID: args[0]}, nil
	case "games":
		return dispatch.RefreshSessions{}, nil
	case "leave":
		return dispatch.LeaveSession{}, nil
	case "vote":
		if len(args) != 1 {
			return nil, fmt.Errorf("%w: vote <card>", errUsage)
		}
		v, err := parseCard(args[0])
		if err != nil {
			return nil, err
		}
		return dispatch.Vote{Value: v}, nil
	case "clear":
		return dispatch.ClearVote{}, nil
	case "story":
		rest := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), fields[0]))
		summary, desc, _ := strings.Cut(rest, "|")
		return dispatch.AddStory{Summary: strings.TrimSpace(summary), Description: strings.TrimSpace(desc)}, nil
	case "rmstory":
		if len(args) != 1 {
			return nil, fmt.Errorf("%w: rmstory <story>", errUsage)
		}
		return dispatch.DeleteStory{StoryID: args[0]}, nil
	case "task":
		if len(args) < 3 {
			return nil, fmt.Errorf("%w: task <story> <card> <summary>", errUsage)
		}
		v, err := parseCard(args[1])
		if err != nil {
			return nil, err
		}
		return dispatch.AddTask{StoryID: args[0], Estimation: v, Summary: strings.Join(args[2:], " ")}, nil
	case "rmtask":
		if len(args) != 2 {
			return nil, fmt.Errorf("%w: rmtask <story> <task>", errUsage)
		}
		return dispatch.DeleteTask{StoryID: args[0], TaskID: args[1]}, nil
	case "force":
		return dispatch.ForceSelections{}, nil
	case "reset":
		return dispatch.ResetRound{}, nil
	}
	return nil, fmt.Errorf("%w %q", errUnknown, fields[0])
}

func parseCard(s string) (models.CardValue, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", models.ErrInvalidCard, s)
	}
	return models.ParseCardValue(n)
}

func listSessions(w io.Writer, tracked []models.SessionSummary, active *models.Session) {
	if len(tracked) == 0 {
		fmt.Fprintln(w, "no sessions")
		return
	}
	for _, s := range tracked {
		marker := " "
		if active != nil && active.ID == s.ID {
			marker = "*"
		}
		owner := ""
		if s.IsOwner {
			owner = " (owner)"
		}
		fmt.Fprintf(w, "%s %s %s%s\n", marker, s.Code, s.ID, owner)
	}
}

// render prints the session. Other players' cards stay hidden until the
// round has a result.
func render(w io.Writer, s *models.Session, ident models.Identity) {
	if s == nil {
		fmt.Fprintln(w, "no active session")
		return
	}
	fmt.Fprintf(w, "session %s", s.Code)
	if s.IsOwner {
		fmt.Fprint(w, " (owner)")
	}
	fmt.Fprintln(w)

	for _, p := range s.Players {
		card := "-"
		switch {
		case p.Selection != nil && (s.Result != nil || p.ID == ident.PlayerID()):
			card = strconv.Itoa(int(*p.Selection))
		case p.Selection != nil:
			card = "ready"
		}
		fmt.Fprintf(w, "  %-16s %s\n", p.Name, card)
	}

	if s.Result != nil {
		fmt.Fprintf(w, "result: %d (consensus %.0f%%)\n", s.Result.Average, s.Result.Consensus*100)
	}
	if n := len(s.History); n > 0 {
		fmt.Fprintf(w, "rounds played: %d\n", n)
	}

	for _, st := range s.Stories {
		fmt.Fprintf(w, "story %s: %s\n", st.ID, st.Summary)
		if st.Description != "" {
			fmt.Fprintf(w, "    %s\n", st.Description)
		}
		for _, t := range st.Tasks {
			fmt.Fprintf(w, "    task %s: %s [%d]\n", t.ID, t.Summary, t.Estimation)
		}
	}
}
