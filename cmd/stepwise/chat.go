package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/antoniostano/stepwise/internal/app"
	"github.com/antoniostano/stepwise/internal/orchestrator"
	"github.com/antoniostano/stepwise/internal/tasks"
)

var chatUser string

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Talk to the assistant in the terminal",
	Long: `Start an interactive session against the local assistant. Plain lines are
sent as chat messages; lines starting with / are commands:

  /tasks           list tasks and the focused step
  /new <goal>      create a task and ask for a plan
  /advance         mark the current step done
  /pause <id>      pause a task
  /resume <id>     resume a task
  /select <id>     focus a task
  /progress <id> <n> [label]
  /clear           clear the chat log
  /quit            leave`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		built, err := app.Build(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer func() {
			if err := built.Cleanup(context.Background()); err != nil {
				logger.Warn("cleanup failed", zap.Error(err))
			}
		}()

		s, reused, err := built.Sessions.Create(ctx, chatUser)
		if err != nil {
			return err
		}
		r := &repl{
			orch:      built.Orchestrator,
			sessionID: s.ID,
			in:        cmd.InOrStdin(),
			out:       cmd.OutOrStdout(),
		}
		if reused {
			fmt.Fprintf(r.out, "resumed session %s\n", s.ID)
		}
		if ws, err := built.Sessions.Workspace(s.ID); err == nil {
			r.printSnapshot(ws.Tasks.Snapshot())
		}
		return r.run(ctx)
	},
}

func init() {
	chatCmd.Flags().StringVar(&chatUser, "user", "local", "User id whose tasks and chat history are loaded")
}

type repl struct {
	orch      *orchestrator.Orchestrator
	sessionID string
	in        io.Reader
	out       io.Writer
}

func (r *repl) run(ctx context.Context) error {
	scanner := bufio.NewScanner(r.in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	fmt.Fprint(r.out, "> ")
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			fmt.Fprint(r.out, "> ")
			continue
		}
		quit, err := r.handle(ctx, line)
		if err != nil {
			fmt.Fprintf(r.out, "error: %v\n", err)
		}
		if quit {
			return nil
		}
		fmt.Fprint(r.out, "> ")
	}
	return scanner.Err()
}

func (r *repl) handle(ctx context.Context, line string) (bool, error) {
	if !strings.HasPrefix(line, "/") {
		return false, r.turn(ctx, func(ctx context.Context, onDelta func(string) error) (orchestrator.Turn, error) {
			return r.orch.HandleUtterance(ctx, r.sessionID, line, onDelta)
		})
	}

	cmd, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)
	switch cmd {
	case "/quit", "/exit":
		return true, nil
	case "/tasks":
		snap, err := r.orch.Snapshot(r.sessionID)
		if err != nil {
			return false, err
		}
		r.printSnapshot(snap)
	case "/new":
		if rest == "" {
			return false, errors.New("usage: /new <goal>")
		}
		return false, r.turn(ctx, func(ctx context.Context, onDelta func(string) error) (orchestrator.Turn, error) {
			return r.orch.NewTask(ctx, r.sessionID, rest, onDelta)
		})
	case "/advance":
		res, ok, err := r.orch.AdvanceStep(r.sessionID)
		if err != nil {
			return false, err
		}
		switch {
		case !ok:
			fmt.Fprintln(r.out, "nothing to advance")
		case res.Completed:
			fmt.Fprintln(r.out, "task completed")
		case res.NextStep != nil:
			fmt.Fprintf(r.out, "next: %s\n", res.NextStep.Title)
		}
	case "/pause", "/resume", "/select":
		if rest == "" {
			return false, fmt.Errorf("usage: %s <task id>", cmd)
		}
		var (
			snap tasks.Snapshot
			err  error
		)
		switch cmd {
		case "/pause":
			snap, err = r.orch.PauseTask(r.sessionID, rest)
		case "/resume":
			snap, err = r.orch.ResumeTask(r.sessionID, rest)
		default:
			snap, err = r.orch.SelectTask(r.sessionID, rest)
		}
		if err != nil {
			return false, err
		}
		r.printSnapshot(snap)
	case "/progress":
		fields := strings.SplitN(rest, " ", 3)
		if len(fields) < 2 {
			return false, errors.New("usage: /progress <task id> <0-100> [label]")
		}
		n, err := strconv.Atoi(fields[1])
		if err != nil {
			return false, fmt.Errorf("progress %q: %w", fields[1], err)
		}
		var label *string
		if len(fields) == 3 {
			label = &fields[2]
		}
		task, err := r.orch.SetProgress(r.sessionID, fields[0], n, label)
		if err != nil {
			return false, err
		}
		fmt.Fprintf(r.out, "%s: %d%% %s\n", task.Title, task.Progress, task.StatusLabel)
	case "/clear":
		if err := r.orch.ClearMessages(r.sessionID); err != nil {
			return false, err
		}
		fmt.Fprintln(r.out, "chat cleared")
	default:
		return false, fmt.Errorf("unknown command %s", cmd)
	}
	return false, nil
}

// turn streams one reply to the terminal. Ctrl-C cancels the reply and
// keeps the partial text.
func (r *repl) turn(ctx context.Context, run func(context.Context, func(string) error) (orchestrator.Turn, error)) error {
	turnCtx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	result, err := run(turnCtx, func(delta string) error {
		_, err := io.WriteString(r.out, delta)
		return err
	})
	if err != nil {
		return err
	}
	fmt.Fprintln(r.out)
	switch result.Outcome {
	case orchestrator.OutcomeCancelled:
		fmt.Fprintln(r.out, "[cancelled]")
	case orchestrator.OutcomeFailed:
		fmt.Fprintln(r.out, orchestrator.FailureText)
	}
	if result.Advance != nil && result.Advance.Completed {
		fmt.Fprintln(r.out, "task completed")
	}
	return nil
}

func (r *repl) printSnapshot(snap tasks.Snapshot) {
	if len(snap.Tasks) == 0 {
		fmt.Fprintln(r.out, "no tasks yet; describe a goal or use /new <goal>")
		return
	}
	for _, t := range snap.Tasks {
		marker := " "
		if t.ID == snap.CurrentTaskID {
			marker = "*"
		}
		state := string(t.Status)
		if t.Paused() {
			state = "paused"
		}
		fmt.Fprintf(r.out, "%s %s  %s  [%s] %d%%", marker, t.ID, t.Title, state, t.Progress)
		if t.StatusLabel != "" {
			fmt.Fprintf(r.out, "  %s", t.StatusLabel)
		}
		fmt.Fprintln(r.out)
		if t.ID != snap.CurrentTaskID {
			continue
		}
		for i, s := range t.Steps {
			check := "[ ]"
			switch s.Status {
			case tasks.StepDone:
				check = "[x]"
			case tasks.StepDoing:
				check = "[>]"
			}
			fmt.Fprintf(r.out, "    %s %d. %s\n", check, i+1, s.Title)
		}
	}
}
