// Package control implements the remote command surface: a small fixed
// grammar, prefixed "/astrbook", arriving from arbitrary chat sessions. It
// reads and mutates the other components synchronously and always answers
// with a short human-readable string, never an error value.
package control

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"astrbook/internal/channel"
	"astrbook/internal/journal"
	"astrbook/internal/logging"
	"astrbook/internal/persona"
	"astrbook/internal/pipeline"
	"astrbook/internal/schedule"
	"astrbook/internal/session"
)

const prefix = "/astrbook"

const usage = `AstrBook commands:
/astrbook status - adapter status
/astrbook reset - reset the forum conversation session
/astrbook new - start a fresh forum conversation
/astrbook persona - show the active persona
/astrbook persona list - list available personas
/astrbook persona <name> - switch persona
/astrbook persona unset - clear the persona
/astrbook browse - trigger a browse cycle now`

// Connection exposes the connection manager's status snapshot.
type Connection interface {
	Status() channel.Status
}

// Browser exposes the scheduler's manual trigger and status.
type Browser interface {
	TriggerNow(ctx context.Context) error
	Status() schedule.Status
}

// Stats exposes the pipeline counters for status output.
type Stats interface {
	Stats() pipeline.Stats
}

// Interpreter dispatches control commands against the live components.
type Interpreter struct {
	conn     Connection
	browser  Browser
	personas *persona.State
	session  *session.Session
	journal  *journal.Journal
	stats    Stats
	logger   logging.Logger
}

// New creates a command interpreter over the adapter's components.
func New(conn Connection, browser Browser, personas *persona.State, sess *session.Session, j *journal.Journal, stats Stats, logger logging.Logger) (*Interpreter, error) {
	if conn == nil || browser == nil || personas == nil || sess == nil || j == nil {
		return nil, fmt.Errorf("control interpreter requires connection, browser, personas, session and journal")
	}
	return &Interpreter{
		conn:     conn,
		browser:  browser,
		personas: personas,
		session:  sess,
		journal:  j,
		stats:    stats,
		logger:   logging.OrNop(logger),
	}, nil
}

// IsCommand reports whether text is addressed to the interpreter.
func IsCommand(text string) bool {
	fields := strings.Fields(text)
	return len(fields) > 0 && strings.EqualFold(fields[0], prefix)
}

// Handle parses and executes one command. The reply is always a terse
// status string; malformed input gets the usage text, never a raised error.
func (i *Interpreter) Handle(ctx context.Context, text string) string {
	fields := strings.Fields(text)
	if len(fields) == 0 || !strings.EqualFold(fields[0], prefix) {
		return usage
	}
	args := fields[1:]
	if len(args) == 0 {
		return usage
	}

	switch strings.ToLower(args[0]) {
	case "help":
		return usage
	case "status":
		return i.statusText()
	case "reset":
		id := i.session.Renew()
		i.logger.Info("Forum session reset by control command")
		return fmt.Sprintf("Forum session reset. New session: %s", id)
	case "new":
		id := i.session.Renew()
		return fmt.Sprintf("Started a fresh forum conversation: %s", id)
	case "persona":
		return i.handlePersona(ctx, args[1:])
	case "browse":
		return i.handleBrowse(ctx)
	default:
		return fmt.Sprintf("Unknown command %q.\n%s", args[0], usage)
	}
}

func (i *Interpreter) handlePersona(ctx context.Context, args []string) string {
	if len(args) == 0 {
		if active := i.personas.Current(); active.Set {
			return fmt.Sprintf("Active persona: %s", active.Name)
		}
		return "No persona set (using the default profile)."
	}
	switch strings.ToLower(args[0]) {
	case "list":
		personas, err := i.personas.List(ctx)
		if err != nil {
			return fmt.Sprintf("Failed to list personas: %v", err)
		}
		if len(personas) == 0 {
			return "No personas configured."
		}
		var b strings.Builder
		b.WriteString("Available personas:\n")
		for _, p := range personas {
			fmt.Fprintf(&b, "- %s\n", p.Name)
		}
		return strings.TrimRight(b.String(), "\n")
	case "unset":
		i.personas.Unset()
		return "Persona cleared."
	default:
		name := strings.Join(args, " ")
		if err := i.personas.Switch(ctx, name); err != nil {
			if errors.Is(err, persona.ErrNotFound) {
				return fmt.Sprintf("Persona %q not found. Try /astrbook persona list.", name)
			}
			return fmt.Sprintf("Persona switch failed: %v", err)
		}
		return fmt.Sprintf("Persona switched to %s.", i.personas.Current().Name)
	}
}

func (i *Interpreter) handleBrowse(ctx context.Context) string {
	err := i.browser.TriggerNow(ctx)
	switch {
	case errors.Is(err, schedule.ErrAlreadyRunning):
		return "A browse cycle is already running."
	case err != nil:
		return fmt.Sprintf("Browse failed: %v", err)
	default:
		return "Browse cycle completed."
	}
}

func (i *Interpreter) statusText() string {
	conn := i.conn.Status()
	sched := i.browser.Status()

	var b strings.Builder
	b.WriteString("AstrBook adapter status\n")
	fmt.Fprintf(&b, "Connection: %s", conn.State)
	if conn.Fatal != "" {
		fmt.Fprintf(&b, " (fatal: %s)", conn.Fatal)
	} else if conn.State == channel.StateBackoff {
		fmt.Fprintf(&b, " (attempt %d, retry at %s)", conn.Attempt, conn.RetryAt.Format(time.TimeOnly))
	}
	b.WriteString("\n")
	if conn.BotUserID != 0 {
		fmt.Fprintf(&b, "Bot user id: %d\n", conn.BotUserID)
	}
	fmt.Fprintf(&b, "Session: %s\n", i.session.ID())
	if active := i.personas.Current(); active.Set {
		fmt.Fprintf(&b, "Persona: %s\n", active.Name)
	} else {
		b.WriteString("Persona: (unset)\n")
	}
	fmt.Fprintf(&b, "Memory: %d records\n", i.journal.Len())
	if i.stats != nil {
		st := i.stats.Stats()
		fmt.Fprintf(&b, "Events: %d handled, %d duplicates, %d dispatched, %d pending\n",
			st.Handled, st.Duplicates, st.Dispatched, st.Pending)
	}
	if !sched.Enabled {
		b.WriteString("Browse: disabled")
	} else {
		state := "idle"
		if sched.Running {
			state = "running"
		}
		if sched.Cron != "" {
			fmt.Fprintf(&b, "Browse: %s, cron %q", state, sched.Cron)
		} else {
			fmt.Fprintf(&b, "Browse: %s, every %s", state, sched.Interval)
		}
		if !sched.LastRun.IsZero() {
			fmt.Fprintf(&b, ", last run %s", sched.LastRun.Format(time.TimeOnly))
		}
		if sched.LastError != "" {
			fmt.Fprintf(&b, ", last error: %s", sched.LastError)
		}
	}
	return b.String()
}
