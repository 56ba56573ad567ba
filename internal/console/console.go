// Package console provides the interactive command line for driving a desk.
package console

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/chzyer/readline"

	"linak-desk/internal/desk"
)

// Controller is the desk surface the console drives.
type Controller interface {
	Events() *desk.EventBus
	State() desk.State
	FavoriteSlots() int
	MoveToCm(ctx context.Context, cm float64) (*desk.Move, error)
	MoveToFavorite(ctx context.Context, index int) (*desk.Move, error)
	MoveToTop(ctx context.Context) (*desk.Move, error)
	MoveToBottom(ctx context.Context) (*desk.Move, error)
	MoveUp(ctx context.Context) (*desk.Move, error)
	MoveDown(ctx context.Context) (*desk.Move, error)
	StopMoving(ctx context.Context) error
	SetFavorite(ctx context.Context, index int, cm *float64) error
	SetDeskOffset(ctx context.Context, cm float64) error
	SetReminder(ctx context.Context, slot int) error
	SetUnitInch(ctx context.Context, inch bool) error
	SetLightGuide(ctx context.Context, on bool) error
}

// commandTimeout bounds each console command.
const commandTimeout = 10 * time.Second

var errUsage = errors.New("usage")

// Console handles interactive mode.
type Console struct {
	desk  Controller
	rl    *readline.Instance
	out   io.Writer
	unsub func()
}

// New creates a console reading from the terminal.
func New(d Controller) (*Console, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "desk> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete:    completer(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create readline: %w", err)
	}
	c := newConsole(d, rl.Stdout())
	c.rl = rl
	return c, nil
}

func newConsole(d Controller, out io.Writer) *Console {
	c := &Console{desk: d, out: out}
	c.unsub = d.Events().OnAll(c.handleEvent)
	return c
}

func completer() *readline.PrefixCompleter {
	return readline.NewPrefixCompleter(
		readline.PcItem("status"),
		readline.PcItem("up"),
		readline.PcItem("down"),
		readline.PcItem("top"),
		readline.PcItem("bottom"),
		readline.PcItem("stop"),
		readline.PcItem("move"),
		readline.PcItem("fav"),
		readline.PcItem("setfav"),
		readline.PcItem("offset"),
		readline.PcItem("unit", readline.PcItem("cm"), readline.PcItem("inch")),
		readline.PcItem("guide", readline.PcItem("on"), readline.PcItem("off")),
		readline.PcItem("reminder"),
		readline.PcItem("help"),
		readline.PcItem("quit"),
	)
}

// Stdout returns a writer that coordinates with the readline prompt. Use it
// for log output so lines do not tear the prompt.
func (c *Console) Stdout() io.Writer {
	return c.out
}

// Run reads commands until quit, EOF or ctx is done. It calls cancel on exit.
func (c *Console) Run(ctx context.Context, cancel context.CancelFunc) {
	defer c.rl.Close()
	defer c.unsub()

	c.printHelp()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line, err := c.rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) {
				continue
			}
			fmt.Fprintln(c.out, "Exiting...")
			cancel()
			return
		}
		if c.Execute(ctx, line) {
			fmt.Fprintln(c.out, "Exiting...")
			cancel()
			return
		}
	}
}

// Execute runs one command line and reports whether the console should exit.
func (c *Console) Execute(ctx context.Context, line string) bool {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return false
	}
	cmd := strings.ToLower(parts[0])
	args := parts[1:]

	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	var err error
	switch cmd {
	case "help", "?":
		c.printHelp()
	case "status", "s":
		c.printStatus()
	case "up":
		err = c.move(c.desk.MoveUp(ctx))
	case "down":
		err = c.move(c.desk.MoveDown(ctx))
	case "top":
		err = c.move(c.desk.MoveToTop(ctx))
	case "bottom":
		err = c.move(c.desk.MoveToBottom(ctx))
	case "stop":
		err = c.desk.StopMoving(ctx)
	case "move", "m":
		err = c.cmdMove(ctx, args)
	case "fav", "f":
		err = c.cmdFavorite(ctx, args)
	case "setfav":
		err = c.cmdSetFavorite(ctx, args)
	case "offset":
		err = c.cmdOffset(ctx, args)
	case "unit":
		err = c.cmdUnit(ctx, args)
	case "guide":
		err = c.cmdGuide(ctx, args)
	case "reminder":
		err = c.cmdReminder(ctx, args)
	case "quit", "exit", "q":
		return true
	default:
		fmt.Fprintf(c.out, "Unknown command: %s (type 'help' for commands)\n", cmd)
		return false
	}

	switch {
	case errors.Is(err, errUsage):
		fmt.Fprintf(c.out, "Usage: %s\n", usage[cmd])
	case errors.Is(err, desk.ErrAlreadyAtTarget):
		fmt.Fprintln(c.out, "Already there.")
	case err != nil:
		fmt.Fprintf(c.out, "Error: %v\n", err)
	}
	return false
}

var usage = map[string]string{
	"move":     "move <cm>",
	"m":        "move <cm>",
	"fav":      "fav <n>",
	"f":        "fav <n>",
	"setfav":   "setfav <n> <cm|off>",
	"offset":   "offset <cm>",
	"unit":     "unit cm|inch",
	"guide":    "guide on|off",
	"reminder": "reminder <0-3>",
}

func (c *Console) move(mv *desk.Move, err error) error {
	if err != nil {
		return err
	}
	if mv == nil {
		fmt.Fprintln(c.out, "Nothing to do.")
		return nil
	}
	fmt.Fprintf(c.out, "Moving (%s)\n", mv.Name())
	return nil
}

func (c *Console) cmdMove(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errUsage
	}
	cm, err := strconv.ParseFloat(args[0], 64)
	if err != nil {
		return errUsage
	}
	return c.move(c.desk.MoveToCm(ctx, cm))
}

func (c *Console) cmdFavorite(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errUsage
	}
	n, err := strconv.Atoi(args[0])
	if err != nil {
		return errUsage
	}
	return c.move(c.desk.MoveToFavorite(ctx, n))
}

func (c *Console) cmdSetFavorite(ctx context.Context, args []string) error {
	if len(args) != 2 {
		return errUsage
	}
	n, err := strconv.Atoi(args[0])
	if err != nil {
		return errUsage
	}
	var cm *float64
	if args[1] != "off" {
		v, err := strconv.ParseFloat(args[1], 64)
		if err != nil {
			return errUsage
		}
		cm = &v
	}
	if err := c.desk.SetFavorite(ctx, n, cm); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "Favorite %d saved.\n", n)
	return nil
}

func (c *Console) cmdOffset(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errUsage
	}
	cm, err := strconv.ParseFloat(args[0], 64)
	if err != nil {
		return errUsage
	}
	return c.desk.SetDeskOffset(ctx, cm)
}

func (c *Console) cmdUnit(ctx context.Context, args []string) error {
	if len(args) != 1 || (args[0] != "cm" && args[0] != "inch") {
		return errUsage
	}
	return c.desk.SetUnitInch(ctx, args[0] == "inch")
}

func (c *Console) cmdGuide(ctx context.Context, args []string) error {
	if len(args) != 1 || (args[0] != "on" && args[0] != "off") {
		return errUsage
	}
	return c.desk.SetLightGuide(ctx, args[0] == "on")
}

func (c *Console) cmdReminder(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return errUsage
	}
	n, err := strconv.Atoi(args[0])
	if err != nil {
		return errUsage
	}
	return c.desk.SetReminder(ctx, n)
}

func (c *Console) printStatus() {
	s := c.desk.State()
	fmt.Fprintf(c.out, "Desk:       %s %s\n", s.Address, s.Name)
	fmt.Fprintf(c.out, "Connected:  %v (ready: %v)\n", s.Connected, s.Ready)
	if s.HeightCm != nil {
		fmt.Fprintf(c.out, "Height:     %.1f cm\n", *s.HeightCm)
	} else {
		fmt.Fprintln(c.out, "Height:     unknown")
	}
	if s.Speed != nil {
		fmt.Fprintf(c.out, "Speed:      %d\n", *s.Speed)
	}
	if s.Move != "" {
		fmt.Fprintf(c.out, "Move:       %s\n", s.Move)
	}
	for _, f := range s.Favorites {
		if f.Cm != nil {
			fmt.Fprintf(c.out, "Favorite %d: %.1f cm\n", f.Slot, *f.Cm)
		} else {
			fmt.Fprintf(c.out, "Favorite %d: off\n", f.Slot)
		}
	}
	if r := s.Reminder; r != nil {
		unit := "cm"
		if r.Inch {
			unit = "inch"
		}
		fmt.Fprintf(c.out, "Reminder:   %d, unit %s, light guide %v\n", r.Active, unit, r.LightGuide)
	}
	if s.LastError != "" {
		fmt.Fprintf(c.out, "Last error: %s\n", s.LastError)
	}
}

func (c *Console) handleEvent(ev desk.Event) {
	switch ev.Type {
	case desk.EventMoveState:
		if state, _ := ev.Data["state"].(string); desk.MoveState(state).Terminal() {
			fmt.Fprintf(c.out, "[move] %v %s\n", ev.Data["move"], state)
		}
	case desk.EventDeskError:
		fmt.Fprintf(c.out, "[desk error] %v\n", ev.Data["code"])
	case desk.EventConnection:
		fmt.Fprintf(c.out, "[connection] %v\n", ev.Data["state"])
	}
}

func (c *Console) printHelp() {
	fmt.Fprintf(c.out, `
Desk Commands:
  status              - Show height, favorites and settings
  up | down           - Move until stopped
  top | bottom        - Move to the end of travel
  stop                - Stop moving
  move <cm>           - Move to a height
  fav <n>             - Move to favorite n (1-%d)
  setfav <n> <cm|off> - Store or clear favorite n
  offset <cm>         - Declare the current height
  unit cm|inch        - Display unit
  guide on|off        - Light guide
  reminder <0-3>      - Select sit/stand reminder (0 = off)
  help                - Show this help
  quit                - Exit
`, c.desk.FavoriteSlots())
}
