// Package console is the operator's interactive command line. Each command
// is parsed against a typed parameter list and turned into a robot message
// that is broadcast to every connected robot.
package console

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/chzyer/readline"
	"github.com/fatih/color"

	"github.com/trzy/RoBart/internal/robot"
)

// ErrQuit is returned by Execute for the quit command.
var ErrQuit = errors.New("quit")

type ParamType int

const (
	String ParamType = iota
	Int
	Float
)

func (t ParamType) String() string {
	switch t {
	case Int:
		return "int"
	case Float:
		return "float"
	default:
		return "str"
	}
}

// Param describes one positional argument. A param with a non-nil Default is
// optional and must follow every required param.
type Param struct {
	Name    string
	Type    ParamType
	Values  []string
	Range   []float64 // [min, max], numeric types only
	Default any
}

// Args holds parsed arguments by param name.
type Args map[string]any

func (a Args) String(name string) string {
	s, _ := a[name].(string)
	return s
}

func (a Args) Int(name string) int {
	n, _ := a[name].(int)
	return n
}

func (a Args) Float(name string) float64 {
	f, _ := a[name].(float64)
	return f
}

// Bool reports whether the named string argument equals truthy.
func (a Args) Bool(name, truthy string) bool { return a.String(name) == truthy }

type Command struct {
	Names  []string
	Params []Param
	Run    func(c *Console, args Args) error
}

// Sender delivers a command message to the robots.
type Sender interface {
	Send(m any) (int, error)
}

type Console struct {
	sender   Sender
	out      io.Writer
	commands []Command
	byName   map[string]*Command
}

// New builds a console over the standard command table.
func New(sender Sender, out io.Writer) (*Console, error) {
	return NewWithCommands(sender, out, DefaultCommands())
}

// NewWithCommands validates cmds and builds a console over them.
func NewWithCommands(sender Sender, out io.Writer, cmds []Command) (*Console, error) {
	c := &Console{sender: sender, out: out, commands: cmds, byName: make(map[string]*Command)}
	for i := range cmds {
		cmd := &cmds[i]
		if err := validate(cmd); err != nil {
			return nil, err
		}
		for _, name := range cmd.Names {
			if _, dup := c.byName[name]; dup {
				return nil, fmt.Errorf("command %q defined twice", name)
			}
			c.byName[name] = cmd
		}
	}
	return c, nil
}

func validate(cmd *Command) error {
	if len(cmd.Names) == 0 {
		return errors.New("command has no name")
	}
	optional := false
	seen := make(map[string]struct{})
	for _, p := range cmd.Params {
		if optional && p.Default == nil {
			return fmt.Errorf("command %q is ill-defined: optional parameters must follow required ones", cmd.Names[0])
		}
		optional = optional || p.Default != nil
		if _, dup := seen[p.Name]; dup {
			return fmt.Errorf("command %q has multiple parameters named %q", cmd.Names[0], p.Name)
		}
		seen[p.Name] = struct{}{}
		if len(p.Range) != 0 && (len(p.Range) != 2 || p.Type == String) {
			return fmt.Errorf("command %q has an invalid range for parameter %q", cmd.Names[0], p.Name)
		}
	}
	return nil
}

// Execute parses and runs one line. Usage errors are reported to the
// console's output and returned.
func (c *Console) Execute(line string) error {
	words := strings.Fields(line)
	if len(words) == 0 {
		return nil
	}
	cmd, ok := c.byName[words[0]]
	if !ok {
		err := fmt.Errorf("invalid command: %s", words[0])
		c.errorf("Error: %v. Use \"help\" for a list of commands.", err)
		return err
	}
	args, err := parseArgs(cmd.Params, words[1:])
	if err != nil {
		c.errorf("Error: %v", err)
		return err
	}
	return cmd.Run(c, args)
}

func parseArgs(params []Param, words []string) (Args, error) {
	args := make(Args, len(params))
	for i, p := range params {
		if i >= len(words) {
			if p.Default == nil {
				return nil, fmt.Errorf("missing required parameter: %s", p.Name)
			}
			args[p.Name] = p.Default
			continue
		}
		v, err := parseValue(p, words[i])
		if err != nil {
			return nil, err
		}
		args[p.Name] = v
	}
	return args, nil
}

func parseValue(p Param, word string) (any, error) {
	if len(p.Values) > 0 && !contains(p.Values, word) {
		return nil, fmt.Errorf("parameter %q must be one of: %s", p.Name, strings.Join(p.Values, ", "))
	}
	var (
		v   any
		num float64
	)
	switch p.Type {
	case Int:
		n, err := strconv.Atoi(word)
		if err != nil {
			return nil, fmt.Errorf("parameter %q must be an integer value", p.Name)
		}
		v, num = n, float64(n)
	case Float:
		f, err := strconv.ParseFloat(word, 64)
		if err != nil {
			return nil, fmt.Errorf("parameter %q must be a float value", p.Name)
		}
		v, num = f, f
	default:
		return word, nil
	}
	if len(p.Range) == 2 && (num < p.Range[0] || num > p.Range[1]) {
		return nil, fmt.Errorf("parameter %q must be in range: [%g,%g]", p.Name, p.Range[0], p.Range[1])
	}
	return v, nil
}

func contains(values []string, s string) bool {
	for _, v := range values {
		if v == s {
			return true
		}
	}
	return false
}

// Send forwards m to the robots and reports the outcome.
func (c *Console) Send(m any, what string) error {
	n, err := c.sender.Send(m)
	if err != nil {
		c.errorf("Error: %v", err)
		return err
	}
	if n == 0 {
		color.New(color.FgYellow).Fprintf(c.out, "No robot connected; %s not sent\n", what)
		return nil
	}
	color.New(color.FgGreen).Fprintf(c.out, "Sent %s\n", what)
	return nil
}

func (c *Console) errorf(format string, a ...any) {
	color.New(color.FgRed).Fprintf(c.out, format+"\n", a...)
}

// Help writes the command summary.
func (c *Console) Help() {
	color.New(color.FgMagenta).Fprintln(c.out, "Commands:")
	width := 0
	for _, cmd := range c.commands {
		width = max(width, len(strings.Join(cmd.Names, "|")))
	}
	for _, cmd := range c.commands {
		parts := make([]string, 0, len(cmd.Params))
		for _, p := range cmd.Params {
			parts = append(parts, describe(p))
		}
		fmt.Fprintf(c.out, "%-*s  %s\n", width, strings.Join(cmd.Names, "|"), strings.Join(parts, " "))
	}
}

func describe(p Param) string {
	open, closeBracket := "<", ">"
	if p.Default != nil {
		open, closeBracket = "[", "]"
	}
	s := open + p.Name + ":" + p.Type.String()
	if len(p.Values) > 0 {
		s += "=" + strings.Join(p.Values, "|")
	}
	if p.Default != nil {
		s += fmt.Sprintf(" (default %v)", p.Default)
	}
	return s + closeBracket
}

func (c *Console) completer() *readline.PrefixCompleter {
	items := make([]readline.PrefixCompleterInterface, 0, len(c.byName))
	for _, cmd := range c.commands {
		var children []readline.PrefixCompleterInterface
		if len(cmd.Params) > 0 {
			for _, v := range cmd.Params[0].Values {
				children = append(children, readline.PcItem(v))
			}
		}
		for _, name := range cmd.Names {
			items = append(items, readline.PcItem(name, children...))
		}
	}
	return readline.NewPrefixCompleter(items...)
}

// Run reads commands from the terminal until quit, end of input or ctx is
// cancelled.
func (c *Console) Run(ctx context.Context) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          color.GreenString(">> "),
		AutoComplete:    c.completer(),
		InterruptPrompt: "^C",
		EOFPrompt:       "quit",
		Stdout:          c.out,
	})
	if err != nil {
		return fmt.Errorf("console: %w", err)
	}
	defer rl.Close()
	stop := context.AfterFunc(ctx, func() { _ = rl.Close() })
	defer stop()

	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if line == "" {
				return nil
			}
			continue
		}
		if err != nil {
			// io.EOF, or the instance was closed by ctx.
			return nil
		}
		if err := c.Execute(line); errors.Is(err, ErrQuit) {
			return nil
		}
	}
}

// DefaultCommands is the robot command table.
func DefaultCommands() []Command {
	onOff := []string{"on", "off"}
	return []Command{
		{
			Names: []string{"quit", "exit", "q"},
			Run:   func(*Console, Args) error { return ErrQuit },
		},
		{
			Names: []string{"help", "h"},
			Run: func(c *Console, _ Args) error {
				c.Help()
				return nil
			},
		},
		{
			Names: []string{"drive"},
			Params: []Param{
				{Name: "amount", Type: Float},
				{Name: "units", Type: String, Values: []string{"s", "m", "cm"}},
				{Name: "direction", Type: String, Values: []string{"f", "forward", "b", "backward"}, Default: "f"},
				{Name: "speed", Type: Float, Range: []float64{0, 0.05}, Default: 0.03},
			},
			Run: func(c *Console, a Args) error {
				reverse := strings.HasPrefix(a.String("direction"), "b")
				if a.String("units") == "s" {
					return c.Send(robot.DriveForDurationMessage{
						Reverse: reverse,
						Seconds: a.Float("amount"),
						Speed:   a.Float("speed"),
					}, "drive command")
				}
				meters := a.Float("amount")
				if a.String("units") == "cm" {
					meters *= 0.01
				}
				return c.Send(robot.DriveForDistanceMessage{
					Reverse: reverse,
					Meters:  meters,
					Speed:   a.Float("speed"),
				}, "drive command")
			},
		},
		{
			Names:  []string{"rotate"},
			Params: []Param{{Name: "degrees", Type: Float}},
			Run: func(c *Console, a Args) error {
				return c.Send(robot.RotateMessage{Degrees: a.Float("degrees")}, "rotate command")
			},
		},
		{
			Names:  []string{"forward"},
			Params: []Param{{Name: "meters", Type: Float}},
			Run: func(c *Console, a Args) error {
				return c.Send(robot.DriveForwardMessage{DeltaMeters: a.Float("meters")}, "forward command")
			},
		},
		{
			Names:  []string{"throttle"},
			Params: []Param{{Name: "max", Type: Float, Range: []float64{0, 1}}},
			Run: func(c *Console, a Args) error {
				return c.Send(robot.ThrottleMessage{MaxThrottle: a.Float("max")}, "throttle setting")
			},
		},
		{
			Names:  []string{"pwm"},
			Params: []Param{{Name: "frequency", Type: Int, Range: []float64{1, 1 << 16}}},
			Run: func(c *Console, a Args) error {
				return c.Send(robot.PWMSettingsMessage{PWMFrequency: a.Int("frequency")}, "pwm setting")
			},
		},
		{
			Names: []string{"watchdog"},
			Params: []Param{
				{Name: "state", Type: String, Values: onOff},
				{Name: "timeout", Type: Float, Range: []float64{0, 60}, Default: 1.0},
			},
			Run: func(c *Console, a Args) error {
				return c.Send(robot.WatchdogSettingsMessage{
					Enabled:        a.Bool("state", "on"),
					TimeoutSeconds: a.Float("timeout"),
				}, "watchdog settings")
			},
		},
		{
			Names: []string{"pid"},
			Params: []Param{
				{Name: "which", Type: String},
				{Name: "Kp", Type: Float},
				{Name: "Ki", Type: Float},
				{Name: "Kd", Type: Float},
			},
			Run: func(c *Console, a Args) error {
				return c.Send(robot.PIDGainsMessage{
					WhichPID: a.String("which"),
					Kp:       a.Float("Kp"),
					Ki:       a.Float("Ki"),
					Kd:       a.Float("Kd"),
				}, "pid gains")
			},
		},
		{
			Names:  []string{"tolerance"},
			Params: []Param{{Name: "meters", Type: Float, Range: []float64{0, 10}}},
			Run: func(c *Console, a Args) error {
				return c.Send(robot.PositionGoalToleranceMessage{PositionGoalTolerance: a.Float("meters")}, "goal tolerance")
			},
		},
		{
			Names: []string{"geometry"},
			Params: []Param{
				{Name: "planes", Type: String, Values: onOff},
				{Name: "meshes", Type: String, Values: onOff},
			},
			Run: func(c *Console, a Args) error {
				return c.Send(robot.RenderSceneGeometryMessage{
					Planes: a.Bool("planes", "on"),
					Meshes: a.Bool("meshes", "on"),
				}, "geometry settings")
			},
		},
		{
			Names: []string{"map"},
			Run: func(c *Console, _ Args) error {
				return c.Send(robot.RequestOccupancyMapMessage{}, "occupancy map request")
			},
		},
		{
			Names: []string{"view"},
			Run: func(c *Console, _ Args) error {
				return c.Send(robot.RequestAnnotatedViewMessage{}, "annotated view request")
			},
		},
	}
}
