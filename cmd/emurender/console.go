package main

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/chzyer/readline"

	"github.com/gogpu/emurender"
)

const consolePrompt = "\033[32memurender>\033[0m "

const consoleHelp = `commands:
  stats                              handle table and memory occupancy
  features                           guest feature flags
  displays                           list displays with pose and window
  screenshot FILE [DISPLAY [ROT]]    write a PNG of a display
  save FILE                          write a snapshot
  cleanup PUID                       tear down a guest process
  repost [DISPLAY]                   present the last frame again
  window DISPLAY W H [ORIENTATION]   resize or rotate a display window
  visible DISPLAY on|off             show or hide a display window
  help                               this text
  quit                               stop the renderer`

// runConsole serves the debug console on the terminal until quit, EOF or
// ctx is done.
func runConsole(ctx context.Context, r *emurender.Renderer) {
	l, err := readline.NewEx(&readline.Config{
		Prompt:            consolePrompt,
		HistoryFile:       historyFile(),
		InterruptPrompt:   "^C",
		EOFPrompt:         "quit",
		HistorySearchFold: true,
		AutoComplete: readline.NewPrefixCompleter(
			readline.PcItem("stats"),
			readline.PcItem("features"),
			readline.PcItem("displays"),
			readline.PcItem("screenshot"),
			readline.PcItem("save"),
			readline.PcItem("cleanup"),
			readline.PcItem("repost"),
			readline.PcItem("window"),
			readline.PcItem("visible", readline.PcItem("on"), readline.PcItem("off")),
			readline.PcItem("help"),
			readline.PcItem("quit"),
		),
	})
	if err != nil {
		emurender.Logger().Warn("console unavailable", "err", err)
		return
	}
	defer l.Close()
	go func() {
		<-ctx.Done()
		l.Close()
	}()

	c := &console{r: r, out: l.Stdout()}
	for {
		line, err := l.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if line == "" {
				return
			}
			continue
		}
		if err != nil {
			return
		}
		args := strings.Fields(line)
		if len(args) == 0 {
			continue
		}
		if args[0] == "quit" || args[0] == "exit" {
			return
		}
		if err := c.exec(ctx, args); err != nil {
			fmt.Fprintln(c.out, "error:", err)
		}
	}
}

func historyFile() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return ""
	}
	return dir + "/emurender-history"
}

type console struct {
	r   *emurender.Renderer
	out io.Writer
}

var errUsage = errors.New("bad arguments, try help")

func (c *console) exec(ctx context.Context, args []string) error {
	switch args[0] {
	case "help":
		fmt.Fprintln(c.out, consoleHelp)
	case "stats":
		fmt.Fprintln(c.out, c.r.Stats())
	case "features":
		fmt.Fprintln(c.out, features(c.r.Features()))
	case "displays":
		c.displays()
	case "screenshot":
		return c.screenshot(ctx, args[1:])
	case "save":
		if len(args) != 2 {
			return errUsage
		}
		return c.save(args[1])
	case "cleanup":
		if len(args) != 2 {
			return errUsage
		}
		puid, err := strconv.ParseUint(args[1], 10, 64)
		if err != nil {
			return err
		}
		fmt.Fprintf(c.out, "erased %d color buffers\n", c.r.CleanupProcess(puid))
	case "repost":
		id, err := optUint(args, 1, 0)
		if err != nil {
			return err
		}
		if !c.r.Repost(id) {
			return fmt.Errorf("display %d has no posted frame", id)
		}
	case "window":
		if len(args) < 4 {
			return errUsage
		}
		n, err := ints(args[1:])
		if err != nil {
			return err
		}
		orientation := 0
		if len(n) > 3 {
			orientation = n[3]
		}
		return c.r.UpdateWindow(uint32(n[0]), n[1], n[2], orientation)
	case "visible":
		if len(args) != 3 {
			return errUsage
		}
		id, err := strconv.ParseUint(args[1], 10, 32)
		if err != nil {
			return err
		}
		return c.r.SetDisplayVisible(uint32(id), args[2] == "on")
	default:
		return fmt.Errorf("unknown command %q, try help", args[0])
	}
	return nil
}

func (c *console) displays() {
	t := c.r.Displays()
	for _, id := range t.IDs() {
		pose, _ := t.Pose(id)
		cb, _ := t.ColorBuffer(id)
		fmt.Fprintf(c.out, "display %d: pose (%d,%d) %dx%d dpi %d, color buffer %d", id, pose.X, pose.Y, pose.Width, pose.Height, pose.DPI, cb)
		if w, ok := t.Window(id); ok {
			fmt.Fprintf(c.out, ", window %dx%d rot %d visible %v", w.Width, w.Height, w.Rotation, w.Visible)
		}
		fmt.Fprintln(c.out)
	}
}

func (c *console) screenshot(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return errUsage
	}
	id, err := optUint(args, 1, 0)
	if err != nil {
		return err
	}
	rot, err := optUint(args, 2, 0)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	shot, err := c.r.Screenshot(ctx, id, 4, 0, 0, int(rot))
	if err != nil {
		return err
	}
	img := &image.NRGBA{
		Pix:    shot.Pix,
		Stride: shot.Width * 4,
		Rect:   image.Rect(0, 0, shot.Width, shot.Height),
	}
	f, err := os.Create(args[0])
	if err != nil {
		return err
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "wrote %s (%dx%d)\n", args[0], shot.Width, shot.Height)
	return nil
}

func (c *console) save(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := c.r.Save(f); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "snapshot of %s written to %s\n", c.r.ID(), path)
	return nil
}

func optUint(args []string, i int, def uint32) (uint32, error) {
	if len(args) <= i {
		return def, nil
	}
	v, err := strconv.ParseUint(args[i], 10, 32)
	if err != nil {
		return 0, err
	}
	return uint32(v), nil
}

func ints(args []string) ([]int, error) {
	n := make([]int, len(args))
	for i, a := range args {
		v, err := strconv.Atoi(a)
		if err != nil {
			return nil, err
		}
		n[i] = v
	}
	return n, nil
}
