package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/openqube/guid/internal/config"
	"github.com/openqube/guid/internal/daemon"
	"github.com/openqube/guid/internal/display"
	"github.com/openqube/guid/internal/frameimport"
	"github.com/openqube/guid/internal/lockfile"
	"github.com/openqube/guid/internal/logger"
	"github.com/openqube/guid/internal/registry"
)

func main() {
	var (
		domID       uint32
		vmName      string
		targetDomID uint32
		configPath  string
		frameColor  string
		labelIndex  int
		icon        string
		verbose     int
		quiet       int
		background  bool
		foreground  bool
		invisible   bool
		oobClip     bool
		notifyPID   int
		extraProps  []string
		titlePrefix bool
		trayMode    string
		screensaver []string
		overrideRed string
	)

	root := &cobra.Command{
		Use:           "guid",
		Short:         "GUI virtualization daemon: mirrors one guest's windows onto the host display",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			// Flags overlay the config file.
			if domID != 0 {
				cfg.DomID = domID
			}
			if vmName != "" {
				cfg.VMName = vmName
			}
			if targetDomID != 0 {
				cfg.TargetDomID = targetDomID
			}
			if frameColor != "" {
				cfg.FrameColor = frameColor
			}
			if cmd.Flags().Changed("label") {
				cfg.LabelIndex = labelIndex
			}
			if icon != "" {
				cfg.Icon = icon
			}
			cfg.Background = background
			cfg.Foreground = foreground
			cfg.Invisible = invisible
			if oobClip {
				cfg.OutOfBandClipboard = true
			}
			cfg.NotifyPID = notifyPID
			if titlePrefix {
				cfg.TitlePrefix = true
			}
			if trayMode != "" {
				cfg.TrayIconMode = trayMode
			}
			cfg.ScreensaverNames = append(cfg.ScreensaverNames, screensaver...)
			if overrideRed != "" {
				cfg.OverrideRedirectPolicy = config.OverrideRedirectPolicy(overrideRed)
			}
			for _, p := range extraProps {
				prop, err := config.ParseExtraProperty(p)
				if err != nil {
					return err
				}
				cfg.ExtraProperties = append(cfg.ExtraProperties, prop)
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			if !cfg.Foreground {
				return reexecDetached(cfg)
			}

			if _, err := logger.Open(cfg.VMName, cfg.DomID, cfg.LogDir, logger.Level(cfg.Verbosity, verbose, quiet)); err != nil {
				return err
			}
			return run(cfg)
		},
	}

	f := root.Flags()
	f.Uint32VarP(&domID, "domid", "d", 0, "guest domain id (required)")
	f.StringVarP(&vmName, "name", "N", "", "guest name (required)")
	f.Uint32VarP(&targetDomID, "target", "t", 0, "target domain id (defaults to -d)")
	f.StringVarP(&configPath, "config", "C", "", "config file path")
	f.StringVarP(&frameColor, "color", "c", "", "frame color (rgb)")
	f.IntVarP(&labelIndex, "label", "l", 0, "label index")
	f.StringVarP(&icon, "icon", "i", "", "icon path or name")
	f.CountVarP(&verbose, "verbose", "v", "increase log verbosity")
	f.CountVarP(&quiet, "quiet", "q", "decrease log verbosity")
	f.BoolVarP(&background, "background", "n", false, "background without waiting for attach")
	f.BoolVarP(&foreground, "foreground", "f", false, "stay in the foreground (no fork)")
	f.BoolVarP(&invisible, "invisible", "I", false, "invisible mode: no local windows at all")
	f.BoolVarP(&oobClip, "oob-clipboard", "Q", false, "use the out-of-band clipboard path")
	f.IntVarP(&notifyPID, "notify-pid", "K", 0, "send SIGUSR1 to this pid once connected")
	f.StringArrayVarP(&extraProps, "property", "p", nil, "extra X11 property, name=type:value (types s/a/c)")
	f.BoolVarP(&titlePrefix, "title-prefix", "T", false, "prefix window titles with the VM name")
	f.StringVar(&trayMode, "trayicon-mode", "", "bg|border1|border2|tint[+border1|+border2|+saturation50|+whitehack]")
	f.StringArrayVar(&screensaver, "screensaver-name", nil, "window class treated as a screensaver (repeatable)")
	f.StringVar(&overrideRed, "override-redirect", "", "allow|disabled")

	if err := root.Execute(); err != nil {
		if errors.Is(err, daemon.ErrAlreadyRunning) {
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	mirror := display.NewMirror(registry.Geometry{W: 1920, H: 1080})

	sess := daemon.New(cfg, daemon.Options{
		Display:  mirror,
		Events:   mirror,
		Attacher: frameimport.AttacherFunc(func(ctx context.Context, domID uint32) error { return nil }),
		Releaser: frameimport.ReleaserFunc(func(ctx context.Context, f *frameimport.Frame) error { return nil }),
		KernelReleaser: frameimport.ReleaserFunc(func(ctx context.Context, f *frameimport.Frame) error {
			return nil
		}),
		DisplayNumber: 0,
		SocketPath:    fmt.Sprintf("%s/guid-ring.%d", lockfile.RunDir, cfg.DomID),
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	err := sess.Run(ctx)
	switch {
	case errors.Is(err, daemon.ErrAlreadyRunning):
		return err
	case errors.Is(err, daemon.ErrRestart):
		// Session restart after transport EOF: re-exec in foreground.
		return reexecForeground(cfg)
	default:
		return err
	}
}

// reexecDetached spawns a foreground copy of this daemon and, unless -n
// was given, waits for its SIGUSR1 before returning so callers know the
// guest attached.
func reexecDetached(cfg *config.Config) error {
	self, err := os.Executable()
	if err != nil {
		return err
	}

	args := append(childArgs(), "-f")
	if !cfg.Background {
		args = append(args, "-K", strconv.Itoa(os.Getpid()))
	}
	cmd := exec.Command(self, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawn daemon: %w", err)
	}
	if cfg.Background {
		return nil
	}

	attached := make(chan os.Signal, 1)
	signal.Notify(attached, syscall.SIGUSR1)
	defer signal.Stop(attached)

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()
	select {
	case <-attached:
		return nil
	case err := <-done:
		if err != nil {
			return fmt.Errorf("daemon exited before attach: %w", err)
		}
		return fmt.Errorf("daemon exited before attach")
	}
}

func reexecForeground(cfg *config.Config) error {
	self, err := os.Executable()
	if err != nil {
		return err
	}
	args := append(childArgs(), "-f")
	cmd := exec.Command(self, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("restart daemon: %w", err)
	}
	return nil
}

// childArgs returns this process's own arguments minus any fork-control
// flags, so a re-exec inherits the full configuration.
func childArgs() []string {
	var out []string
	for _, a := range os.Args[1:] {
		switch a {
		case "-f", "--foreground", "-n", "--background":
			continue
		}
		out = append(out, a)
	}
	return out
}
