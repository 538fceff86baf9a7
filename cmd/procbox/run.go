package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/procbox/procbox"
)

type runFlags struct {
	configPath  string
	mounts      []string
	virtualDirs []string
	env         []string
	workDir     string
	maxThreads  int
	logLevel    string
}

func newRunCmd() *cobra.Command {
	flags := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run [flags] BINARY [args...]",
		Short: "run a guest binary until its process tree's root exits",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGuest(cmd, flags, args)
		},
	}
	cmd.Flags().StringVarP(&flags.configPath, "config", "c", "", "YAML manifest with the run configuration")
	cmd.Flags().StringArrayVar(&flags.mounts, "mount", nil, "bind a host directory: HOST:GUEST[:ro]")
	cmd.Flags().StringArrayVar(&flags.virtualDirs, "virtual-dir", nil, "create an in-memory guest directory")
	cmd.Flags().StringArrayVarP(&flags.env, "env", "e", nil, "set an environment variable: KEY=VALUE")
	cmd.Flags().StringVar(&flags.workDir, "workdir", "", "initial guest working directory (default \"/\")")
	cmd.Flags().IntVar(&flags.maxThreads, "max-threads", 0, "per-process thread limit, 0 for unbounded")
	cmd.Flags().StringVar(&flags.logLevel, "log-level", "", "zerolog level: trace, debug, info, warn, error")
	return cmd
}

// mergeConfig combines the manifest (if any) with command-line flags and
// positional arguments, flags winning on conflict.
func mergeConfig(flags *runFlags, args []string) (*manifest, []string, error) {
	m := &manifest{WorkDir: "/"}
	if flags.configPath != "" {
		loaded, err := loadManifest(flags.configPath)
		if err != nil {
			return nil, nil, err
		}
		m = loaded
		if m.WorkDir == "" {
			m.WorkDir = "/"
		}
	}

	guestArgs := m.Args
	if len(args) > 0 {
		m.Binary = args[0]
		guestArgs = args
	} else if m.Binary != "" && len(guestArgs) == 0 {
		guestArgs = []string{m.Binary}
	}
	if m.Binary == "" {
		return nil, nil, fmt.Errorf("no binary: pass one as an argument or set it in the manifest")
	}

	for _, e := range flags.env {
		if !strings.Contains(e, "=") {
			return nil, nil, fmt.Errorf("invalid env %q: expected KEY=VALUE", e)
		}
		m.Env = append(m.Env, e)
	}
	for _, s := range flags.mounts {
		mt, err := parseMountFlag(s)
		if err != nil {
			return nil, nil, err
		}
		m.Mounts = append(m.Mounts, mt)
	}
	m.VirtualDirs = append(m.VirtualDirs, flags.virtualDirs...)
	if flags.workDir != "" {
		m.WorkDir = flags.workDir
	}
	if flags.maxThreads != 0 {
		m.MaxThreads = flags.maxThreads
	}
	if flags.logLevel != "" {
		m.LogLevel = flags.logLevel
	}
	return m, guestArgs, nil
}

func runGuest(cmd *cobra.Command, flags *runFlags, args []string) error {
	loader := procbox.EngineLoader()
	if loader == nil {
		return procbox.ErrNoEngine
	}

	m, guestArgs, err := mergeConfig(flags, args)
	if err != nil {
		return err
	}

	log := zerolog.Nop()
	if m.LogLevel != "" {
		level, err := zerolog.ParseLevel(m.LogLevel)
		if err != nil {
			return fmt.Errorf("invalid log level %q", m.LogLevel)
		}
		log = zerolog.New(cmd.ErrOrStderr()).Level(level).With().Timestamp().Logger()
	}

	binary, err := os.ReadFile(m.Binary)
	if err != nil {
		return err
	}

	fsConfig := procbox.NewFSConfig()
	for _, mt := range m.Mounts {
		if mt.ReadOnly {
			fsConfig = fsConfig.WithReadOnlyDirMount(mt.Host, mt.Guest)
		} else {
			fsConfig = fsConfig.WithDirMount(mt.Host, mt.Guest)
		}
	}
	for _, d := range m.VirtualDirs {
		fsConfig = fsConfig.WithVirtualDir(d)
	}

	config := procbox.NewModuleConfig().
		WithArgs(guestArgs...).
		WithStdin(cmd.InOrStdin()).
		WithStdout(cmd.OutOrStdout()).
		WithStderr(cmd.ErrOrStderr()).
		WithWorkDir(m.WorkDir).
		WithFSConfig(fsConfig)
	for _, e := range m.Env {
		k, v, _ := strings.Cut(e, "=")
		config = config.WithEnv(k, v)
	}

	runtime := procbox.NewRuntime(loader).WithLogger(log).WithMaxThreads(m.MaxThreads)
	code, err := runtime.Run(cmd.Context(), binary, config)
	if err != nil {
		return err
	}
	if code != 0 {
		return &exitCodeError{code: code}
	}
	return nil
}
