package cli

import (
	stdcontext "context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Paintersrp/stallwatch/internal/config"
)

const defaultConfigFile = "stallwatch.yaml"

func NewRootCmd() *cobra.Command {
	root, _ := newRootCommand()
	return root
}

func newRootCommand() (*cobra.Command, *context) {
	var configFile string

	root := &cobra.Command{
		Use:   "stallwatch",
		Short: "Cooperative event loop with a stall watchdog",
	}

	root.PersistentFlags().
		StringVarP(&configFile, "file", "f", defaultConfigFile, "Path to configuration file")

	ctx := &context{configFile: &configFile}
	root.AddCommand(newRunCmd(ctx))
	root.AddCommand(newConfigCmd(ctx))

	root.SilenceUsage = true
	root.SilenceErrors = true

	return root, ctx
}

// Execute runs the CLI entrypoint.
func Execute() {
	ctx, stop := signal.NotifyContext(stdcontext.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := NewRootCmd()
	root.SetContext(ctx)

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type context struct {
	configFile *string
}

func (c *context) path() string {
	if c.configFile == nil || *c.configFile == "" {
		return defaultConfigFile
	}
	return *c.configFile
}

// loadConfig reads the configuration file. A missing file is only tolerated
// when the path was not chosen explicitly, in which case the defaults apply.
func (c *context) loadConfig(explicit bool) (*config.Config, error) {
	cfg, err := config.Load(c.path())
	if err == nil {
		return cfg, nil
	}
	if !explicit && errors.Is(err, fs.ErrNotExist) {
		return config.Default(), nil
	}
	return nil, err
}
