package commands

import (
	"github.com/spf13/cobra"

	"github.com/life-stream-dev/life-stream-go-mqtt-client/internal/config"
)

type globalFlags struct {
	configPath string
	debug      bool
}

// NewRootCmd 构建命令树, 每次调用返回独立的实例
func NewRootCmd() *cobra.Command {
	flags := &globalFlags{}
	root := &cobra.Command{
		Use:   "mqtt-client",
		Short: "A small MQTT 3.1.1 client",
		Long: `A small MQTT 3.1.1 client built on a cycle driven runtime.

Configuration is read from config.json (or a YAML file passed with --config)
and can be overridden with LWMQTT_ prefixed environment variables or a .env file.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&flags.configPath, "config", "c", config.DefaultPath, "Path of the configuration file")
	root.PersistentFlags().BoolVar(&flags.debug, "debug", false, "Enable debug logging")

	root.AddCommand(
		newSubCmd(flags),
		newPubCmd(flags),
		newMatchCmd(),
	)
	return root
}

func Execute() error {
	return NewRootCmd().Execute()
}
