package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/prbarcelon/crmbridge/internal/client"
	"github.com/prbarcelon/crmbridge/internal/config"
)

const (
	urlKey       = "url"
	tokenKey     = "token"
	transportKey = "transport"
	jsonKey      = "json_output"
	historyDBKey = "history_db"
)

func newRootCommand() *cobra.Command {
	return newRootCommandWith(viper.New())
}

func newRootCommandWith(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "crmbridge",
		Short:         "Inspect and call a running CRM bridge",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pflags := cmd.PersistentFlags()
	pflags.String("url", client.DefaultURL, "bridge base URL")
	pflags.String("token", "", "bearer token forwarded to the CRM backend")
	pflags.String("transport", "streamable", "MCP transport: streamable or sse")
	pflags.Bool("json-output", false, "print raw JSON")
	for key, flag := range map[string]string{urlKey: "url", tokenKey: "token", transportKey: "transport", jsonKey: "json-output"} {
		if err := v.BindPFlag(key, pflags.Lookup(flag)); err != nil {
			panic(err)
		}
	}
	_ = v.BindEnv(urlKey, "CRMBRIDGE_URL")
	_ = v.BindEnv(tokenKey, "CRMBRIDGE_TOKEN")
	_ = v.BindEnv(transportKey, "CRMBRIDGE_TRANSPORT")

	cmd.AddCommand(
		newToolsCommand(v),
		newInspectCommand(v),
		newCallCommand(v),
		newHistoryCommand(v),
		newValidateCommand(),
		newVersionCommand(),
	)
	return cmd
}

func clientFor(cmd *cobra.Command, v *viper.Viper) *client.Client {
	return client.New(client.Options{
		URL:       v.GetString(urlKey),
		Token:     v.GetString(tokenKey),
		Transport: v.GetString(transportKey),
		JSON:      v.GetBool(jsonKey),
		Version:   version,
	}, cmd.OutOrStdout(), cmd.ErrOrStderr())
}

func newToolsCommand(v *viper.Viper) *cobra.Command {
	var full bool
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "List the bridge's tools",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return clientFor(cmd, v).Tools(cmd.Context(), full)
		},
	}
	cmd.Flags().BoolVar(&full, "full", false, "show parameters and full descriptions")
	return cmd
}

func newInspectCommand(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <tool>",
		Short: "Show a tool's parameters",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return clientFor(cmd, v).Inspect(cmd.Context(), args[0])
		},
	}
}

// newCallCommand leaves flag parsing to client.ParseCallArgs because tool
// arguments are dynamic.
func newCallCommand(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:                "call <tool> [--json] [--arg value ...]",
		Short:              "Call a tool",
		DisableFlagParsing: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			parsed, err := client.ParseCallArgs(args)
			if err != nil {
				return err
			}
			if parsed.URL != "" {
				v.Set(urlKey, parsed.URL)
			}
			if parsed.Token != "" {
				v.Set(tokenKey, parsed.Token)
			}
			if parsed.Transport != "" {
				v.Set(transportKey, parsed.Transport)
			}
			if parsed.Tool == "" && !parsed.Help {
				return cmd.Usage()
			}
			if parsed.Tool == "" {
				return cmd.Help()
			}
			return clientFor(cmd, v).Call(cmd.Context(), parsed)
		},
	}
}

func newHistoryCommand(v *viper.Viper) *cobra.Command {
	var (
		surface    string
		tool       string
		limit      int
		configPath string
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recorded calls from the local history database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return clientFor(cmd, v).History(cmd.Context(), historyPath(v, configPath), surface, tool, limit)
		},
	}
	flags := cmd.Flags()
	flags.String("db", "", "history database path (default from config, then the XDG data path)")
	flags.StringVar(&surface, "surface", "", "filter by surface: rest or mcp")
	flags.StringVar(&tool, "tool", "", "filter by operation or tool name")
	flags.IntVar(&limit, "limit", 50, "maximum entries")
	flags.StringVar(&configPath, "config", "", "config file consulted for history.db_path")
	if err := v.BindPFlag(historyDBKey, flags.Lookup("db")); err != nil {
		panic(err)
	}
	_ = v.BindEnv(historyDBKey, "CRMBRIDGE_HISTORY_DB")
	return cmd
}

func historyPath(v *viper.Viper, configPath string) string {
	if path := strings.TrimSpace(v.GetString(historyDBKey)); path != "" {
		return path
	}
	if configPath == "" {
		configPath = config.DefaultConfigPath()
	}
	if cfg, err := config.Read(configPath); err == nil && cfg.History.DBPath != "" {
		return cfg.History.DBPath
	}
	return config.DefaultDBPath()
}

func newValidateCommand() *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if path == "" {
				path = config.DefaultConfigPath()
			}
			if _, err := os.Stat(path); err != nil {
				return fmt.Errorf("config %s: %w", path, err)
			}
			return client.New(client.Options{}, cmd.OutOrStdout(), cmd.ErrOrStderr()).Validate(path)
		},
	}
	cmd.Flags().StringVarP(&path, "config", "c", "", "config file path")
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "crmbridge %s\n", version)
		},
	}
}
