package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
	"pkt.systems/pslog"

	"github.com/prbarcelon/crmbridge/internal/config"
	"github.com/prbarcelon/crmbridge/internal/logging"
	"github.com/prbarcelon/crmbridge/internal/metrics"
	"github.com/prbarcelon/crmbridge/internal/server"
	"github.com/prbarcelon/crmbridge/internal/store"
)

const (
	configKey         = "config"
	envFileKey        = "env_file"
	listenKey         = "listen"
	portKey           = "port"
	environmentKey    = "environment"
	backendURLKey     = "backend.base_url"
	loginPathKey      = "backend.login_path"
	backendTimeoutKey = "backend.timeout"
	fallbackTokenKey  = "backend.fallback_token"
	secretKeyKey      = "oauth.secret_key"
	codeTTLKey        = "oauth.code_ttl"
	tokenExpiresKey   = "oauth.token_expires_in"
	issuerKey         = "oauth.issuer"
	mcpBaseURLKey     = "mcp.base_url"
	historyDBKey      = "history.db_path"
	logLevelKey       = "log.level"
)

type serveFunc func(ctx context.Context, cfg *config.Config, logger pslog.Logger) error

func newRootCommand() *cobra.Command {
	return newRootCommandWith(viper.New(), serve)
}

func newRootCommandWith(v *viper.Viper, run serveFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "crmbridged",
		Short:         "Serve the CRM bridge over REST and MCP, with an OAuth login flow for MCP clients",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadEnvFile(v.GetString(envFileKey))
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := configFromViper(v)
			if err != nil {
				return err
			}
			logger := logging.New(cmd.ErrOrStderr(), cfg.Log.Level)
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			return run(ctx, cfg, logger)
		},
	}

	flags := cmd.Flags()
	flags.StringP("config", "c", "", "path to a YAML config file (default $CRMBRIDGE_CONFIG or the XDG config path when present)")
	flags.String("env-file", ".env", "dotenv file loaded before reading the environment; a missing file is ignored")
	flags.StringP("listen", "l", config.DefaultListen, "listen address")
	flags.StringP("port", "p", "", "override the port of --listen")
	flags.String("environment", config.DefaultEnvironment, "deployment environment name")
	flags.String("backend-url", config.DefaultBackendURL, "CRM backend API base URL")
	flags.String("backend-login-path", config.DefaultLoginPath, "credential endpoint path under the backend URL")
	flags.Duration("backend-timeout", config.DefaultTimeout, "timeout for each backend call")
	flags.String("fallback-token", "", "token used when a request carries none")
	flags.String("secret-key", "", "secret used to sign authorization codes (required)")
	flags.Duration("code-ttl", config.DefaultCodeTTL, "authorization code lifetime")
	flags.Int("token-expires-in", config.DefaultTokenLifetime, "expires_in reported by the token endpoint, seconds")
	flags.String("issuer", "", "OAuth issuer URL (default derived from the request)")
	flags.String("mcp-base-url", "", "public base URL announced in the SSE endpoint event")
	flags.String("history-db", "", "SQLite file for call history (empty disables history)")
	flags.String("log-level", config.DefaultLogLevel, "log level: trace, debug, info, warn, error")

	mustBind(v, flags, configKey, "config", "CRMBRIDGE_CONFIG")
	mustBind(v, flags, envFileKey, "env-file", "CRMBRIDGE_ENV_FILE")
	mustBind(v, flags, listenKey, "listen", "CRMBRIDGE_LISTEN")
	mustBind(v, flags, portKey, "port", "PORT")
	mustBind(v, flags, environmentKey, "environment", "ENVIRONMENT", "CRMBRIDGE_ENVIRONMENT")
	mustBind(v, flags, backendURLKey, "backend-url", "CRMBRIDGE_BACKEND_URL", "DJANGO_BASE_URL")
	mustBind(v, flags, loginPathKey, "backend-login-path", "CRMBRIDGE_BACKEND_LOGIN_PATH")
	mustBind(v, flags, backendTimeoutKey, "backend-timeout", "CRMBRIDGE_BACKEND_TIMEOUT")
	mustBind(v, flags, fallbackTokenKey, "fallback-token", "CRMBRIDGE_FALLBACK_TOKEN", "DJANGO_AUTH_TOKEN")
	mustBind(v, flags, secretKeyKey, "secret-key", "CRMBRIDGE_SECRET_KEY", "MCP_SECRET_KEY")
	mustBind(v, flags, codeTTLKey, "code-ttl", "CRMBRIDGE_CODE_TTL")
	mustBind(v, flags, tokenExpiresKey, "token-expires-in", "CRMBRIDGE_TOKEN_EXPIRES_IN")
	mustBind(v, flags, issuerKey, "issuer", "CRMBRIDGE_ISSUER")
	mustBind(v, flags, mcpBaseURLKey, "mcp-base-url", "CRMBRIDGE_MCP_BASE_URL")
	mustBind(v, flags, historyDBKey, "history-db", "CRMBRIDGE_HISTORY_DB")
	mustBind(v, flags, logLevelKey, "log-level", "CRMBRIDGE_LOG_LEVEL")

	cmd.AddCommand(newVersionCommand())
	return cmd
}

func mustBind(v *viper.Viper, flags *pflag.FlagSet, key, flagName string, envs ...string) {
	flag := flags.Lookup(flagName)
	if flag == nil {
		panic(fmt.Sprintf("flag for key %s not found", key))
	}
	if err := v.BindPFlag(key, flag); err != nil {
		panic(err)
	}
	if len(envs) > 0 {
		if err := v.BindEnv(append([]string{key}, envs...)...); err != nil {
			panic(err)
		}
	}
}

func loadEnvFile(path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	if err := gotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// configFromViper layers flags and environment over the YAML file (or the
// defaults) and validates the result.
func configFromViper(v *viper.Viper) (*config.Config, error) {
	cfg := config.Default()
	path := strings.TrimSpace(v.GetString(configKey))
	if path == "" {
		if candidate := config.DefaultConfigPath(); fileExists(candidate) {
			path = candidate
		}
	}
	if path != "" {
		loaded, err := config.Read(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	overrideString(v, listenKey, &cfg.Listen)
	overrideString(v, environmentKey, &cfg.Environment)
	overrideString(v, backendURLKey, &cfg.Backend.BaseURL)
	overrideString(v, loginPathKey, &cfg.Backend.LoginPath)
	overrideString(v, fallbackTokenKey, &cfg.Backend.FallbackToken)
	overrideString(v, secretKeyKey, &cfg.OAuth.SecretKey)
	overrideString(v, issuerKey, &cfg.OAuth.Issuer)
	overrideString(v, mcpBaseURLKey, &cfg.MCP.BaseURL)
	overrideString(v, historyDBKey, &cfg.History.DBPath)
	overrideString(v, logLevelKey, &cfg.Log.Level)
	if v.IsSet(backendTimeoutKey) {
		cfg.Backend.Timeout = config.Duration(v.GetDuration(backendTimeoutKey))
	}
	if v.IsSet(codeTTLKey) {
		cfg.OAuth.CodeTTL = config.Duration(v.GetDuration(codeTTLKey))
	}
	if v.IsSet(tokenExpiresKey) {
		cfg.OAuth.TokenExpiresIn = v.GetInt(tokenExpiresKey)
	}
	if v.IsSet(portKey) {
		if err := cfg.SetPort(v.GetString(portKey)); err != nil {
			return nil, err
		}
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func overrideString(v *viper.Viper, key string, dst *string) {
	if v.IsSet(key) {
		*dst = strings.TrimSpace(v.GetString(key))
	}
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func serve(ctx context.Context, cfg *config.Config, logger pslog.Logger) error {
	var st *store.Store
	if cfg.History.DBPath != "" {
		opened, err := store.Open(cfg.History.DBPath)
		if err != nil {
			return fmt.Errorf("open history: %w", err)
		}
		defer opened.Close()
		st = opened
	}
	srv, err := server.New(cfg, server.Deps{
		Logger:  logger,
		Metrics: metrics.New(),
		Store:   st,
		Version: version,
	})
	if err != nil {
		return err
	}
	return srv.Run(ctx)
}
