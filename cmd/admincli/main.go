// Command admincli drives the admin dashboard client stack from the
// terminal: login, session-backed API calls, and access checks. It also
// hosts the stub backend for local development.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tyemirov/tadmin/internal/apiclient"
	"github.com/tyemirov/tadmin/internal/guard"
	"github.com/tyemirov/tadmin/internal/rbac"
	"github.com/tyemirov/tadmin/internal/session"
	"github.com/tyemirov/tadmin/internal/stubserver"
	"github.com/tyemirov/tadmin/internal/tokenstore"
	"go.uber.org/zap"
)

var serveHTTP = func(server *http.Server) error {
	return server.ListenAndServe()
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

const (
	configCodeMissingBaseURL    = "config.missing_base_url"
	configCodeInvalidTimeout    = "config.invalid_timeout"
	configCodeInvalidAttempts   = "config.invalid_max_attempts"
	configCodeMissingListenAddr = "config.missing_listen_addr"
)

func configError(code, message string) error {
	return fmt.Errorf("%s: %s", code, message)
}

// ClientConfig is the resolved client-side configuration.
type ClientConfig struct {
	BaseURL           string
	StorageURL        string
	Timeout           time.Duration
	MaxAttempts       int
	BaseDelay         time.Duration
	RequestsPerSecond float64
	ExpirySkew        time.Duration
}

func loadClientConfig() (ClientConfig, error) {
	baseURL := strings.TrimSpace(viper.GetString("base_url"))
	if baseURL == "" {
		return ClientConfig{}, configError(configCodeMissingBaseURL, "base_url must be provided")
	}
	timeout := viper.GetDuration("timeout")
	if timeout <= 0 {
		return ClientConfig{}, configError(configCodeInvalidTimeout, "timeout must be greater than zero")
	}
	maxAttempts := viper.GetInt("max_attempts")
	if maxAttempts <= 0 {
		return ClientConfig{}, configError(configCodeInvalidAttempts, "max_attempts must be greater than zero")
	}
	return ClientConfig{
		BaseURL:           baseURL,
		StorageURL:        viper.GetString("storage_url"),
		Timeout:           timeout,
		MaxAttempts:       maxAttempts,
		BaseDelay:         viper.GetDuration("base_delay"),
		RequestsPerSecond: viper.GetFloat64("requests_per_second"),
		ExpirySkew:        viper.GetDuration("expiry_skew"),
	}, nil
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "admincli",
		Short:         "Admin dashboard client with role-based access checks and resilient API calls",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().String("base_url", "http://localhost:8080", "API base URL")
	rootCmd.PersistentFlags().String("storage_url", "", "Token storage URL (sqlite:// or postgres://; empty keeps tokens in memory)")
	rootCmd.PersistentFlags().Duration("timeout", 30*time.Second, "Per-request HTTP timeout")
	rootCmd.PersistentFlags().Int("max_attempts", 3, "Attempt budget for transient failures")
	rootCmd.PersistentFlags().Duration("base_delay", 250*time.Millisecond, "First retry backoff delay")
	rootCmd.PersistentFlags().Float64("requests_per_second", 0, "Client-side request pacing; 0 disables")
	rootCmd.PersistentFlags().Duration("expiry_skew", time.Minute, "Treat tokens expiring within this window as already expired")

	_ = viper.BindPFlag("base_url", rootCmd.PersistentFlags().Lookup("base_url"))
	_ = viper.BindPFlag("storage_url", rootCmd.PersistentFlags().Lookup("storage_url"))
	_ = viper.BindPFlag("timeout", rootCmd.PersistentFlags().Lookup("timeout"))
	_ = viper.BindPFlag("max_attempts", rootCmd.PersistentFlags().Lookup("max_attempts"))
	_ = viper.BindPFlag("base_delay", rootCmd.PersistentFlags().Lookup("base_delay"))
	_ = viper.BindPFlag("requests_per_second", rootCmd.PersistentFlags().Lookup("requests_per_second"))
	_ = viper.BindPFlag("expiry_skew", rootCmd.PersistentFlags().Lookup("expiry_skew"))

	viper.SetEnvPrefix("TADMIN")
	viper.AutomaticEnv()

	rootCmd.AddCommand(newLoginCommand())
	rootCmd.AddCommand(newLogoutCommand())
	rootCmd.AddCommand(newWhoamiCommand())
	rootCmd.AddCommand(newCanCommand())
	rootCmd.AddCommand(newRequestCommand())
	rootCmd.AddCommand(newServeStubCommand())
	return rootCmd
}

type clientStack struct {
	manager *session.Manager
	client  *apiclient.Client
	logger  *zap.Logger
}

func (stack *clientStack) close() {
	stack.manager.Close()
	_ = stack.logger.Sync()
}

func buildClientStack(ctx context.Context) (*clientStack, error) {
	clientConfig, configErr := loadClientConfig()
	if configErr != nil {
		return nil, configErr
	}
	logger, loggerErr := zap.NewProduction()
	if loggerErr != nil {
		return nil, loggerErr
	}

	var store tokenstore.Store
	if clientConfig.StorageURL != "" {
		databaseStore, storeErr := tokenstore.NewDatabaseStore(ctx, clientConfig.StorageURL, tokenstore.NewSystemClock())
		if storeErr != nil {
			return nil, storeErr
		}
		store = databaseStore
		logger.Info("using persistent token store")
	} else {
		store = tokenstore.NewMemoryStore()
		logger.Info("using in-memory token store")
	}

	httpClient := &http.Client{Timeout: clientConfig.Timeout}
	authTransport, transportErr := apiclient.NewAuthTransport(clientConfig.BaseURL, httpClient, logger)
	if transportErr != nil {
		return nil, transportErr
	}

	manager, managerErr := session.NewManager(store, authTransport, rbac.NewEngine(rbac.DefaultHierarchy()), session.Config{
		Logger:     logger,
		ExpirySkew: clientConfig.ExpirySkew,
	})
	if managerErr != nil {
		return nil, managerErr
	}

	metrics, metricsErr := apiclient.NewPrometheusMetrics(prometheus.NewRegistry())
	if metricsErr != nil {
		manager.Close()
		return nil, metricsErr
	}
	client, clientErr := apiclient.New(manager, apiclient.Config{
		BaseURL:           clientConfig.BaseURL,
		MaxAttempts:       clientConfig.MaxAttempts,
		BaseDelay:         clientConfig.BaseDelay,
		RequestsPerSecond: clientConfig.RequestsPerSecond,
		HTTPClient:        httpClient,
		Logger:            logger,
		Metrics:           metrics,
	})
	if clientErr != nil {
		manager.Close()
		return nil, clientErr
	}

	return &clientStack{manager: manager, client: client, logger: logger}, nil
}

func newLoginCommand() *cobra.Command {
	loginCmd := &cobra.Command{
		Use:   "login",
		Short: "Exchange credentials for a session token",
		RunE: func(command *cobra.Command, arguments []string) error {
			stack, buildErr := buildClientStack(command.Context())
			if buildErr != nil {
				return buildErr
			}
			defer stack.close()

			email, _ := command.Flags().GetString("email")
			password, _ := command.Flags().GetString("password")
			remember, _ := command.Flags().GetBool("remember_me")

			established, loginErr := stack.manager.Login(command.Context(), session.Credentials{
				Email:      email,
				Password:   password,
				RememberMe: remember,
			})
			if loginErr != nil {
				return loginErr
			}
			command.Printf("logged in as %s (%s)\n", established.Identity.DisplayName, established.Identity.Email)
			for _, role := range established.Identity.Roles {
				command.Printf("role: %s\n", role)
			}
			return nil
		},
	}
	loginCmd.Flags().String("email", "", "Account email")
	loginCmd.Flags().String("password", "", "Account password")
	loginCmd.Flags().Bool("remember_me", false, "Remember the email for the next login")
	_ = loginCmd.MarkFlagRequired("email")
	_ = loginCmd.MarkFlagRequired("password")
	return loginCmd
}

func newLogoutCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Revoke the refresh token and clear the stored session",
		RunE: func(command *cobra.Command, arguments []string) error {
			stack, buildErr := buildClientStack(command.Context())
			if buildErr != nil {
				return buildErr
			}
			defer stack.close()
			if logoutErr := stack.manager.Logout(command.Context()); logoutErr != nil {
				return logoutErr
			}
			command.Println("logged out")
			return nil
		},
	}
}

func newWhoamiCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the current session's identity and effective permissions",
		RunE: func(command *cobra.Command, arguments []string) error {
			stack, buildErr := buildClientStack(command.Context())
			if buildErr != nil {
				return buildErr
			}
			defer stack.close()

			restored, restoreErr := stack.manager.Restore(command.Context())
			if restoreErr != nil {
				return restoreErr
			}
			command.Printf("user: %s\n", restored.Identity.UserID)
			command.Printf("email: %s\n", restored.Identity.Email)
			for _, role := range restored.Identity.Roles {
				command.Printf("role: %s\n", role)
			}
			for _, permission := range stack.manager.Permissions().Sorted() {
				command.Printf("permission: %s\n", permission)
			}
			return nil
		},
	}
}

func newCanCommand() *cobra.Command {
	canCmd := &cobra.Command{
		Use:   "can [permission...]",
		Short: "Check whether the current session satisfies an access requirement",
		RunE: func(command *cobra.Command, arguments []string) error {
			stack, buildErr := buildClientStack(command.Context())
			if buildErr != nil {
				return buildErr
			}
			defer stack.close()

			if _, restoreErr := stack.manager.Restore(command.Context()); restoreErr != nil {
				return restoreErr
			}

			permissionNames, _ := command.Flags().GetStringSlice("permission")
			roleNames, _ := command.Flags().GetStringSlice("role")
			requireAll, _ := command.Flags().GetBool("all")

			check := rbac.AccessCheck{RequireAll: requireAll}
			for _, name := range append(arguments, permissionNames...) {
				check.Permissions = append(check.Permissions, rbac.Permission(name))
			}
			for _, name := range roleNames {
				check.Roles = append(check.Roles, rbac.Role(name))
			}

			decision := guard.CanAccess(stack.manager, check)
			command.Printf("%s\n", decision.Reason)
			if !decision.Allowed {
				return fmt.Errorf("access denied: %s", decision.Reason)
			}
			return nil
		},
	}
	canCmd.Flags().StringSlice("permission", nil, "Required permission, repeatable")
	canCmd.Flags().StringSlice("role", nil, "Required role, repeatable")
	canCmd.Flags().Bool("all", false, "Require every listed permission instead of any")
	return canCmd
}

func newRequestCommand() *cobra.Command {
	requestCmd := &cobra.Command{
		Use:   "request METHOD PATH",
		Short: "Issue an authenticated API request through the retry loop",
		Args:  cobra.ExactArgs(2),
		RunE: func(command *cobra.Command, arguments []string) error {
			stack, buildErr := buildClientStack(command.Context())
			if buildErr != nil {
				return buildErr
			}
			defer stack.close()

			method := strings.ToUpper(arguments[0])
			path := arguments[1]
			data, _ := command.Flags().GetString("data")
			idempotencyKey, _ := command.Flags().GetString("idempotency_key")

			options := apiclient.RequestOptions{
				IdempotencyKey:       idempotencyKey,
				EnsureIdempotencyKey: true,
			}
			if data != "" {
				var body any
				if decodeErr := json.Unmarshal([]byte(data), &body); decodeErr != nil {
					return fmt.Errorf("request body must be valid JSON: %w", decodeErr)
				}
				options.Body = body
			}

			response, requestErr := stack.client.Request(command.Context(), method, path, options)
			if requestErr != nil {
				return requestErr
			}
			command.Printf("status: %d\n", response.StatusCode)
			if len(response.Body) > 0 {
				command.Println(string(response.Body))
			}
			return nil
		},
	}
	requestCmd.Flags().String("data", "", "JSON request body")
	requestCmd.Flags().String("idempotency_key", "", "Explicit idempotency key; one is generated for mutating verbs when empty")
	return requestCmd
}

func newServeStubCommand() *cobra.Command {
	serveCmd := &cobra.Command{
		Use:   "serve-stub",
		Short: "Run the stub backend for local development",
		RunE:  runServeStub,
	}
	serveCmd.Flags().String("listen_addr", ":8080", "HTTP listen address")
	serveCmd.Flags().String("signing_key", "", "HS256 signing secret for access tokens; random default")
	serveCmd.Flags().Duration("session_ttl", 15*time.Minute, "Access token TTL")
	serveCmd.Flags().StringSlice("cors_allowed_origins", nil, "Allowed origins for the browser dashboard")
	serveCmd.Flags().String("seed_email", "admin@example.com", "Seeded account email")
	serveCmd.Flags().String("seed_password", "admin", "Seeded account password")
	serveCmd.Flags().String("seed_role", string(rbac.RoleAdmin), "Seeded account role")
	return serveCmd
}

func runServeStub(command *cobra.Command, arguments []string) error {
	logger, loggerErr := zap.NewProduction()
	if loggerErr != nil {
		return loggerErr
	}
	defer func() { _ = logger.Sync() }()

	listenAddr, _ := command.Flags().GetString("listen_addr")
	if strings.TrimSpace(listenAddr) == "" {
		return configError(configCodeMissingListenAddr, "listen_addr must be provided")
	}
	signingKey, _ := command.Flags().GetString("signing_key")
	sessionTTL, _ := command.Flags().GetDuration("session_ttl")
	allowedOrigins, _ := command.Flags().GetStringSlice("cors_allowed_origins")
	seedEmail, _ := command.Flags().GetString("seed_email")
	seedPassword, _ := command.Flags().GetString("seed_password")
	seedRole, _ := command.Flags().GetString("seed_role")

	stub, stubErr := stubserver.New(stubserver.Config{
		SigningKey:     []byte(signingKey),
		SessionTTL:     sessionTTL,
		AllowedOrigins: allowedOrigins,
		Logger:         logger,
		Users: []stubserver.User{
			{
				UserID:      "seed-user",
				Email:       seedEmail,
				Password:    seedPassword,
				DisplayName: "Seeded Account",
				Roles:       []rbac.Role{rbac.Role(seedRole)},
			},
		},
	})
	if stubErr != nil {
		return stubErr
	}

	server := &http.Server{
		Addr:              listenAddr,
		Handler:           stub.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	shutdownCtx, shutdownCancel := context.WithCancel(context.Background())
	defer shutdownCancel()

	go func() {
		stopSignals := make(chan os.Signal, 1)
		signal.Notify(stopSignals, syscall.SIGINT, syscall.SIGTERM)
		<-stopSignals
		graceCtx, graceCancel := context.WithTimeout(shutdownCtx, 10*time.Second)
		defer graceCancel()
		if err := server.Shutdown(graceCtx); err != nil {
			logger.Error("server shutdown error", zap.Error(err))
		}
	}()

	logger.Info("stub listening", zap.String("addr", listenAddr))
	if err := serveHTTP(server); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen error: %w", err)
	}
	return nil
}
