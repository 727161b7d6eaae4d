// ABOUTME: Entry point for coven-runstore, the persistent agent run store server
// ABOUTME: Provides serve, init, token, threads, migrate and health subcommands

package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/2389/coven-runstore/internal/auth"
	"github.com/2389/coven-runstore/internal/config"
	"github.com/2389/coven-runstore/internal/conversation"
	"github.com/2389/coven-runstore/internal/gateway"
	"github.com/2389/coven-runstore/internal/store"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                                                        _
  ___ _____   _____ _ __        _ __ _   _ _ __  ___| |_ ___  _ __ ___
 / __/ _ \ \ / / _ \ '_ \ _____| '__| | | | '_ \/ __| __/ _ \| '__/ _ \
| (_| (_) \ V /  __/ | | |_____| |  | |_| | | | \__ \ || (_) | | |  __/
 \___\___/ \_/ \___|_| |_|     |_|   \__,_|_| |_|___/\__\___/|_|  \___|
`

// defaultTokenTTL is the lifetime of tokens minted by the token command.
const defaultTokenTTL = 30 * 24 * time.Hour

// getDataPath returns the path to the coven data directory.
// Priority: XDG_DATA_HOME/coven > ~/.local/share/coven
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "coven")
}

func usage() {
	fmt.Println("Usage: coven-runstore <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                              Start the run store server")
	fmt.Println("  init                               Create a new config file interactively")
	fmt.Println("  token --subject S [--resource R]   Mint a bearer token (--admin for full access)")
	fmt.Println("  threads [--limit N]                List every thread in the database")
	fmt.Println("  migrate                            Apply pending database migrations")
	fmt.Println("  health                             Check server health")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "token":
		err = runToken(os.Args[2:])
	case "threads":
		err = runThreads(ctx, os.Args[2:])
	case "migrate":
		err = runMigrate(ctx)
	case "health":
		err = runHealth(ctx)
	case "help", "--help", "-h":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, string, error) {
	configPath := config.DefaultPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, configPath, fmt.Errorf("loading config: %w", err)
	}
	return cfg, configPath, nil
}

func runServe(ctx context.Context) error {
	// Print banner
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	// Version info
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, configPath, err := loadConfig()
	if err != nil {
		return err
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Database:  %s\n", cfg.Database.Path)
	green.Print("    ▶ ")
	fmt.Printf("Failures:  %s\n", cfg.Runs.FailurePolicy)
	if cfg.Auth.AllowAnonymous {
		yellow.Println("    ! anonymous requests act with the default scope")
	}
	if cfg.Tracing.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tracing:   %s", cfg.Tracing.Endpoint)
		gray.Printf(" (ratio %.2f)\n", cfg.Tracing.SampleRatio)
	}

	fmt.Println()

	logger.Info("starting coven-runstore",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"database", cfg.Database.Path,
	)

	gw, err := gateway.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

func runHealth(ctx context.Context) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	// Make HTTP request to health endpoint with context
	url := fmt.Sprintf("http://%s/health", cfg.Server.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	fmt.Println("healthy")
	return nil
}

func runMigrate(ctx context.Context) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	// Opening the store applies pending migrations.
	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer s.Close()

	v, err := s.CurrentVersion(ctx)
	if err != nil {
		return err
	}
	color.New(color.FgGreen).Printf("  ✓ %s at schema version %d\n", cfg.Database.Path, v)
	return nil
}

// tokenArgs are the parsed flags of the token command.
type tokenArgs struct {
	subject   string
	resources []string
	admin     bool
	ttl       time.Duration
}

// parseTokenArgs supports both "--flag value" and "--flag=value" formats.
// --resource may be repeated.
func parseTokenArgs(args []string) (*tokenArgs, error) {
	out := &tokenArgs{ttl: defaultTokenTTL}

	value := func(i *int, arg, name string) (string, error) {
		if v, ok := strings.CutPrefix(arg, name+"="); ok {
			return v, nil
		}
		if *i+1 >= len(args) {
			return "", fmt.Errorf("%s requires a value", name)
		}
		*i++
		return args[*i], nil
	}

	for i := 0; i < len(args); i++ {
		arg := args[i]
		name, _, _ := strings.Cut(arg, "=")
		switch name {
		case "--subject", "-s":
			v, err := value(&i, arg, name)
			if err != nil {
				return nil, err
			}
			out.subject = strings.TrimSpace(v)
		case "--resource", "-r":
			v, err := value(&i, arg, name)
			if err != nil {
				return nil, err
			}
			out.resources = append(out.resources, v)
		case "--ttl":
			v, err := value(&i, arg, name)
			if err != nil {
				return nil, err
			}
			ttl, err := time.ParseDuration(v)
			if err != nil || ttl <= 0 {
				return nil, fmt.Errorf("--ttl must be a positive duration, got %q", v)
			}
			out.ttl = ttl
		case "--admin":
			out.admin = true
		default:
			if strings.HasPrefix(arg, "-") {
				return nil, fmt.Errorf("unknown flag: %s", arg)
			}
			return nil, fmt.Errorf("unexpected argument: %s", arg)
		}
	}

	if out.subject == "" {
		return nil, fmt.Errorf("--subject flag is required")
	}
	return out, nil
}

// runToken mints a bearer token signed with the configured secret.
// Without --resource the token's scope is its subject alone.
func runToken(args []string) error {
	ta, err := parseTokenArgs(args)
	if err != nil {
		return err
	}

	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is not configured")
	}

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return fmt.Errorf("creating JWT verifier: %w", err)
	}

	claims := auth.Claims{Subject: ta.subject, Resources: ta.resources, Admin: ta.admin}
	token, err := verifier.Generate(claims, ta.ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	gray := color.New(color.FgHiBlack)
	gray.Fprintf(os.Stderr, "scope %s, expires %s\n", claims.Scope(), time.Now().Add(ta.ttl).UTC().Format("Jan 02, 2006"))
	fmt.Println(token)
	return nil
}

// runThreads lists threads straight from the database with the admin scope.
func runThreads(ctx context.Context, args []string) error {
	limit := 50
	for i := 0; i < len(args); i++ {
		arg := args[i]
		var raw string
		switch {
		case arg == "--limit" || arg == "-n":
			if i+1 >= len(args) {
				return fmt.Errorf("--limit requires a value")
			}
			raw = args[i+1]
			i++
		case strings.HasPrefix(arg, "--limit="):
			raw = strings.TrimPrefix(arg, "--limit=")
		default:
			return fmt.Errorf("unexpected argument: %s", arg)
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return fmt.Errorf("--limit must be a positive integer")
		}
		limit = n
	}

	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer s.Close()

	list, err := conversation.New(s).ListThreads(ctx, auth.AdminScope(), limit, 0)
	if err != nil {
		return fmt.Errorf("listing threads: %w", err)
	}

	cyan := color.New(color.FgCyan)
	gray := color.New(color.FgHiBlack)
	green := color.New(color.FgGreen)

	cyan.Printf("  %d thread(s)\n\n", list.Total)
	for _, t := range list.Threads {
		fmt.Printf("  %-36s ", t.ThreadID)
		gray.Printf("%s  %3d msgs  %2d runs  %-16s", t.LastActivityAt.Local().Format("2006-01-02 15:04"), t.MessageCount, t.RunCount, t.ResourceID)
		if t.IsRunning {
			green.Print("  running")
		}
		fmt.Println()
		if t.Preview != "" {
			gray.Printf("    %s\n", strings.ReplaceAll(t.Preview, "\n", " "))
		}
	}
	return nil
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("coven-runstore configuration setup")
	fmt.Println("==================================")
	fmt.Println()

	defaultDbPath := filepath.Join(getDataPath(), "runstore.db")

	outputFile := prompt(reader, "Config file path", config.DefaultPath())

	// Check if file exists
	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, "File exists. Overwrite?", "no")
		if strings.ToLower(overwrite) != "yes" && strings.ToLower(overwrite) != "y" {
			fmt.Println("Aborted.")
			return nil
		}
	}

	fmt.Println("\n--- Server Configuration ---")
	httpAddr := prompt(reader, "HTTP address", config.DefaultHTTPAddr)

	fmt.Println("\n--- Database Configuration ---")
	dbPath := prompt(reader, "SQLite database path", defaultDbPath)

	fmt.Println("\n--- Run Configuration ---")
	policy := prompt(reader, "Agent failure policy (complete/error)", "complete")

	fmt.Println("\n--- Logging Configuration ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (text/json)", "text")

	// Generate random JWT secret
	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return fmt.Errorf("generating JWT secret: %w", err)
	}
	jwtSecret := base64.StdEncoding.EncodeToString(secretBytes)

	var cfg strings.Builder
	cfg.WriteString("# coven-runstore configuration\n")
	cfg.WriteString("# Generated by coven-runstore init\n\n")

	cfg.WriteString("server:\n")
	cfg.WriteString(fmt.Sprintf("  http_addr: \"%s\"\n\n", httpAddr))

	cfg.WriteString("database:\n")
	cfg.WriteString(fmt.Sprintf("  path: \"%s\"\n\n", dbPath))

	cfg.WriteString("auth:\n")
	cfg.WriteString(fmt.Sprintf("  jwt_secret: \"%s\"\n\n", jwtSecret))

	cfg.WriteString("runs:\n")
	cfg.WriteString(fmt.Sprintf("  failure_policy: \"%s\"\n", policy))
	cfg.WriteString(fmt.Sprintf("  persist_timeout: \"%s\"\n\n", config.DefaultPersistTimeout))

	cfg.WriteString("logging:\n")
	cfg.WriteString(fmt.Sprintf("  level: \"%s\"\n", logLevel))
	cfg.WriteString(fmt.Sprintf("  format: \"%s\"\n\n", logFormat))

	cfg.WriteString("tracing:\n")
	cfg.WriteString("  enabled: false\n")

	// Validate before writing so a typo does not leave a broken file behind
	if _, err := config.Parse(cfg.String(), false); err != nil {
		return err
	}

	configDir := filepath.Dir(outputFile)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	// The file holds the signing secret
	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	dataDir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Printf("Data directory: %s\n", dataDir)
	fmt.Println("\nNext steps:")
	fmt.Println("  coven-runstore token --subject you   # mint a bearer token")
	fmt.Println("  coven-runstore serve                 # start the server")

	return nil
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		// On EOF or error, return default
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}
